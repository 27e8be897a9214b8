package probe

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shrinkarr/shrinkarr/internal/models"
)

// AudioStream describes one audio track of a source file.
type AudioStream struct {
	Index    int    `json:"index"`
	Codec    string `json:"codec"`
	Channels int    `json:"channels"`
	Layout   string `json:"layout,omitempty"`
	Bitrate  int64  `json:"bitrate,omitempty"`
	Language string `json:"language,omitempty"`
}

// SourceProfile is the distilled view of a media file that the quality
// policy operates on.
type SourceProfile struct {
	Path      string  `json:"path"`
	Container string  `json:"container"`
	Duration  float64 `json:"duration_seconds"`
	SizeBytes int64   `json:"size_bytes"`

	VideoCodec string  `json:"video_codec"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	BitDepth   int     `json:"bit_depth"`
	Framerate  float64 `json:"framerate,omitempty"`
	PixFmt     string  `json:"pix_fmt,omitempty"`

	// Bitrate is the video stream bitrate when ffprobe reports one, else
	// the container bitrate. Bits per second.
	Bitrate int64 `json:"bitrate"`

	ColorTransfer  string `json:"color_transfer,omitempty"`
	ColorPrimaries string `json:"color_primaries,omitempty"`
	ColorSpace     string `json:"color_space,omitempty"`

	HasMasteringDisplay  bool `json:"has_mastering_display,omitempty"`
	HasContentLightLevel bool `json:"has_content_light_level,omitempty"`
	HasHDR10Plus         bool `json:"has_hdr10plus,omitempty"`
	HasDolbyVision       bool `json:"has_dolby_vision,omitempty"`

	HDR models.HDRKind `json:"hdr"`

	AudioStreams []AudioStream `json:"audio_streams,omitempty"`
}

// HasVideo reports whether a real video track was found.
func (p *SourceProfile) HasVideo() bool {
	return p.VideoCodec != ""
}

// PixelCount returns width*height.
func (p *SourceProfile) PixelCount() int {
	return p.Width * p.Height
}

// buildProfile distills a raw ffprobe result into a SourceProfile.
func buildProfile(path string, raw *Result) (*SourceProfile, error) {
	profile := &SourceProfile{
		Path:      path,
		Container: raw.Format.FormatName,
		Duration:  raw.DurationSeconds(),
	}
	if raw.Format.Size != "" {
		profile.SizeBytes, _ = strconv.ParseInt(raw.Format.Size, 10, 64)
	}

	video := raw.VideoStream()
	if video != nil {
		profile.VideoCodec = video.CodecName
		profile.Width = video.Width
		profile.Height = video.Height
		profile.PixFmt = video.PixFmt
		profile.BitDepth = bitDepthFromPixFmt(video.PixFmt)
		profile.ColorTransfer = video.ColorTransfer
		profile.ColorPrimaries = video.ColorPrimaries
		profile.ColorSpace = video.ColorSpace

		if video.AvgFrameRate != "" {
			profile.Framerate = parseFramerate(video.AvgFrameRate)
		} else if video.RFrameRate != "" {
			profile.Framerate = parseFramerate(video.RFrameRate)
		}

		if video.BitRate != "" {
			profile.Bitrate, _ = strconv.ParseInt(video.BitRate, 10, 64)
		}

		for _, sd := range video.SideDataList {
			t := strings.ToLower(sd.SideDataType)
			switch {
			case strings.Contains(t, "dovi") || strings.Contains(t, "dolby vision"):
				profile.HasDolbyVision = true
			case strings.Contains(t, "smpte2094-40") || strings.Contains(t, "hdr dynamic metadata"):
				profile.HasHDR10Plus = true
			case strings.Contains(t, "mastering display"):
				profile.HasMasteringDisplay = true
			case strings.Contains(t, "content light level"):
				profile.HasContentLightLevel = true
			}
		}
	}

	// Fall back to container bitrate when the stream doesn't report one
	if profile.Bitrate == 0 && raw.Format.BitRate != "" {
		profile.Bitrate, _ = strconv.ParseInt(raw.Format.BitRate, 10, 64)
	}

	for _, s := range raw.AudioStreams() {
		as := AudioStream{
			Index:    s.Index,
			Codec:    s.CodecName,
			Channels: s.Channels,
			Layout:   s.ChannelLayout,
		}
		if s.BitRate != "" {
			as.Bitrate, _ = strconv.ParseInt(s.BitRate, 10, 64)
		}
		if lang, ok := s.Tags["language"]; ok {
			as.Language = lang
		}
		profile.AudioStreams = append(profile.AudioStreams, as)
	}

	profile.HDR = ClassifyHDR(profile)

	if !profile.HasVideo() && len(profile.AudioStreams) == 0 {
		return nil, &Error{Kind: ErrKindMalformed, Err: fmt.Errorf("no decodable streams in %s", path)}
	}
	return profile, nil
}

// ClassifyHDR applies the classification rules in order: Dolby Vision
// first, then HDR10+, then static HDR10 signalling, else SDR. Dynamic
// formats shadow the static metadata they usually ship alongside.
func ClassifyHDR(p *SourceProfile) models.HDRKind {
	if p.HasDolbyVision {
		return models.HDRKindDolbyVision
	}
	if p.HasHDR10Plus {
		return models.HDRKindHDR10Plus
	}
	switch p.ColorTransfer {
	case "smpte2084", "arib-std-b67":
		return models.HDRKindHDR10
	}
	if p.HasMasteringDisplay {
		return models.HDRKindHDR10
	}
	return models.HDRKindNone
}

// bitDepthFromPixFmt infers the bit depth from a pixel format name.
// yuv420p10le and friends are 10-bit; 12-bit formats are treated as 10 for
// lookup purposes since the encode targets 10-bit anyway.
func bitDepthFromPixFmt(pixFmt string) int {
	if strings.Contains(pixFmt, "10") || strings.Contains(pixFmt, "12") {
		return 10
	}
	return 8
}
