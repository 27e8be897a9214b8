package probe

import (
	"encoding/json"
	"testing"

	"github.com/shrinkarr/shrinkarr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOutput = `{
	"streams": [
		{
			"index": 0,
			"codec_name": "hevc",
			"codec_type": "video",
			"width": 3840,
			"height": 2160,
			"pix_fmt": "yuv420p10le",
			"color_transfer": "smpte2084",
			"color_primaries": "bt2020",
			"color_space": "bt2020nc",
			"avg_frame_rate": "24000/1001",
			"side_data_list": [
				{"side_data_type": "Mastering display metadata"},
				{"side_data_type": "Content light level metadata"}
			]
		},
		{
			"index": 1,
			"codec_name": "eac3",
			"codec_type": "audio",
			"channels": 6,
			"channel_layout": "5.1(side)",
			"bit_rate": "768000",
			"tags": {"language": "eng"}
		},
		{
			"index": 2,
			"codec_name": "subrip",
			"codec_type": "subtitle"
		}
	],
	"format": {
		"format_name": "matroska,webm",
		"duration": "7200.500000",
		"size": "20000000000",
		"bit_rate": "22000000"
	}
}`

func parseProfile(t *testing.T, data string) *SourceProfile {
	t.Helper()
	var raw Result
	require.NoError(t, json.Unmarshal([]byte(data), &raw))
	profile, err := buildProfile("/media/movie.mkv", &raw)
	require.NoError(t, err)
	return profile
}

func TestBuildProfile(t *testing.T) {
	p := parseProfile(t, sampleOutput)

	assert.Equal(t, "hevc", p.VideoCodec)
	assert.Equal(t, 3840, p.Width)
	assert.Equal(t, 2160, p.Height)
	assert.Equal(t, 10, p.BitDepth)
	assert.InDelta(t, 23.976, p.Framerate, 0.001)
	assert.Equal(t, 7200.5, p.Duration)
	assert.Equal(t, int64(20_000_000_000), p.SizeBytes)
	// No stream bitrate: container bitrate is used
	assert.Equal(t, int64(22_000_000), p.Bitrate)
	assert.True(t, p.HasMasteringDisplay)
	assert.True(t, p.HasContentLightLevel)

	require.Len(t, p.AudioStreams, 1)
	assert.Equal(t, "eac3", p.AudioStreams[0].Codec)
	assert.Equal(t, 6, p.AudioStreams[0].Channels)
	assert.Equal(t, int64(768_000), p.AudioStreams[0].Bitrate)
	assert.Equal(t, "eng", p.AudioStreams[0].Language)
}

func TestClassifyHDR(t *testing.T) {
	tests := []struct {
		name    string
		profile SourceProfile
		want    models.HDRKind
	}{
		{"sdr", SourceProfile{ColorTransfer: "bt709"}, models.HDRKindNone},
		{"pq transfer", SourceProfile{ColorTransfer: "smpte2084"}, models.HDRKindHDR10},
		{"hlg transfer", SourceProfile{ColorTransfer: "arib-std-b67"}, models.HDRKindHDR10},
		{"mastering display only", SourceProfile{ColorTransfer: "bt709", HasMasteringDisplay: true}, models.HDRKindHDR10},
		{"hdr10plus", SourceProfile{ColorTransfer: "smpte2084", HasHDR10Plus: true}, models.HDRKindHDR10Plus},
		{"dolby vision beats hdr10plus", SourceProfile{ColorTransfer: "smpte2084", HasHDR10Plus: true, HasDolbyVision: true}, models.HDRKindDolbyVision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyHDR(&tt.profile))
		})
	}
}

func TestDynamicHDRFromSideData(t *testing.T) {
	var raw Result
	require.NoError(t, json.Unmarshal([]byte(sampleOutput), &raw))
	raw.Streams[0].SideDataList = append(raw.Streams[0].SideDataList,
		SideData{SideDataType: "DOVI configuration record"})

	profile, err := buildProfile("/media/movie.mkv", &raw)
	require.NoError(t, err)
	assert.True(t, profile.HasDolbyVision)
	assert.Equal(t, models.HDRKindDolbyVision, profile.HDR)
	assert.True(t, profile.HDR.IsDynamic())
}

func TestCoverArtIgnored(t *testing.T) {
	data := `{
		"streams": [
			{"index": 0, "codec_name": "mjpeg", "codec_type": "video", "width": 600, "height": 800},
			{"index": 1, "codec_name": "h264", "codec_type": "video", "width": 1920, "height": 1080, "pix_fmt": "yuv420p", "bit_rate": "8000000"},
			{"index": 2, "codec_name": "aac", "codec_type": "audio", "channels": 2}
		],
		"format": {"format_name": "mov,mp4", "duration": "100.0"}
	}`
	p := parseProfile(t, data)
	assert.Equal(t, "h264", p.VideoCodec)
	assert.Equal(t, 1920, p.Width)
	assert.Equal(t, 8, p.BitDepth)
	assert.Equal(t, int64(8_000_000), p.Bitrate)
}

func TestNoStreams(t *testing.T) {
	var raw Result
	require.NoError(t, json.Unmarshal([]byte(`{"streams": [], "format": {"format_name": "matroska"}}`), &raw))

	_, err := buildProfile("/media/broken.mkv", &raw)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrKindMalformed, perr.Kind)
}

func TestParseFramerate(t *testing.T) {
	assert.InDelta(t, 23.976, parseFramerate("24000/1001"), 0.001)
	assert.Equal(t, 25.0, parseFramerate("25/1"))
	assert.Equal(t, 30.0, parseFramerate("30"))
	assert.Equal(t, 0.0, parseFramerate("0/0"))
	assert.Equal(t, 0.0, parseFramerate("garbage"))
}

func TestBitDepthFromPixFmt(t *testing.T) {
	assert.Equal(t, 8, bitDepthFromPixFmt("yuv420p"))
	assert.Equal(t, 10, bitDepthFromPixFmt("yuv420p10le"))
	assert.Equal(t, 10, bitDepthFromPixFmt("yuv422p12le"))
	assert.Equal(t, 8, bitDepthFromPixFmt(""))
}
