package quality

import (
	"embed"
	"encoding/json"
	"fmt"
)

//go:embed quality_lookup.json audio_codec_lookup.json
var lookupFS embed.FS

// defaultCRF is used when no table entry applies.
const defaultCRF = 25

// Channel-count fallbacks when no audio table entry applies, in kbps.
var defaultOpusBitrate = map[string]int{
	"1ch": 48,
	"2ch": 96,
	"6ch": 160,
	"8ch": 192,
}

// videoTable is keyed codec -> bitdepth -> hdr -> resolution -> bitrate
// category. The "default" codec entry omits the bitrate dimension.
type videoTable map[string]map[string]map[string]map[string]json.RawMessage

// audioTable is keyed codec -> channel category -> bitrate category.
type audioTable map[string]map[string]map[string]int

// Lookup resolves CRF and Opus bitrates from the embedded tables.
type Lookup struct {
	video videoTable
	audio audioTable
}

// NewLookup loads the embedded lookup tables.
func NewLookup() (*Lookup, error) {
	l := &Lookup{}
	if err := loadJSON("quality_lookup.json", &l.video); err != nil {
		return nil, err
	}
	if err := loadJSON("audio_codec_lookup.json", &l.audio); err != nil {
		return nil, err
	}
	return l, nil
}

// NewLookupFromJSON builds a Lookup from raw table bytes, as distributed to
// workers inside the cluster config.
func NewLookupFromJSON(video, audio []byte) (*Lookup, error) {
	l := &Lookup{}
	if err := json.Unmarshal(video, &l.video); err != nil {
		return nil, fmt.Errorf("parsing video lookup table: %w", err)
	}
	if err := json.Unmarshal(audio, &l.audio); err != nil {
		return nil, fmt.Errorf("parsing audio lookup table: %w", err)
	}
	return l, nil
}

// RawTables returns the embedded table bytes for distribution to workers.
func RawTables() (video, audio []byte, err error) {
	video, err = lookupFS.ReadFile("quality_lookup.json")
	if err != nil {
		return nil, nil, fmt.Errorf("reading video lookup table: %w", err)
	}
	audio, err = lookupFS.ReadFile("audio_codec_lookup.json")
	if err != nil {
		return nil, nil, fmt.Errorf("reading audio lookup table: %w", err)
	}
	return video, audio, nil
}

func loadJSON(name string, v any) error {
	data, err := lookupFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	return nil
}

// VideoCRF returns the CRF for a source. Unknown bitrate categories fall
// back to the numerically closest one; unknown codecs fall back to the
// default table, then to defaultCRF.
func (l *Lookup) VideoCRF(codec string, bitDepth int, hdr bool, resolution string, bitrateCategory string) int {
	depthKey := "8bit"
	if bitDepth >= 10 {
		depthKey = "10bit"
	}
	hdrKey := "SDR"
	if hdr {
		hdrKey = "HDR"
	}

	if codecData, ok := l.video[normalizeVideoCodec(codec)]; ok {
		if raw, ok := codecData[depthKey][hdrKey][resolution]; ok {
			var byBitrate map[string]int
			if err := json.Unmarshal(raw, &byBitrate); err == nil {
				if crf, ok := byBitrate[bitrateCategory]; ok {
					return crf
				}
				if key, err := closestCategory(byBitrate, bitrateCategory); err == nil {
					return byBitrate[key]
				}
			}
		}
	}

	// Default table is flat: one CRF per resolution
	if raw, ok := l.video["default"][depthKey][hdrKey][resolution]; ok {
		var crf int
		if err := json.Unmarshal(raw, &crf); err == nil {
			return crf
		}
	}
	return defaultCRF
}

// OpusBitrate returns the target Opus bitrate in kbps for a source audio
// stream. Unknown categories fall back to the closest one, unknown codecs to
// the default table, then to the channel-count default.
func (l *Lookup) OpusBitrate(codec string, channels int, bitrateCategory string) int {
	channelKey := ChannelCategory(channels)

	for _, key := range []string{normalizeAudioCodec(codec), "default"} {
		channelData, ok := l.audio[key][channelKey]
		if !ok {
			continue
		}
		if kbps, ok := channelData[bitrateCategory]; ok {
			return kbps
		}
		if closest, err := closestCategory(channelData, bitrateCategory); err == nil {
			return channelData[closest]
		}
	}
	return defaultOpusBitrate[channelKey]
}
