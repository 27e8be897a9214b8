package quality

import (
	"fmt"

	"github.com/shrinkarr/shrinkarr/internal/models"
	"github.com/shrinkarr/shrinkarr/internal/probe"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// SkipDecision records why a file was ruled out rather than encoded.
type SkipDecision struct {
	Reason types.SkipReason
	Detail string
}

// Config carries the policy knobs from the cluster config.
type Config struct {
	EncoderPreset      int
	SkipAudioTranscode bool
}

// Predicted AV1 target bitrates per resolution bucket, bits/s. A source
// already at AV1 and near (or under) these doesn't gain enough from a
// re-encode to justify a generation loss.
var av1TargetBitrate = map[string]int64{
	"720p":  1_500_000,
	"1080p": 3_000_000,
	"1440p": 5_000_000,
	"4k":    8_000_000,
}

// Policy decides encoding parameters for probed sources.
type Policy struct {
	lookup *Lookup
}

// NewPolicy creates a policy over the given lookup tables.
func NewPolicy(lookup *Lookup) *Policy {
	return &Policy{lookup: lookup}
}

// Decide returns the encode parameters for a source, or a skip decision when
// the file must not be transcoded. Exactly one of the two is non-nil.
func (p *Policy) Decide(profile *probe.SourceProfile, cfg Config) (*types.EncodeParams, *SkipDecision) {
	if !profile.HasVideo() {
		return nil, &SkipDecision{
			Reason: types.SkipReasonNonVideo,
			Detail: "no video stream",
		}
	}

	if profile.HDR.IsDynamic() {
		return nil, &SkipDecision{
			Reason: types.SkipReasonDynamicHDR,
			Detail: fmt.Sprintf("%s dynamic metadata cannot be preserved", profile.HDR),
		}
	}

	resolution := ResolutionBucket(profile.Width, profile.Height)

	if normalizeVideoCodec(profile.VideoCodec) == "av1" {
		target := av1TargetBitrate[resolution]
		if profile.Bitrate <= target+target/10 {
			return nil, &SkipDecision{
				Reason: types.SkipReasonAlreadyEfficient,
				Detail: fmt.Sprintf("av1 at %d bps, target %d bps", profile.Bitrate, target),
			}
		}
	}

	hdr := profile.HDR == models.HDRKindHDR10
	params := &types.EncodeParams{
		CRF:    p.lookup.VideoCRF(profile.VideoCodec, profile.BitDepth, hdr, resolution, BitrateCategory(profile.Bitrate)),
		Preset: cfg.EncoderPreset,
	}

	if hdr {
		params.PixelFormat = "yuv420p10le"
		params.Color = &types.ColorParams{
			Primaries: "bt2020",
			Transfer:  "smpte2084",
			Space:     "bt2020nc",
			EnableHDR: true,
		}
	}

	if cfg.SkipAudioTranscode {
		params.SkipAudioTranscode = true
		return params, nil
	}

	for _, stream := range profile.AudioStreams {
		category := AudioBitrateCategory(stream.Bitrate, stream.Codec)
		params.AudioBitrates = append(params.AudioBitrates,
			p.lookup.OpusBitrate(stream.Codec, stream.Channels, category))
	}
	return params, nil
}
