// Package quality decides encoding parameters for a probed source file. The
// decision is a pure function of the source profile and cluster config, so
// the same file always gets the same parameters on every worker.
package quality

import (
	"fmt"
	"strconv"
	"strings"
)

// ResolutionBucket maps frame dimensions to a lookup bucket. Thresholds are
// 73% of the standard pixel count so ultra-wide aspect ratios land in the
// bucket of their nearest standard resolution.
func ResolutionBucket(width, height int) string {
	pixels := width * height
	switch {
	case pixels >= 6_054_912 || height >= 2160:
		return "4k"
	case pixels >= 2_691_072 || height >= 1440:
		return "1440p"
	case pixels >= 1_513_728 || height >= 1080:
		return "1080p"
	default:
		return "720p"
	}
}

// BitrateCategory maps a video bitrate (bits/s) to a lookup category.
func BitrateCategory(bitrate int64) string {
	mbps := float64(bitrate) / 1_000_000
	switch {
	case mbps < 1.5:
		return "1M"
	case mbps < 3:
		return "2M"
	case mbps < 5:
		return "4M"
	case mbps < 7:
		return "6M"
	case mbps < 9:
		return "8M"
	case mbps < 12:
		return "10M"
	case mbps < 17:
		return "15M"
	case mbps < 25:
		return "20M"
	case mbps < 35:
		return "30M"
	default:
		return "40M+"
	}
}

// AudioBitrateCategory maps an audio bitrate (bits/s) to a lookup category.
// Thresholds differ per codec family: lossy codecs cluster at low rates,
// lossless at high ones.
func AudioBitrateCategory(bitrate int64, codec string) string {
	kbps := float64(bitrate) / 1000

	switch normalizeAudioCodec(codec) {
	case "aac", "mp3":
		switch {
		case kbps < 48:
			return "32k"
		case kbps < 80:
			return "64k"
		case kbps < 112:
			return "96k"
		case kbps < 160:
			return "128k"
		case kbps < 224:
			return "192k"
		case kbps < 288:
			return "256k"
		default:
			return "320k"
		}
	case "ac3", "eac3":
		switch {
		case kbps < 80:
			return "64k"
		case kbps < 112:
			return "96k"
		case kbps < 160:
			return "128k"
		case kbps < 224:
			return "192k"
		case kbps < 320:
			return "256k"
		case kbps < 448:
			return "384k"
		case kbps < 576:
			return "512k"
		default:
			return "640k+"
		}
	case "dts", "truehd", "flac", "pcm":
		switch {
		case kbps < 384:
			return "256k"
		case kbps < 640:
			return "512k"
		case kbps < 896:
			return "768k"
		case kbps < 1280:
			return "1024k"
		case kbps < 2000:
			return "1536k+"
		case kbps < 3000:
			return "2000k"
		case kbps < 5000:
			return "4000k"
		default:
			return "6000k+"
		}
	}

	switch {
	case kbps < 96:
		return "64k"
	case kbps < 160:
		return "128k"
	case kbps < 256:
		return "192k"
	default:
		return "384k"
	}
}

// ChannelCategory maps a channel count to a lookup key.
func ChannelCategory(channels int) string {
	switch {
	case channels <= 1:
		return "1ch"
	case channels <= 2:
		return "2ch"
	case channels <= 6:
		return "6ch"
	default:
		return "8ch"
	}
}

// normalizeVideoCodec folds codec aliases into lookup keys.
func normalizeVideoCodec(codec string) string {
	switch strings.ToLower(codec) {
	case "x264", "h.264", "avc":
		return "h264"
	case "x265", "h.265", "hevc":
		return "h265"
	default:
		return strings.ToLower(codec)
	}
}

// normalizeAudioCodec folds codec aliases into lookup keys. PCM variants
// (pcm_s16le etc.) collapse to "pcm".
func normalizeAudioCodec(codec string) string {
	c := strings.ToLower(codec)
	switch c {
	case "e-ac3", "eac-3", "ec-3":
		return "eac3"
	}
	if strings.HasPrefix(c, "pcm") {
		return "pcm"
	}
	if strings.HasPrefix(c, "dts") {
		return "dts"
	}
	return c
}

// categoryValue extracts the numeric part of a category like "40M+" or
// "640k+" for closest-match comparison.
func categoryValue(category string) float64 {
	trimmed := strings.TrimSuffix(category, "+")
	trimmed = strings.TrimSuffix(trimmed, "M")
	trimmed = strings.TrimSuffix(trimmed, "k")
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0
	}
	return v
}

// closestCategory returns the key in the table numerically closest to the
// target category.
func closestCategory(table map[string]int, target string) (string, error) {
	targetValue := categoryValue(target)
	var bestKey string
	bestDiff := -1.0
	for key := range table {
		diff := categoryValue(key) - targetValue
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			bestDiff = diff
			bestKey = key
		}
	}
	if bestKey == "" {
		return "", fmt.Errorf("empty category table")
	}
	return bestKey, nil
}
