package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/shrinkarr/shrinkarr/internal/quality"
)

// Cached copies of the coordinator's quality tables, kept so the worker can
// restart while the coordinator is down and still build the same policy.
const (
	videoTableCache = "quality_video.json"
	audioTableCache = "quality_audio.json"
)

// FetchQualityLookup downloads the cluster's quality tables and builds the
// worker-side lookup, falling back to the on-disk cache and finally to the
// tables compiled into the binary. The policy every worker runs must match
// what the coordinator distributes, which is why fetch comes first.
func FetchQualityLookup(ctx context.Context, client *Client, stateDir string, logger *slog.Logger) (*quality.Lookup, error) {
	video, audio, err := client.QualityTables(ctx)
	if err == nil {
		if lookup, lerr := quality.NewLookupFromJSON(video, audio); lerr == nil {
			cacheTables(stateDir, video, audio, logger)
			return lookup, nil
		} else {
			logger.Warn("coordinator sent unparseable quality tables", "error", lerr)
		}
	} else {
		logger.Warn("fetching quality tables", "error", err)
	}

	video, verr := os.ReadFile(filepath.Join(stateDir, videoTableCache))
	audio, aerr := os.ReadFile(filepath.Join(stateDir, audioTableCache))
	if verr == nil && aerr == nil {
		if lookup, lerr := quality.NewLookupFromJSON(video, audio); lerr == nil {
			logger.Info("using cached quality tables")
			return lookup, nil
		}
	}

	logger.Info("using built-in quality tables")
	return quality.NewLookup()
}

func cacheTables(stateDir string, video, audio []byte, logger *slog.Logger) {
	if err := renameio.WriteFile(filepath.Join(stateDir, videoTableCache), video, 0o644); err != nil {
		logger.Warn("caching video quality table", "error", err)
		return
	}
	if err := renameio.WriteFile(filepath.Join(stateDir, audioTableCache), audio, 0o644); err != nil {
		logger.Warn("caching audio quality table", "error", err)
	}
}
