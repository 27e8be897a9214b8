// Package replace swaps a transcoded output into place of the original
// library file. The swap is two renames with a backup in between, so a crash
// at any point leaves either the original or the backup recoverable on disk.
package replace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
)

// Sentinel errors.
var (
	// ErrInsufficientSavings indicates the new file does not clear the
	// minimum savings threshold. The original is untouched.
	ErrInsufficientSavings = errors.New("insufficient savings")
	// ErrRollback indicates the swap failed and the backup could not be
	// restored. Manual intervention is required.
	ErrRollback = errors.New("rollback failed")
	// ErrCrossDevice indicates original and replacement live on different
	// filesystems, where rename is not atomic.
	ErrCrossDevice = errors.New("replacement not on the same filesystem")
)

// Result summarizes a completed swap.
type Result struct {
	OriginalSize   int64
	NewSize        int64
	SavingsBytes   int64
	SavingsPercent float64
	BackupPath     string
	BackupKept     bool
}

// Replacer performs guarded in-place file replacement.
type Replacer struct {
	minSavingsPct float64
	testingMode   bool
	logger        *slog.Logger
}

// NewReplacer creates a Replacer. In testing mode the .bak backup of the
// original is kept after a successful swap.
func NewReplacer(minSavingsPct float64, testingMode bool, logger *slog.Logger) *Replacer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replacer{
		minSavingsPct: minSavingsPct,
		testingMode:   testingMode,
		logger:        logger.With("component", "replace"),
	}
}

// BackupPath returns the backup name used for a given original.
func BackupPath(original string) string {
	return original + ".bak"
}

// Replace swaps newPath into the place of original. The new file must
// already be on the same filesystem as the original (next to it, typically
// written there by the upload handler). On any error before the final
// rename, the original is left in place.
func (r *Replacer) Replace(original, newPath string) (*Result, error) {
	origInfo, err := os.Stat(original)
	if err != nil {
		return nil, fmt.Errorf("stat original: %w", err)
	}
	newInfo, err := os.Stat(newPath)
	if err != nil {
		return nil, fmt.Errorf("stat replacement: %w", err)
	}
	if err := sameFilesystem(origInfo, newInfo); err != nil {
		return nil, err
	}

	origSize := origInfo.Size()
	newSize := newInfo.Size()
	threshold := float64(origSize) * (1 - r.minSavingsPct/100)
	if float64(newSize) > threshold {
		return nil, fmt.Errorf("%w: %d -> %d bytes, need <= %.0f",
			ErrInsufficientSavings, origSize, newSize, threshold)
	}

	backup := BackupPath(original)
	if err := os.Rename(original, backup); err != nil {
		return nil, fmt.Errorf("backing up original: %w", err)
	}

	if err := os.Rename(newPath, original); err != nil {
		// Restore the original before reporting the failure
		if rbErr := os.Rename(backup, original); rbErr != nil {
			return nil, fmt.Errorf("%w: swap failed (%v), restore failed (%v)",
				ErrRollback, err, rbErr)
		}
		return nil, fmt.Errorf("swapping in replacement: %w", err)
	}

	result := &Result{
		OriginalSize: origSize,
		NewSize:      newSize,
		SavingsBytes: origSize - newSize,
		BackupPath:   backup,
		BackupKept:   r.testingMode,
	}
	if origSize > 0 {
		result.SavingsPercent = float64(result.SavingsBytes) / float64(origSize) * 100
	}

	if r.testingMode {
		r.logger.Info("testing mode, keeping backup", "backup", backup)
		return result, nil
	}
	if err := os.Remove(backup); err != nil {
		// Swap already succeeded; a stray .bak is an annoyance, not a failure
		r.logger.Warn("could not remove backup", "backup", backup, "error", err)
		result.BackupKept = true
	}
	return result, nil
}

// sameFilesystem rejects swaps across device boundaries, where rename would
// fail with EXDEV after the original was already moved aside.
func sameFilesystem(a, b os.FileInfo) error {
	sa, okA := a.Sys().(*syscall.Stat_t)
	sb, okB := b.Sys().(*syscall.Stat_t)
	if !okA || !okB {
		return nil
	}
	if sa.Dev != sb.Dev {
		return fmt.Errorf("%w: %s vs %s", ErrCrossDevice, a.Name(), b.Name())
	}
	return nil
}

// CleanupStale removes leftover upload temp files in the directory of a
// library file. Called before a fresh upload starts.
func CleanupStale(original, tempPrefix string) error {
	dir := filepath.Dir(original)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if matched, _ := filepath.Match(tempPrefix+"*", e.Name()); matched {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
