package transfer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TempPrefix marks in-progress upload files so scans and cleanup can
// recognize them.
const TempPrefix = ".shrinkarr-upload-"

// Sentinel errors for the upload protocol.
var (
	ErrUnknownUpload  = errors.New("unknown upload")
	ErrOffsetMismatch = errors.New("upload offset mismatch")
	ErrSizeMismatch   = errors.New("upload size mismatch")
	ErrHashMismatch   = errors.New("upload hash mismatch")
)

// OffsetError reports the offset the server expects, for client resume.
type OffsetError struct {
	Expected int64
	Got      int64
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("%v: have %d, got %d", ErrOffsetMismatch, e.Expected, e.Got)
}

func (e *OffsetError) Unwrap() error { return ErrOffsetMismatch }

// Upload is one in-progress result upload.
type Upload struct {
	ID           string
	FileID       uint64
	TempPath     string
	ExpectedSize int64
	ExpectedHash string
	Offset       int64
	StartedAt    time.Time

	file *os.File
}

// UploadManager tracks chunked uploads of transcoded results. Each upload
// writes to a temp file in the directory of the file it will replace, so
// the final swap is a same-filesystem rename.
type UploadManager struct {
	mu      sync.Mutex
	uploads map[string]*Upload
	logger  *slog.Logger
}

// NewUploadManager creates an empty manager.
func NewUploadManager(logger *slog.Logger) *UploadManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadManager{
		uploads: make(map[string]*Upload),
		logger:  logger.With("component", "upload"),
	}
}

// Begin opens a new upload destined to replace originalPath. expectedHash is
// the hex BLAKE3 digest the worker computed over the finished output.
func (m *UploadManager) Begin(fileID uint64, originalPath string, expectedSize int64, expectedHash string) (*Upload, error) {
	if expectedSize <= 0 {
		return nil, fmt.Errorf("upload size must be positive, got %d", expectedSize)
	}
	if _, err := hex.DecodeString(expectedHash); err != nil || expectedHash == "" {
		return nil, fmt.Errorf("malformed content hash %q", expectedHash)
	}

	id := uuid.NewString()
	tempPath := filepath.Join(filepath.Dir(originalPath), TempPrefix+id)
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating upload temp file: %w", err)
	}

	up := &Upload{
		ID:           id,
		FileID:       fileID,
		TempPath:     tempPath,
		ExpectedSize: expectedSize,
		ExpectedHash: expectedHash,
		StartedAt:    time.Now(),
		file:         f,
	}

	m.mu.Lock()
	m.uploads[id] = up
	m.mu.Unlock()

	m.logger.Debug("upload started", "upload_id", id, "file_id", fileID, "size", expectedSize)
	return up, nil
}

// Lookup returns an in-progress upload.
func (m *UploadManager) Lookup(uploadID string) (*Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return nil, ErrUnknownUpload
	}
	return up, nil
}

// Append writes a chunk at the given offset. The offset must match the bytes
// already received; on mismatch the caller gets the expected offset back and
// can resume from there.
func (m *UploadManager) Append(uploadID string, offset int64, r io.Reader) (int64, error) {
	m.mu.Lock()
	up, ok := m.uploads[uploadID]
	m.mu.Unlock()
	if !ok {
		return 0, ErrUnknownUpload
	}

	if offset != up.Offset {
		return up.Offset, &OffsetError{Expected: up.Offset, Got: offset}
	}

	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(up.file, r, buf)
	up.Offset += n
	if err != nil {
		return up.Offset, fmt.Errorf("writing upload chunk: %w", err)
	}
	if up.Offset > up.ExpectedSize {
		return up.Offset, fmt.Errorf("%w: received %d of %d declared bytes",
			ErrSizeMismatch, up.Offset, up.ExpectedSize)
	}
	return up.Offset, nil
}

// Complete verifies the upload and returns the temp path, ready for the
// in-place swap. On verification failure the temp file is removed.
func (m *UploadManager) Complete(uploadID string) (string, error) {
	m.mu.Lock()
	up, ok := m.uploads[uploadID]
	if ok {
		delete(m.uploads, uploadID)
	}
	m.mu.Unlock()
	if !ok {
		return "", ErrUnknownUpload
	}

	if err := up.file.Sync(); err != nil {
		m.discard(up)
		return "", fmt.Errorf("syncing upload: %w", err)
	}
	if err := up.file.Close(); err != nil {
		m.discard(up)
		return "", fmt.Errorf("closing upload: %w", err)
	}

	if up.Offset != up.ExpectedSize {
		m.discard(up)
		return "", fmt.Errorf("%w: received %d of %d bytes", ErrSizeMismatch, up.Offset, up.ExpectedSize)
	}

	digest, err := HashFile(up.TempPath)
	if err != nil {
		m.discard(up)
		return "", err
	}
	if digest != up.ExpectedHash {
		m.discard(up)
		return "", fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, digest, up.ExpectedHash)
	}

	m.logger.Debug("upload complete", "upload_id", up.ID, "file_id", up.FileID)
	return up.TempPath, nil
}

// Abort discards an upload and its temp file.
func (m *UploadManager) Abort(uploadID string) {
	m.mu.Lock()
	up, ok := m.uploads[uploadID]
	if ok {
		delete(m.uploads, uploadID)
	}
	m.mu.Unlock()
	if ok {
		_ = up.file.Close()
		m.discard(up)
	}
}

// AbortForFile discards all uploads targeting a file, used when its lease
// changes hands.
func (m *UploadManager) AbortForFile(fileID uint64) {
	m.mu.Lock()
	var stale []*Upload
	for id, up := range m.uploads {
		if up.FileID == fileID {
			stale = append(stale, up)
			delete(m.uploads, id)
		}
	}
	m.mu.Unlock()
	for _, up := range stale {
		_ = up.file.Close()
		m.discard(up)
	}
}

func (m *UploadManager) discard(up *Upload) {
	if err := os.Remove(up.TempPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("could not remove upload temp file", "path", up.TempPath, "error", err)
	}
}
