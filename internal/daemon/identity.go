package daemon

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// saltFile holds the per-install random salt. It lives in the worker state
// directory so the worker keeps its identity across restarts, while two
// workers on the same host stay distinct.
const saltFile = "worker.salt"

// WorkerIdentity derives the stable worker ID: hostname plus a salted hash.
// The salt is created once and persisted atomically.
func WorkerIdentity(stateDir string) (types.WorkerID, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("reading hostname: %w", err)
	}

	salt, err := loadOrCreateSalt(stateDir)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(append([]byte(hostname+":"), salt...))
	return types.WorkerID(fmt.Sprintf("%s-%s", hostname, hex.EncodeToString(sum[:4]))), nil
}

func loadOrCreateSalt(stateDir string) ([]byte, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	path := filepath.Join(stateDir, saltFile)

	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return data, nil
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	// Atomic write: a crash mid-write must not leave a truncated salt that
	// would change the worker's identity on the next start
	if err := renameio.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("persisting salt: %w", err)
	}
	return salt, nil
}
