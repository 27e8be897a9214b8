package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrinkarr/shrinkarr/internal/transfer"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

func TestWorkerIdentityStable(t *testing.T) {
	dir := t.TempDir()

	first, err := WorkerIdentity(dir)
	require.NoError(t, err)
	second, err := WorkerIdentity(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second, "identity must survive restarts")

	hostname, err := os.Hostname()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(first), hostname+"-"))
	assert.Len(t, string(first), len(hostname)+1+8)
}

func TestWorkerIdentityDistinctPerInstall(t *testing.T) {
	a, err := WorkerIdentity(t.TempDir())
	require.NoError(t, err)
	b, err := WorkerIdentity(t.TempDir())
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "different salts must give different identities")
}

func TestStatsCollector(t *testing.T) {
	c := NewStatsCollector(t.TempDir())

	caps := c.Capabilities(context.Background())
	assert.True(t, caps.SupportsFileDistribution)
	assert.Greater(t, caps.CPUCount, 0)
	assert.Greater(t, caps.MemoryTotal, uint64(0))

	tel := c.Collect(context.Background())
	assert.Greater(t, tel.DiskFree, uint64(0))
}

func TestClientRegisterAndHeartbeat(t *testing.T) {
	known := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/workers/register":
			var ann types.Announcement
			require.NoError(t, json.NewDecoder(r.Body).Decode(&ann))
			assert.Equal(t, types.WorkerID("w1"), ann.WorkerID)
			known = true
			writeTestJSON(w, http.StatusOK, types.RegisterResponse{
				Accepted:      true,
				ClusterConfig: types.ClusterConfig{MinSavingsPct: 5, MaxAttempts: 3},
			})
		case strings.HasSuffix(r.URL.Path, "/heartbeat"):
			if !known {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeTestJSON(w, http.StatusOK, types.HeartbeatResponse{CancelLease: "lease-x"})
		default:
			t.Fatalf("unexpected request %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, slog.Default())
	ctx := context.Background()

	_, err := client.Heartbeat(ctx, "w1", types.Heartbeat{})
	assert.ErrorIs(t, err, ErrUnknownWorker)

	resp, err := client.Register(ctx, types.Announcement{WorkerID: "w1"})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, float64(5), resp.ClusterConfig.MinSavingsPct)

	hb, err := client.Heartbeat(ctx, "w1", types.Heartbeat{})
	require.NoError(t, err)
	assert.Equal(t, "lease-x", hb.CancelLease)
}

func TestClientNext(t *testing.T) {
	var assignment *types.Assignment
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"assignment": assignment})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, slog.Default())

	got, err := client.Next(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, got, "empty queue yields nil assignment")

	assignment = &types.Assignment{FileID: 7, Path: "/library/a.mkv", LeaseToken: "lease-7"}
	got, err = client.Next(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(7), got.FileID)
	assert.Equal(t, "lease-7", got.LeaseToken)
}

func TestClientDownloadResumesAndVerifies(t *testing.T) {
	payload := []byte(strings.Repeat("shrink", 1000))
	digest, err := hashBytes(payload)
	require.NoError(t, err)

	var offsets []int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
		offsets = append(offsets, offset)
		if offset > 0 {
			w.WriteHeader(http.StatusPartialContent)
		}
		_, _ = w.Write(payload[offset:])
	}))
	defer srv.Close()

	client := NewClient(srv.URL, slog.Default())
	a := &types.Assignment{FileID: 1, Path: "/library/a.mkv", SizeBytes: int64(len(payload)), Hash: digest, LeaseToken: "l"}
	dest := filepath.Join(t.TempDir(), "a.mkv")

	// Simulate a partial download left by a crash
	require.NoError(t, os.WriteFile(dest, payload[:2000], 0o644))

	require.NoError(t, client.Download(context.Background(), a, dest))
	assert.Equal(t, []int64{2000}, offsets, "must resume, not restart")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestClientDownloadRejectsCorruption(t *testing.T) {
	payload := []byte(strings.Repeat("data", 500))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, slog.Default())
	a := &types.Assignment{FileID: 1, SizeBytes: int64(len(payload)), Hash: strings.Repeat("0", 64), LeaseToken: "l"}
	dest := filepath.Join(t.TempDir(), "a.mkv")

	err := client.Download(context.Background(), a, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "corrupt download must be removed")
}

func TestClientUploadChunksAndCorrectsOffset(t *testing.T) {
	payload := make([]byte, uploadChunkSize+2048)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	src := filepath.Join(t.TempDir(), "out.mkv")
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	received := make([]byte, len(payload))
	var highWater int64
	replayed := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/result"):
			assert.Equal(t, strconv.Itoa(len(payload)), r.URL.Query().Get("size"))
			writeTestJSON(w, http.StatusCreated, map[string]any{"upload_id": "u1", "offset": 0})
		case r.Method == http.MethodPut:
			offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
			if offset == int64(uploadChunkSize) && !replayed {
				// Pretend we already have more than the client thinks
				replayed = true
				writeTestJSON(w, http.StatusConflict, map[string]any{"expected_offset": uploadChunkSize + 1024})
				return
			}
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			copy(received[offset:], body)
			if end := offset + int64(len(body)); end > highWater {
				highWater = end
			}
			writeTestJSON(w, http.StatusOK, map[string]any{"offset": offset + int64(len(body))})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/complete"):
			writeTestJSON(w, http.StatusOK, map[string]any{"status": "completed"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, slog.Default())
	status, err := client.Upload(context.Background(), 1, "lease", src)
	require.NoError(t, err)
	assert.Equal(t, "completed", status)
	assert.True(t, replayed, "offset correction path must have been exercised")
	assert.Equal(t, int64(len(payload)), highWater)
}

func TestClientQualityTables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/quality/tables", r.URL.Path)
		_, _ = w.Write([]byte(`{"video":{"h264":{}},"audio":{"aac":{}}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, slog.Default())
	video, audio, err := client.QualityTables(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"h264":{}}`, string(video))
	assert.JSONEq(t, `{"aac":{}}`, string(audio))
}

func TestClientProgressStaleLease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, slog.Default())
	err := client.Progress(context.Background(), 1, types.ProgressReport{LeaseToken: "gone"})
	assert.ErrorIs(t, err, ErrStaleLease)
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func hashBytes(data []byte) (string, error) {
	h := transfer.NewHasher()
	if _, err := h.Write(data); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
