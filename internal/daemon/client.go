package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/shrinkarr/shrinkarr/internal/transfer"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// uploadChunkSize is how much of the result goes up per request. Small
// enough that a dropped connection loses little; large enough to keep
// request overhead negligible.
const uploadChunkSize = 4 * 1024 * 1024

// Sentinel errors for coordinator responses.
var (
	// ErrStaleLease indicates the coordinator no longer honors our lease.
	// The current job must be abandoned.
	ErrStaleLease = errors.New("lease rejected by coordinator")
	// ErrUnknownWorker indicates the coordinator forgot us; re-register.
	ErrUnknownWorker = errors.New("coordinator does not know this worker")
)

// Client talks to the coordinator API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a coordinator client. No global timeout: downloads and
// uploads run long by design, so deadlines come from the caller's context.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  logger.With("component", "coordinator_client"),
	}
}

// postJSON sends a JSON body and decodes a JSON response into out (when out
// is non-nil and the status is 2xx).
func (c *Client) postJSON(ctx context.Context, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
			}
		}
		return resp.StatusCode, nil
	}
	// Drain so the connection is reusable
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}

// Register announces the worker.
func (c *Client) Register(ctx context.Context, ann types.Announcement) (*types.RegisterResponse, error) {
	var out types.RegisterResponse
	if _, err := c.postJSON(ctx, "/api/v1/workers/register", ann, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports liveness. ErrUnknownWorker means the coordinator
// restarted and we must re-register.
func (c *Client) Heartbeat(ctx context.Context, id types.WorkerID, hb types.Heartbeat) (*types.HeartbeatResponse, error) {
	var out types.HeartbeatResponse
	status, err := c.postJSON(ctx, "/api/v1/workers/"+url.PathEscape(string(id))+"/heartbeat", hb, &out)
	if status == http.StatusNotFound {
		return nil, ErrUnknownWorker
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Next polls for work. A nil assignment with nil error means an empty queue.
func (c *Client) Next(ctx context.Context, id types.WorkerID) (*types.Assignment, error) {
	var out struct {
		Assignment *types.Assignment `json:"assignment"`
	}
	status, err := c.postJSON(ctx, "/api/v1/workers/"+url.PathEscape(string(id))+"/next", struct{}{}, &out)
	if status == http.StatusNotFound {
		return nil, ErrUnknownWorker
	}
	if err != nil {
		return nil, err
	}
	return out.Assignment, nil
}

// Progress sends a progress tick.
func (c *Client) Progress(ctx context.Context, fileID uint64, rep types.ProgressReport) error {
	status, err := c.postJSON(ctx, fmt.Sprintf("/api/v1/files/%d/progress", fileID), rep, nil)
	if status == http.StatusConflict {
		return ErrStaleLease
	}
	return err
}

// ReportSource sends probe results.
func (c *Client) ReportSource(ctx context.Context, fileID uint64, lease string, info types.SourceInfo) error {
	body := struct {
		LeaseToken string           `json:"lease_token"`
		Source     types.SourceInfo `json:"source"`
	}{LeaseToken: lease, Source: info}
	status, err := c.postJSON(ctx, fmt.Sprintf("/api/v1/files/%d/source", fileID), body, nil)
	if status == http.StatusConflict {
		return ErrStaleLease
	}
	return err
}

// Report sends the final outcome.
func (c *Client) Report(ctx context.Context, fileID uint64, workerID types.WorkerID, rep types.OutcomeReport) error {
	status, err := c.postJSON(ctx,
		fmt.Sprintf("/api/v1/files/%d/report?worker_id=%s", fileID, url.QueryEscape(string(workerID))), rep, nil)
	if status == http.StatusConflict {
		return ErrStaleLease
	}
	return err
}

// Download fetches the assigned file to destPath, resuming a partial
// download when one is already on disk, and verifies the BLAKE3 hash.
func (c *Client) Download(ctx context.Context, a *types.Assignment, destPath string) error {
	var offset int64
	if info, err := os.Stat(destPath); err == nil && info.Size() < a.SizeBytes {
		offset = info.Size()
	} else if err == nil && info.Size() == a.SizeBytes {
		// Full file already here from an interrupted earlier attempt; just
		// verify it below
		offset = a.SizeBytes
	}

	if offset < a.SizeBytes {
		if err := c.downloadFrom(ctx, a, destPath, offset); err != nil {
			return err
		}
	}

	digest, err := transfer.HashFile(destPath)
	if err != nil {
		return fmt.Errorf("hashing download: %w", err)
	}
	if a.Hash != "" && digest != a.Hash {
		_ = os.Remove(destPath)
		return fmt.Errorf("download hash mismatch: got %s, want %s", digest, a.Hash)
	}
	return nil
}

func (c *Client) downloadFrom(ctx context.Context, a *types.Assignment, destPath string, offset int64) error {
	u := fmt.Sprintf("%s/api/v1/files/%d/bytes?lease=%s&offset=%d",
		c.baseURL, a.FileID, url.QueryEscape(a.LeaseToken), offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusConflict:
		return ErrStaleLease
	default:
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("opening download target: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("downloading: %w", err)
	}
	return f.Sync()
}

// Upload streams the transcoded result to the coordinator in chunks and
// completes the upload, which performs the in-place swap server-side. The
// returned status is the file status after the swap (completed or skipped).
func (c *Client) Upload(ctx context.Context, fileID uint64, lease, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat upload source: %w", err)
	}
	digest, err := transfer.HashFile(path)
	if err != nil {
		return "", fmt.Errorf("hashing upload source: %w", err)
	}

	var begin struct {
		UploadID string `json:"upload_id"`
		Offset   int64  `json:"offset"`
	}
	status, err := c.postJSON(ctx,
		fmt.Sprintf("/api/v1/files/%d/result?lease=%s&size=%d&hash=%s",
			fileID, url.QueryEscape(lease), info.Size(), digest), struct{}{}, &begin)
	if status == http.StatusConflict {
		return "", ErrStaleLease
	}
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening upload source: %w", err)
	}
	defer f.Close()

	offset := begin.Offset
	buf := make([]byte, uploadChunkSize)
	for offset < info.Size() {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return "", err
		}
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			return "", fmt.Errorf("reading upload chunk: %w", err)
		}
		next, err := c.uploadChunk(ctx, fileID, begin.UploadID, offset, buf[:n])
		if err != nil {
			return "", err
		}
		offset = next
	}

	var rec struct {
		Status string `json:"status"`
	}
	status, err = c.postJSON(ctx,
		fmt.Sprintf("/api/v1/files/%d/result/%s/complete?lease=%s",
			fileID, begin.UploadID, url.QueryEscape(lease)), struct{}{}, &rec)
	if status == http.StatusConflict {
		return "", ErrStaleLease
	}
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// uploadChunk sends one chunk. An offset-mismatch response carries the
// offset the coordinator expects; the caller resumes from there.
func (c *Client) uploadChunk(ctx context.Context, fileID uint64, uploadID string, offset int64, chunk []byte) (int64, error) {
	u := fmt.Sprintf("%s/api/v1/files/%d/result/%s?offset=%d", c.baseURL, fileID, uploadID, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(chunk))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(chunk))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			Offset int64 `json:"offset"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, fmt.Errorf("decoding chunk response: %w", err)
		}
		return out.Offset, nil
	case http.StatusConflict:
		var out struct {
			ExpectedOffset int64 `json:"expected_offset"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, fmt.Errorf("decoding offset mismatch: %w", err)
		}
		c.logger.Debug("upload offset corrected", "sent", offset, "expected", out.ExpectedOffset)
		return out.ExpectedOffset, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("chunk upload returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

// QualityTables fetches the cluster's quality lookup tables.
func (c *Client) QualityTables(ctx context.Context) (video, audio []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/quality/tables", nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("quality tables returned %d", resp.StatusCode)
	}

	var out struct {
		Video json.RawMessage `json:"video"`
		Audio json.RawMessage `json:"audio"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, fmt.Errorf("decoding quality tables: %w", err)
	}
	return out.Video, out.Audio, nil
}
