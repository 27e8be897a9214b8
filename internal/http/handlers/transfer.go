package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shrinkarr/shrinkarr/internal/lifecycle"
	"github.com/shrinkarr/shrinkarr/internal/models"
	"github.com/shrinkarr/shrinkarr/internal/repository"
	"github.com/shrinkarr/shrinkarr/internal/transfer"
)

// TransferHandler implements the raw byte-moving routes: assignment
// downloads and chunked result uploads. These stay off Huma because they
// stream bodies instead of marshaling them.
type TransferHandler struct {
	lifecycle *lifecycle.Manager
	repo      *repository.FileRepository
	hashes    *transfer.HashCache
	uploads   *transfer.UploadManager
	logger    *slog.Logger
}

// NewTransferHandler creates a new transfer handler.
func NewTransferHandler(deps Deps) *TransferHandler {
	return &TransferHandler{
		lifecycle: deps.Lifecycle,
		repo:      deps.Repo,
		hashes:    deps.Hashes,
		uploads:   deps.Uploads,
		logger:    deps.Logger,
	}
}

// Register registers the transfer routes.
func (h *TransferHandler) Register(router *chi.Mux) {
	router.Get("/api/v1/files/{id}/bytes", h.Download)
	router.Post("/api/v1/files/{id}/result", h.BeginUpload)
	router.Put("/api/v1/files/{id}/result/{uploadID}", h.AppendChunk)
	router.Post("/api/v1/files/{id}/result/{uploadID}/complete", h.CompleteUpload)
	router.Delete("/api/v1/files/{id}/result/{uploadID}", h.AbortUpload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// leaseRecord loads the file and verifies the lease from the query string.
func (h *TransferHandler) leaseRecord(w http.ResponseWriter, r *http.Request) (*models.FileRecord, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return nil, false
	}
	rec, err := h.repo.GetByID(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading file")
		return nil, false
	}
	token, err := models.ParseULID(r.URL.Query().Get("lease"))
	if err != nil || !rec.HoldsLease(token) {
		writeError(w, http.StatusConflict, "stale lease")
		return nil, false
	}
	return rec, true
}

// Download streams the source file to the assigned worker. Supports offset
// resume via the offset query parameter. The X-Content-Hash header carries
// the full-file digest so a resumed download can still be verified.
func (h *TransferHandler) Download(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.leaseRecord(w, r)
	if !ok {
		return
	}

	f, err := os.Open(rec.Path)
	if err != nil {
		h.logger.Error("opening file for download", "file_id", rec.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "opening source file")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stat source file")
		return
	}

	digest, err := h.hashes.Get(rec.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "hashing source file")
		return
	}

	var offset int64
	if q := r.URL.Query().Get("offset"); q != "" {
		offset, err = strconv.ParseInt(q, 10, 64)
		if err != nil || offset < 0 || offset > info.Size() {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			writeError(w, http.StatusInternalServerError, "seeking source file")
			return
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size()-offset, 10))
	w.Header().Set("X-File-Size", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("X-Content-Hash", digest)
	if offset > 0 {
		w.WriteHeader(http.StatusPartialContent)
	}
	if _, err := io.Copy(w, f); err != nil {
		// Client went away mid-transfer; it will resume with an offset
		h.logger.Debug("download interrupted", "file_id", rec.ID, "error", err)
	}
}

// BeginUpload opens a chunked result upload. The declared size and BLAKE3
// hash are verified on completion.
func (h *TransferHandler) BeginUpload(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.leaseRecord(w, r)
	if !ok {
		return
	}

	size, err := strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid size")
		return
	}
	hash := r.URL.Query().Get("hash")

	// A retried attempt may have left a half-finished upload behind
	h.uploads.AbortForFile(rec.ID)

	up, err := h.uploads.Begin(rec.ID, rec.Path, size, hash)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"upload_id": up.ID,
		"offset":    up.Offset,
	})
}

// AppendChunk writes one chunk at the declared offset. On offset mismatch
// the response carries the offset the server expects, so the worker resumes
// from there instead of re-sending everything.
func (h *TransferHandler) AppendChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	offset, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	next, err := h.uploads.Append(uploadID, offset, r.Body)
	var offErr *transfer.OffsetError
	switch {
	case errors.As(err, &offErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":           "offset mismatch",
			"expected_offset": offErr.Expected,
		})
	case errors.Is(err, transfer.ErrUnknownUpload):
		writeError(w, http.StatusNotFound, "unknown upload")
	case errors.Is(err, transfer.ErrSizeMismatch):
		h.uploads.Abort(uploadID)
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.uploads.Abort(uploadID)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"offset": next})
	}
}

// CompleteUpload verifies the upload and swaps the result into place. The
// response is the file record after the transition: completed, or skipped
// when the output misses the savings threshold.
func (h *TransferHandler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	uploadID := chi.URLParam(r, "uploadID")
	lease := r.URL.Query().Get("lease")

	rec, err := h.lifecycle.FinishUpload(r.Context(), id, lease, uploadID)
	switch {
	case errors.Is(err, repository.ErrStaleLease):
		writeError(w, http.StatusConflict, "stale lease")
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, transfer.ErrUnknownUpload):
		writeError(w, http.StatusNotFound, "unknown upload")
	case errors.Is(err, transfer.ErrSizeMismatch), errors.Is(err, transfer.ErrHashMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("completing upload: %v", err))
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// AbortUpload discards an in-progress upload.
func (h *TransferHandler) AbortUpload(w http.ResponseWriter, r *http.Request) {
	h.uploads.Abort(chi.URLParam(r, "uploadID"))
	w.WriteHeader(http.StatusNoContent)
}
