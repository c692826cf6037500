package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brunobiangulo/docgraph"
	"github.com/brunobiangulo/docgraph/executor"
	"github.com/brunobiangulo/docgraph/journal"
	"github.com/brunobiangulo/docgraph/recovery"
	"github.com/brunobiangulo/docgraph/report"
)

// pipeline is the part of *docgraph.Pipeline the handlers use.
type pipeline interface {
	Ingest(ctx context.Context, path string, opts ...docgraph.IngestOption) (*docgraph.Result, error)
	ApplyScript(ctx context.Context, source, script string) (*docgraph.Result, error)
	Narrate(ctx context.Context, doc *recovery.Document) (string, error)
	Describe(ctx context.Context) (*report.Summary, error)
}

// runLog is the part of *journal.Journal the handlers use.
type runLog interface {
	Runs(ctx context.Context, limit int) ([]journal.Run, error)
	Run(ctx context.Context, id string) (*journal.Run, error)
	Rejected(ctx context.Context, runID string) ([]executor.Outcome, error)
}

type handler struct {
	pipeline pipeline
	runs     runLog // nil when the journal is disabled
}

func newHandler(p pipeline, runs runLog) *handler {
	return &handler{pipeline: p, runs: runs}
}

type ingestRequest struct {
	Path    string `json:"path"`
	Mode    string `json:"mode,omitempty"`
	Force   bool   `json:"force,omitempty"`
	Narrate bool   `json:"narrate,omitempty"`
}

type ingestResponse struct {
	*docgraph.Result
	Narrative string `json:"narrative,omitempty"`
}

// POST /ingest
// Accepts multipart file upload or JSON with file path.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	// Try multipart upload first
	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()

			tmpDir, err := os.MkdirTemp("", "docgraph-upload-")
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp dir", "error", err)
				return
			}
			defer os.RemoveAll(tmpDir)

			// Sanitise filename to prevent path traversal.
			tmpPath := filepath.Join(tmpDir, filepath.Base(header.Filename))
			dst, err := os.Create(tmpPath)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp file", "error", err)
				return
			}
			if _, err := io.Copy(dst, file); err != nil {
				dst.Close()
				writeError(w, http.StatusInternalServerError, "failed to save file")
				slog.Error("saving uploaded file", "error", err)
				return
			}
			dst.Close()

			req := ingestRequest{
				Path:    tmpPath,
				Mode:    r.FormValue("mode"),
				Force:   r.FormValue("force") == "true",
				Narrate: r.FormValue("narrate") == "true",
			}
			h.ingest(ctx, w, req)
			return
		}
	}

	// Try JSON body with path
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	// Validate that path is a real file (prevents directory traversal probing).
	absPath, err := filepath.Abs(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, "path must be an existing file")
		return
	}
	req.Path = absPath
	h.ingest(ctx, w, req)
}

func (h *handler) ingest(ctx context.Context, w http.ResponseWriter, req ingestRequest) {
	var opts []docgraph.IngestOption
	switch req.Mode {
	case "":
	case "json", "script":
		opts = append(opts, docgraph.WithMode(req.Mode))
	default:
		writeError(w, http.StatusBadRequest, "mode must be json or script")
		return
	}
	if req.Force {
		opts = append(opts, docgraph.WithForce())
	}

	res, err := h.pipeline.Ingest(ctx, req.Path, opts...)
	if err != nil {
		slog.Error("ingest error", "path", req.Path, "error", err)
		writeResultError(w, res, err)
		return
	}

	resp := ingestResponse{Result: res}
	if req.Narrate && res.Document != nil {
		narrative, err := h.pipeline.Narrate(ctx, res.Document)
		if err != nil {
			// The graph is already written; report the narrative failure only.
			slog.Warn("narrate error", "path", req.Path, "error", err)
		}
		resp.Narrative = narrative
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /apply
func (h *handler) handleApply(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	var req struct {
		Source string `json:"source"`
		Script string `json:"script"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Script == "" {
		writeError(w, http.StatusBadRequest, "script is required")
		return
	}
	if req.Source == "" {
		req.Source = "http"
	}

	res, err := h.pipeline.ApplyScript(ctx, req.Source, req.Script)
	if err != nil {
		slog.Error("apply error", "source", req.Source, "error", err)
		writeResultError(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /runs
func (h *handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	runs, err := h.runs.Runs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		slog.Error("list runs error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GET /runs/{id}
func (h *handler) handleRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	run, err := h.runs.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJournalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GET /runs/{id}/rejected
// The id "latest" selects the newest run.
func (h *handler) handleRejected(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "latest" {
		id = ""
	}
	rejected, err := h.runs.Rejected(r.Context(), id)
	if err != nil {
		writeJournalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rejected": rejected})
}

// GET /report
func (h *handler) handleReport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	summary, err := h.pipeline.Describe(ctx)
	switch {
	case errors.Is(err, docgraph.ErrNotQueryable):
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, "report failed")
		slog.Error("report error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":   summary,
		"narrative": summary.Narrative(),
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, docgraph.ErrUnsupportedFormat),
		errors.Is(err, docgraph.ErrNoText),
		errors.Is(err, docgraph.ErrVisionRequired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, docgraph.ErrModelTimeout), errors.Is(err, docgraph.ErrApplyTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, docgraph.ErrModelUnavailable), errors.Is(err, docgraph.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, docgraph.ErrMalformedOutput):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeResultError reports err, with the partial result when there is one
// so rejected and aborted statements are visible to the caller.
func writeResultError(w http.ResponseWriter, res *docgraph.Result, err error) {
	if res == nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, statusFor(err), res)
}

func writeJournalError(w http.ResponseWriter, err error) {
	if errors.Is(err, journal.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "journal query failed")
	slog.Error("journal error", "error", err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
