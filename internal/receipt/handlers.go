package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/receipt-pipeline/internal/batch"
	"github.com/zombor/receipt-pipeline/internal/learning"
)

// maxFormSize bounds a multipart upload; high-resolution phone photos are large
const maxFormSize = int64(200 << 20)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBatchNotFound), errors.Is(err, ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUserRequired), errors.Is(err, ErrNoFiles), errors.Is(err, batch.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, learning.ErrInvalidCorrection):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// contentTypeFor determines the upload's content type, falling back to the extension
func contentTypeFor(header *multipart.FileHeader) string {
	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

func readUpload(header *multipart.FileHeader) (batch.Input, error) {
	f, err := header.Open()
	if err != nil {
		return batch.Input{}, fmt.Errorf("opening %s: %w", header.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return batch.Input{}, fmt.Errorf("reading %s: %w", header.Filename, err)
	}
	return batch.Input{Name: header.Filename, Data: data, ContentType: contentTypeFor(header)}, nil
}

// batchConfig reads optional overrides of the default batch config from form values
func batchConfig(r *http.Request) (batch.Config, error) {
	cfg := batch.DefaultConfig()

	if v := r.FormValue("max_concurrent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: max_concurrent: %w", batch.ErrInvalidConfig, err)
		}
		cfg.MaxConcurrent = n
	}
	if v := r.FormValue("timeout_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: timeout_ms: %w", batch.ErrInvalidConfig, err)
		}
		cfg.Timeout = time.Duration(n) * time.Millisecond
	}
	if v := r.FormValue("cost_limit"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("%w: cost_limit: %w", batch.ErrInvalidConfig, err)
		}
		cfg.CostLimit = f
	}
	if v := r.FormValue("quality_threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("%w: quality_threshold: %w", batch.ErrInvalidConfig, err)
		}
		cfg.QualityThreshold = f
	}
	if v := r.FormValue("enable_streaming"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: enable_streaming: %w", batch.ErrInvalidConfig, err)
		}
		cfg.EnableStreaming = b
	}
	return cfg, cfg.Validate()
}

// handleCreateBatch runs a batch over the uploaded files. With ?stream=true
// the response is NDJSON: one line per progress snapshot, then the batch record.
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	cfg, err := batchConfig(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	headers := r.MultipartForm.File["files"]
	inputs := make([]batch.Input, 0, len(headers))
	for _, h := range headers {
		in, err := readUpload(h)
		if err != nil {
			slog.Error("Error reading upload", "filename", h.Filename, "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		inputs = append(inputs, in)
	}

	userID := r.FormValue("user_id")

	if r.URL.Query().Get("stream") != "true" {
		record, err := s.service.RunBatch(r.Context(), userID, inputs, cfg, nil)
		if err != nil {
			slog.Error("Error running batch", "user_id", userID, "error", err)
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, record)
		return
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
	emit := func(v any) {
		start()
		if err := enc.Encode(v); err != nil {
			slog.Warn("Error streaming batch progress", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	record, err := s.service.RunBatch(r.Context(), userID, inputs, cfg, func(res *batch.Result) {
		emit(res)
	})
	if err != nil {
		slog.Error("Error running batch", "user_id", userID, "error", err)
		if !started {
			writeError(w, statusFor(err), err.Error())
			return
		}
		emit(map[string]string{"error": err.Error()})
		return
	}
	emit(record)
}

// handleListBatches returns the batches of a user
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.service.ListBatches(r.URL.Query().Get("user_id"))
	if err != nil {
		slog.Error("Error listing batches", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

// handleGetBatch returns a single batch
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.service.GetBatch(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), "Batch not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleExportBatch returns the batch as an XLSX workbook
func (s *Server) handleExportBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := s.service.ExportBatch(id)
	if err != nil {
		slog.Error("Error exporting batch", "batch_id", id, "error", err)
		writeError(w, statusFor(err), "Error exporting batch")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="batch-%s.xlsx"`, id))
	w.Write(data)
}

// handleGetBatchFile returns the archived upload of one item
func (s *Server) handleGetBatchFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetBatchFile(r.PathValue("id"), r.PathValue("item"))
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleExtract processes one uploaded file outside a batch
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	_, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	in, err := readUpload(header)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.service.Extract(r.Context(), r.FormValue("user_id"), in)
	if err != nil {
		slog.Error("Error extracting receipt", "filename", header.Filename, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCorrection applies a user correction
func (s *Server) handleCorrection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Original  learning.Transaction `json:"original"`
		Corrected learning.Transaction `json:"corrected"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	out, err := s.service.Correct(r.Context(), r.PathValue("user"), req.Original, req.Corrected)
	if err != nil {
		slog.Error("Error applying correction", "user_id", r.PathValue("user"), "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// handlePrediction categorizes a transaction with the user's model
func (s *Server) handlePrediction(w http.ResponseWriter, r *http.Request) {
	var tx learning.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := s.service.Predict(r.Context(), r.PathValue("user"), tx)
	if err != nil {
		slog.Error("Error predicting category", "user_id", r.PathValue("user"), "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleMetrics returns the user's learning metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.service.Metrics(r.Context(), r.PathValue("user"))
	if err != nil {
		slog.Error("Error getting metrics", "user_id", r.PathValue("user"), "error", err)
		writeError(w, statusFor(err), "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handlePending lists the user's unreviewed items
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Pending(r.Context(), r.PathValue("user"))
	if err != nil {
		slog.Error("Error listing pending items", "user_id", r.PathValue("user"), "error", err)
		writeError(w, statusFor(err), "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleRetrain retrains the user's model from stored samples
func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	retrained, err := s.service.Retrain(r.Context(), r.PathValue("user"))
	if err != nil {
		slog.Error("Error retraining model", "user_id", r.PathValue("user"), "error", err)
		writeError(w, statusFor(err), "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"retrained": retrained})
}
