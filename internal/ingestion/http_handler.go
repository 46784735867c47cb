package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpattn/blacklist/internal/domain"
	"github.com/rpattn/blacklist/internal/queue"

	"github.com/google/uuid"
)

// maxUploadMemory is how much of a multipart upload is held in memory; the rest
// spills to temporary files.
var maxUploadMemory int64 = 32 << 20

// Handler exposes job management over HTTP.
type Handler struct {
	service     *Service
	queueStatus func() queue.Status
	mux         *http.ServeMux
}

// NewHTTPHandler wires the job endpoints. queueStatus may be nil.
func NewHTTPHandler(service *Service, queueStatus func() queue.Status) http.Handler {
	h := &Handler{service: service, queueStatus: queueStatus, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /jobs", h.handleUpload)
	h.mux.HandleFunc("GET /jobs", h.handleListJobs)
	h.mux.HandleFunc("GET /jobs/{id}", h.handleGetJob)
	h.mux.HandleFunc("POST /jobs/{id}/retry", h.handleRetry)
	h.mux.HandleFunc("GET /jobs/{id}/quarantine", h.handleListQuarantined)
	h.mux.HandleFunc("POST /jobs/{id}/quarantine/reprocess", h.handleReprocess)
	h.mux.HandleFunc("GET /queue", h.handleQueueStatus)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	job, err := h.service.Upload(r.Context(), header.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	offset := parseIntParam(r, "offset", 0)

	jobs, err := h.service.ListJobs(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	job, err := h.service.GetStatus(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView{IngestionJob: job, Progress: job.Progress()})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	job, err := h.service.Retry(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) handleListQuarantined(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	records, err := h.service.ListQuarantined(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type reprocessPayload struct {
	Records []domain.Correction `json:"records"`
}

func (h *Handler) handleReprocess(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}

	defer r.Body.Close()
	var payload reprocessPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	if len(payload.Records) == 0 {
		http.Error(w, "records are required", http.StatusBadRequest)
		return
	}

	result, err := h.service.ReprocessQuarantined(r.Context(), jobID, payload.Records)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if h.queueStatus == nil {
		http.Error(w, "queue status unavailable", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.queueStatus())
}

type jobView struct {
	domain.IngestionJob
	Progress int `json:"progress"`
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid job id: %v", err), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return jobID, true
}

func parseIntParam(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// StatusFor maps pipeline errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInvalidUpload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrParse):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, domain.ErrWriteConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
