package export

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rpattn/blacklist/internal/domain"

	"github.com/google/uuid"
)

type Handler struct {
	service *Service
	mux     *http.ServeMux
}

func NewHTTPHandler(service *Service) http.Handler {
	h := &Handler{service: service, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /blacklist/export", h.handleBlacklist)
	h.mux.HandleFunc("GET /jobs/{id}/quarantine/export", h.handleQuarantine)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	filename := fmt.Sprintf("blacklist-%s.csv", time.Now().UTC().Format("20060102-150405"))
	setDownloadHeaders(w, filename)

	if _, err := h.service.ExportBlacklist(r.Context(), w); err != nil {
		// Headers are already sent; the truncated body is all the client gets.
		h.service.logger.Error().Err(err).Msg("blacklist export failed")
	}
}

func (h *Handler) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid job id: %v", err), http.StatusBadRequest)
		return
	}
	job, err := h.service.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	setDownloadHeaders(w, QuarantineFilename(job))
	if _, err := h.service.ExportQuarantined(r.Context(), jobID, w); err != nil {
		h.service.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("quarantine export failed")
	}
}

func setDownloadHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
}
