// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	appErrors "github.com/unclebandit/skymail-dispatch/internal/errors"
	"github.com/unclebandit/skymail-dispatch/internal/queue"
	"github.com/unclebandit/skymail-dispatch/internal/service"
)

// StatsReader is the read side the stats handler needs.
type StatsReader interface {
	GetCampaignDetailsWithStats(ctx context.Context, id uuid.UUID) (*service.CampaignDetails, error)
}

// CampaignHandler serves campaign aggregates.
type CampaignHandler struct {
	Service StatsReader
	Log     *slog.Logger
}

func NewCampaignHandler(svc StatsReader, log *slog.Logger) *CampaignHandler {
	return &CampaignHandler{Service: svc, Log: log}
}

// GetCampaignHandlerWithStats returns the campaign status with per-status
// delivery-log counts.
func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	id, ok := CampaignID(w, r)
	if !ok {
		return
	}

	details, err := h.Service.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		WriteError(w, h.Log, "failed to fetch campaign", err)
		return
	}

	WriteJSON(w, http.StatusOK, details)
}

// CampaignID parses the {id} route parameter, answering 400 when it is not
// a uuid.
func CampaignID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError maps domain errors onto status codes. Anything unexpected is
// logged and answered with 500.
func WriteError(w http.ResponseWriter, log *slog.Logger, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, appErrors.ErrNotFound), errors.Is(err, queue.ErrResultNotFound):
		status = http.StatusNotFound
	case errors.Is(err, appErrors.ErrCampaignNotFinalized):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError && log != nil {
		log.Error(msg, "error", err)
	}
	http.Error(w, msg+": "+err.Error(), status)
}
