// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/unclebandit/skymail-dispatch/internal/handler"
	"github.com/unclebandit/skymail-dispatch/internal/model"
	"github.com/unclebandit/skymail-dispatch/internal/queue"
	"github.com/unclebandit/skymail-dispatch/internal/service"
)

// CampaignOperations is the part of service.CampaignService the operator
// endpoints call.
type CampaignOperations interface {
	ListSendLogs(ctx context.Context, id uuid.UUID, page, pageSize int, status string) ([]model.SendLog, map[string]int, error)
	Resend(ctx context.Context, id uuid.UUID, includeFailed bool) (*service.ResendResult, error)
	GetTaskResult(ctx context.Context, taskID string) (*queue.TaskResult, error)
}

type CampaignController struct {
	CampaignService CampaignOperations
	Log             *slog.Logger
}

func (c *CampaignController) ListSendLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := handler.CampaignID(w, r)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")
	if status != "" && !model.SendStatus(status).Valid() {
		http.Error(w, "invalid status filter", http.StatusBadRequest)
		return
	}

	logs, pagination, err := c.CampaignService.ListSendLogs(r.Context(), id, page, pageSize, status)
	if err != nil {
		handler.WriteError(w, c.Log, "failed to fetch send logs", err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data":       logs,
		"pagination": pagination,
	})
}

// Resend re-opens a finalized campaign. An empty body means include_failed
// is false.
func (c *CampaignController) Resend(w http.ResponseWriter, r *http.Request) {
	id, ok := handler.CampaignID(w, r)
	if !ok {
		return
	}

	var body struct {
		IncludeFailed bool `json:"include_failed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	result, err := c.CampaignService.Resend(r.Context(), id, body.IncludeFailed)
	if err != nil {
		handler.WriteError(w, c.Log, "failed to resend campaign", err)
		return
	}

	if c.Log != nil {
		c.Log.Info("campaign resend requested", "campaign_id", id, "include_failed", body.IncludeFailed, "recipients", result.Recipients)
	}
	handler.WriteJSON(w, http.StatusAccepted, result)
}

func (c *CampaignController) GetTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(taskID); err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}

	result, err := c.CampaignService.GetTaskResult(r.Context(), taskID)
	if err != nil {
		handler.WriteError(w, c.Log, "failed to fetch task result", err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, result)
}
