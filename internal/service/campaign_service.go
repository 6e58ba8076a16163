// internal/service/campaign_service.go
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/skymail-dispatch/internal/model"
	"github.com/unclebandit/skymail-dispatch/internal/queue"
	"github.com/unclebandit/skymail-dispatch/internal/repository"
)

// Resender is the slice of the orchestrator the operator surface uses.
type Resender interface {
	Resend(ctx context.Context, id uuid.UUID, includeFailed bool) (*ResendResult, error)
}

// CampaignService backs the operator HTTP surface. It reads aggregates and
// delegates every status change to the orchestrator.
type CampaignService struct {
	Sessions repository.Sessions
	Resender Resender
	Results  queue.ResultStore
}

type CampaignDetails struct {
	CampaignID   uuid.UUID            `json:"campaign_id"`
	Name         string               `json:"name"`
	Status       model.CampaignStatus `json:"status"`
	ScheduledFor *time.Time           `json:"scheduled_for,omitempty"`
	SentAt       *time.Time           `json:"sent_at,omitempty"`
	Stats        map[string]int       `json:"stats"`
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, id uuid.UUID) (*CampaignDetails, error) {
	var (
		campaign *model.Campaign
		counts   model.SendStats
	)
	err := s.Sessions.WithStore(ctx, func(st *repository.Store) error {
		var err error
		if campaign, err = st.Campaigns.GetByID(ctx, id); err != nil {
			return err
		}
		counts, err = st.SendLogs.CountByStatus(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	stats := map[string]int{"total": counts.Total()}
	for _, status := range model.SendStatuses {
		stats[string(status)] = counts[status]
	}

	return &CampaignDetails{
		CampaignID:   campaign.ID,
		Name:         campaign.Name,
		Status:       campaign.Status,
		ScheduledFor: campaign.ScheduledFor,
		SentAt:       campaign.SentAt,
		Stats:        stats,
	}, nil
}

// ListSendLogs pages through a campaign's delivery log.
func (s *CampaignService) ListSendLogs(ctx context.Context, id uuid.UUID, page, pageSize int, status string) ([]model.SendLog, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	var (
		logs  []model.SendLog
		total int
	)
	err := s.Sessions.WithStore(ctx, func(st *repository.Store) error {
		if _, err := st.Campaigns.GetByID(ctx, id); err != nil {
			return err
		}
		var err error
		logs, total, err = st.SendLogs.List(ctx, repository.SendLogFilter{
			CampaignID: id,
			Status:     model.SendStatus(status),
			Offset:     offset,
			Limit:      pageSize,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return logs, pagination, nil
}

func (s *CampaignService) Resend(ctx context.Context, id uuid.UUID, includeFailed bool) (*ResendResult, error) {
	return s.Resender.Resend(ctx, id, includeFailed)
}

func (s *CampaignService) GetTaskResult(ctx context.Context, taskID string) (*queue.TaskResult, error) {
	return s.Results.Get(ctx, taskID)
}
