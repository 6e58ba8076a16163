package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/unclebandit/skymail-dispatch/internal/model"
	"github.com/unclebandit/skymail-dispatch/internal/queue"
	"github.com/unclebandit/skymail-dispatch/internal/repository"
)

// Scheduler hands due campaigns to the orchestrator. It never sends email
// and never changes campaign state.
type Scheduler struct {
	sessions  repository.Sessions
	publisher queue.Publisher
	tasks     TaskDefinitions
	settings  Settings
	log       *slog.Logger
}

func NewScheduler(sessions repository.Sessions, publisher queue.Publisher, tasks TaskDefinitions, settings Settings, log *slog.Logger) *Scheduler {
	return &Scheduler{
		sessions:  sessions,
		publisher: publisher,
		tasks:     tasks,
		settings:  settings,
		log:       log.With("component", "scheduler"),
	}
}

// Run is the enqueue_due_campaigns handler.
func (s *Scheduler) Run(ctx context.Context, t queue.Task) queue.Result {
	var due []model.DueCampaign
	err := s.sessions.WithStore(ctx, func(st *repository.Store) error {
		var err error
		due, err = st.Campaigns.ListDue(ctx)
		return err
	})
	if err != nil {
		return queue.Retry(s.settings.SchedulerRetryDelay, fmt.Sprintf("list due campaigns: %v", err))
	}

	if len(due) == 0 {
		s.log.Debug("no campaigns due")
		return queue.CompletedWith(map[string]any{"campaigns_enqueued": 0, "total_due": 0})
	}
	s.log.Info("found due campaigns", "count", len(due))

	enqueued := 0
	for _, c := range due {
		if err := s.enqueue(ctx, c); err != nil {
			// One bad publish must not hold back the rest.
			s.log.Error("failed to enqueue campaign", "campaign_id", c.ID, "error", err)
			continue
		}
		enqueued++
		campaignsEnqueuedCounter.Inc()
		s.log.Info("enqueued campaign", "campaign_id", c.ID, "company_id", c.CompanyID, "name", c.Name)
	}

	return queue.CompletedWith(map[string]any{"campaigns_enqueued": enqueued, "total_due": len(due)})
}

func (s *Scheduler) enqueue(ctx context.Context, c model.DueCampaign) error {
	task, err := queue.NewTask(s.tasks.Dispatch, DispatchPayload{CampaignID: c.ID.String()})
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, task, 0)
}
