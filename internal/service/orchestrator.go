package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/skymail-dispatch/internal/errors"
	"github.com/unclebandit/skymail-dispatch/internal/model"
	"github.com/unclebandit/skymail-dispatch/internal/queue"
	"github.com/unclebandit/skymail-dispatch/internal/repository"
)

// Orchestrator owns campaign status. It claims a due campaign, fans it out
// into batch tasks and closes it once the delivery log shows every
// recipient in a terminal state.
type Orchestrator struct {
	sessions  repository.Sessions
	publisher queue.Publisher
	tasks     TaskDefinitions
	settings  Settings
	log       *slog.Logger
}

func NewOrchestrator(sessions repository.Sessions, publisher queue.Publisher, tasks TaskDefinitions, settings Settings, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		publisher: publisher,
		tasks:     tasks,
		settings:  settings,
		log:       log.With("component", "orchestrator"),
	}
}

// ====================== send_campaign ======================

func (o *Orchestrator) Dispatch(ctx context.Context, t queue.Task) queue.Result {
	var p DispatchPayload
	if err := t.Decode(&p); err != nil {
		return queue.Fatal(err.Error())
	}
	id := uuid.MustParse(p.CampaignID)
	log := o.log.With("campaign_id", id, "task_id", t.ID)

	var (
		campaign    *model.Campaign
		claimed     bool
		resumed     bool
		subscribers []model.Subscriber
	)
	err := o.sessions.WithStore(ctx, func(st *repository.Store) error {
		c, err := st.Campaigns.GetByID(ctx, id)
		if err != nil {
			return err
		}
		campaign = c
		switch {
		case c.Status == model.CampaignScheduled:
			claimed, err = st.Campaigns.Claim(ctx, id, t.ID)
			if err != nil || !claimed {
				return err
			}
		case c.ClaimedBy(t.ID):
			// A redelivery of the task that claimed the campaign: the
			// previous attempt died before or during fan-out.
			claimed, resumed = true, true
		default:
			return nil
		}

		subscribers, err = st.Subscribers.ListActive(ctx, c.CompanyID)
		if err != nil {
			o.releaseClaim(ctx, st, id, log)
			return fmt.Errorf("load subscribers: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			log.Warn("campaign not found, dropping stale dispatch")
			return queue.Fatal(err.Error())
		}
		return queue.RetryErr(err)
	}
	if !claimed {
		log.Info("campaign already picked up, skipping", "status", campaign.Status)
		return queue.CompletedWith(map[string]any{"claimed": false, "status": string(campaign.Status)})
	}
	if resumed {
		log.Warn("resuming fan-out of a campaign this task already claimed", "attempt", t.Attempt)
	}

	if len(subscribers) == 0 {
		return o.closeEmpty(ctx, id, log)
	}

	emails := make([]string, len(subscribers))
	for i, s := range subscribers {
		emails[i] = s.Email
	}
	batches, err := o.fanOut(ctx, id, emails, len(emails))
	if err != nil {
		log.Error("fan-out failed, releasing claim", "error", err)
		_ = o.sessions.WithStore(context.WithoutCancel(ctx), func(st *repository.Store) error {
			o.releaseClaim(ctx, st, id, log)
			return nil
		})
		return queue.RetryErr(err)
	}

	log.Info("campaign dispatched", "recipients", len(emails), "batches", batches, "resumed", resumed)
	return queue.CompletedWith(map[string]any{"claimed": true, "resumed": resumed, "recipients": len(emails), "batches": batches})
}

func (o *Orchestrator) closeEmpty(ctx context.Context, id uuid.UUID, log *slog.Logger) queue.Result {
	ctx = context.WithoutCancel(ctx)
	err := o.sessions.WithStore(ctx, func(st *repository.Store) error {
		_, err := st.Campaigns.Complete(ctx, id, model.CampaignSent)
		return err
	})
	if err != nil {
		return queue.RetryErr(fmt.Errorf("close empty campaign: %w", err))
	}
	campaignsFinalizedCounter.WithLabelValues(string(model.CampaignSent)).Inc()
	log.Info("campaign has no active subscribers, marked sent")
	return queue.CompletedWith(map[string]any{"claimed": true, "recipients": 0, "batches": 0})
}

func (o *Orchestrator) releaseClaim(ctx context.Context, st *repository.Store, id uuid.UUID, log *slog.Logger) {
	if _, err := st.Campaigns.ReleaseClaim(context.WithoutCancel(ctx), id); err != nil {
		log.Error("could not release campaign claim", "error", err)
	}
}

// fanOut publishes one batch task per chunk of emails, then the first
// finalize check. expected is how many delivery-log rows must be terminal
// before the campaign can close.
func (o *Orchestrator) fanOut(ctx context.Context, id uuid.UUID, emails []string, expected int) (int, error) {
	chunks := Chunk(emails, o.settings.BatchSize)
	for i, chunk := range chunks {
		task, err := queue.NewTask(o.tasks.Batch, BatchPayload{CampaignID: id.String(), Emails: chunk})
		if err != nil {
			return i, err
		}
		if err := o.publisher.Publish(ctx, task, 0); err != nil {
			return i, fmt.Errorf("publish batch %d/%d: %w", i+1, len(chunks), err)
		}
	}

	delay := o.settings.FinalizeInterval
	if len(chunks) == 0 {
		delay = 0
	}
	task, err := queue.NewTask(o.tasks.Finalize, FinalizePayload{CampaignID: id.String(), Expected: expected, Check: 1})
	if err != nil {
		return len(chunks), err
	}
	if err := o.publisher.Publish(ctx, task, delay); err != nil {
		return len(chunks), fmt.Errorf("publish finalize: %w", err)
	}
	return len(chunks), nil
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// ====================== finalize_campaign ======================

func (o *Orchestrator) Finalize(ctx context.Context, t queue.Task) queue.Result {
	var p FinalizePayload
	if err := t.Decode(&p); err != nil {
		return queue.Fatal(err.Error())
	}
	id := uuid.MustParse(p.CampaignID)
	log := o.log.With("campaign_id", id, "task_id", t.ID, "check", p.Check)

	var stats model.SendStats
	err := o.sessions.WithStore(ctx, func(st *repository.Store) error {
		var err error
		stats, err = st.SendLogs.CountByStatus(ctx, id)
		return err
	})
	if err != nil {
		return queue.RetryErr(fmt.Errorf("count delivery log: %w", err))
	}

	terminal := stats.Terminal()
	if terminal < p.Expected && p.Check < o.settings.FinalizeMaxChecks {
		next := p
		next.Check++
		task, err := queue.NewTask(o.tasks.Finalize, next)
		if err == nil {
			err = o.publisher.Publish(ctx, task, o.settings.FinalizeInterval)
		}
		if err != nil {
			return queue.RetryErr(fmt.Errorf("requeue finalize: %w", err))
		}
		log.Debug("campaign still in progress", "terminal", terminal, "expected", p.Expected)
		return queue.CompletedWith(map[string]any{"finalized": false, "terminal": terminal, "expected": p.Expected})
	}

	failed := stats[model.SendFailed]
	if missing := p.Expected - terminal; missing > 0 {
		log.Warn("closing campaign with recipients that never resolved", "missing", missing)
		failed += missing
	}
	status := model.CampaignSent
	if failed > 0 {
		status = model.CampaignFailed
	}

	var closed bool
	ctx = context.WithoutCancel(ctx)
	err = o.sessions.WithStore(ctx, func(st *repository.Store) error {
		var err error
		closed, err = st.Campaigns.Complete(ctx, id, status)
		return err
	})
	if err != nil {
		return queue.RetryErr(fmt.Errorf("complete campaign: %w", err))
	}
	if !closed {
		log.Info("campaign no longer sending, nothing to finalize")
		return queue.CompletedWith(map[string]any{"finalized": false})
	}

	campaignsFinalizedCounter.WithLabelValues(string(status)).Inc()
	log.Info("campaign finalized", "status", status, "sent", stats[model.SendSent], "failed", failed, "expected", p.Expected)
	return queue.CompletedWith(map[string]any{
		"finalized": true,
		"status":    string(status),
		"sent":      stats[model.SendSent],
		"failed":    failed,
		"expected":  p.Expected,
	})
}

// ====================== manual resend ======================

type ResendResult struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Recipients int       `json:"recipients"`
	Batches    int       `json:"batches"`
	Reset      int64     `json:"reset_failed"`
}

// Resend reopens a finalized campaign, or one stuck in sending past
// Settings.StuckAfter, and sends to every active subscriber without a
// delivered row. With includeFailed, failed rows are retried too.
func (o *Orchestrator) Resend(ctx context.Context, id uuid.UUID, includeFailed bool) (*ResendResult, error) {
	log := o.log.With("campaign_id", id)
	var (
		recipients []string
		expected   int
		reset      int64
	)
	err := o.sessions.InTx(ctx, func(st *repository.Store) error {
		c, err := st.Campaigns.GetByID(ctx, id)
		if err != nil {
			return err
		}
		delivered, err := st.SendLogs.ListEmails(ctx, id, model.SendSent, model.SendBounced, model.SendComplained)
		if err != nil {
			return err
		}
		failed, err := st.SendLogs.ListEmails(ctx, id, model.SendFailed)
		if err != nil {
			return err
		}
		subscribers, err := st.Subscribers.ListActive(ctx, c.CompanyID)
		if err != nil {
			return err
		}

		plan := planResend(subscribers, delivered, failed, includeFailed)
		recipients, expected = plan.recipients, plan.expected

		if reset, err = st.SendLogs.ResetFailed(ctx, id, plan.retryFailed); err != nil {
			return err
		}
		reopened, err := st.Campaigns.Reopen(ctx, id, o.settings.StuckAfter())
		if err != nil {
			return err
		}
		if !reopened {
			return fmt.Errorf("resend campaign %s in status %s: %w", id, c.Status, appErrors.ErrCampaignNotFinalized)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	batches, err := o.fanOut(ctx, id, recipients, expected)
	if err != nil {
		log.Error("resend fan-out failed, releasing campaign", "error", err)
		_ = o.sessions.WithStore(context.WithoutCancel(ctx), func(st *repository.Store) error {
			o.releaseClaim(ctx, st, id, log)
			return nil
		})
		return nil, err
	}

	log.Info("campaign resend dispatched", "recipients", len(recipients), "batches", batches, "reset_failed", reset)
	return &ResendResult{CampaignID: id, Recipients: len(recipients), Batches: batches, Reset: reset}, nil
}

type resendPlan struct {
	recipients  []string
	retryFailed []string
	expected    int
}

func planResend(subscribers []model.Subscriber, delivered, failed []string, includeFailed bool) resendPlan {
	done := toSet(delivered)
	failedSet := toSet(failed)

	var plan resendPlan
	accounted := make(map[string]bool, len(done)+len(failedSet))
	for e := range done {
		accounted[e] = true
	}
	for e := range failedSet {
		accounted[e] = true
	}
	for _, s := range subscribers {
		if done[s.Email] {
			continue
		}
		if failedSet[s.Email] {
			if !includeFailed {
				continue
			}
			plan.retryFailed = append(plan.retryFailed, s.Email)
		}
		plan.recipients = append(plan.recipients, s.Email)
		accounted[s.Email] = true
	}
	plan.expected = len(accounted)
	return plan
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}
