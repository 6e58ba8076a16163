package service

import (
	"time"

	"github.com/unclebandit/skymail-dispatch/internal/config"
	"github.com/unclebandit/skymail-dispatch/internal/queue"
)

const (
	TaskEnqueueDueCampaigns = "enqueue_due_campaigns"
	TaskSendCampaign        = "send_campaign"
	TaskFinalizeCampaign    = "finalize_campaign"
	TaskSendCampaignBatch   = "send_campaign_batch"
)

// TaskDefinitions binds every task kind to its lane and attempt ceiling.
type TaskDefinitions struct {
	EnqueueDue queue.Definition
	Dispatch   queue.Definition
	Finalize   queue.Definition
	Batch      queue.Definition
}

func NewTaskDefinitions(schedulerRetries, dispatchRetries, batchRetries int) TaskDefinitions {
	return TaskDefinitions{
		EnqueueDue: queue.Definition{Name: TaskEnqueueDueCampaigns, Lane: queue.LaneScheduled, MaxAttempts: schedulerRetries + 1},
		Dispatch:   queue.Definition{Name: TaskSendCampaign, Lane: queue.LaneCampaigns, MaxAttempts: dispatchRetries + 1},
		Finalize:   queue.Definition{Name: TaskFinalizeCampaign, Lane: queue.LaneCampaigns, MaxAttempts: dispatchRetries + 1},
		Batch:      queue.Definition{Name: TaskSendCampaignBatch, Lane: queue.LaneBatches, MaxAttempts: batchRetries + 1},
	}
}

// DispatchPayload is carried by send_campaign.
type DispatchPayload struct {
	CampaignID string `json:"campaign_id" validate:"required,uuid"`
}

// FinalizePayload is carried by finalize_campaign. Check counts from 1.
type FinalizePayload struct {
	CampaignID string `json:"campaign_id" validate:"required,uuid"`
	Expected   int    `json:"expected" validate:"min=0"`
	Check      int    `json:"check" validate:"min=1"`
}

// BatchPayload is carried by send_campaign_batch.
type BatchPayload struct {
	CampaignID string   `json:"campaign_id" validate:"required,uuid"`
	Emails     []string `json:"subscriber_emails" validate:"required,min=1,dive,required"`
}

// Settings are the dispatch tunables shared by the handlers.
type Settings struct {
	BatchSize           int
	MailFrom            string
	SchedulerRetryDelay time.Duration
	ThrottleRetryDelay  time.Duration
	ClaimStaleAfter     time.Duration
	FinalizeInterval    time.Duration
	FinalizeMaxChecks   int
}

// StuckAfter is how long a campaign may stay in sending before a manual
// resend may take it over. Past this point every finalize check the
// original fan-out could have queued has run.
func (s Settings) StuckAfter() time.Duration {
	return time.Duration(s.FinalizeMaxChecks+1)*s.FinalizeInterval + s.ClaimStaleAfter
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		BatchSize:           cfg.BatchSize,
		MailFrom:            cfg.MailFrom,
		SchedulerRetryDelay: cfg.SchedulerRetryDelay,
		ThrottleRetryDelay:  cfg.ThrottleRetryDelay,
		ClaimStaleAfter:     cfg.ClaimStaleAfter,
		FinalizeInterval:    cfg.FinalizeInterval,
		FinalizeMaxChecks:   cfg.FinalizeMaxChecks,
	}
}

func TaskDefinitionsFromConfig(cfg *config.Config) TaskDefinitions {
	return NewTaskDefinitions(cfg.SchedulerMaxRetries, cfg.DispatchMaxRetries, cfg.BatchMaxRetries)
}
