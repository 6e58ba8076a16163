// internal/model/campaign.go
package model

import (
	"time"

	"github.com/google/uuid"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignFailed    CampaignStatus = "failed"
)

// Terminal reports whether the campaign has been closed by the orchestrator.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignSent || s == CampaignFailed
}

type Campaign struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	CompanyID    uuid.UUID      `db:"company_id" json:"company_id"`
	Name         string         `db:"name" json:"name"`
	Status       CampaignStatus `db:"status" json:"status"`
	TemplateID   *uuid.UUID     `db:"template_id" json:"template_id,omitempty"`
	Subject      *string        `db:"subject" json:"subject,omitempty"`
	Constants    StringMap      `db:"constants" json:"constants"`
	ScheduledFor *time.Time     `db:"scheduled_for" json:"scheduled_for,omitempty"`
	SentAt       *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`

	// Set while sending: the send_campaign task that won the claim, or
	// nil after a manual resend.
	DispatchTaskID    *string    `db:"dispatch_task_id" json:"dispatch_task_id,omitempty"`
	DispatchClaimedAt *time.Time `db:"dispatch_claimed_at" json:"dispatch_claimed_at,omitempty"`
}

// ClaimedBy reports whether taskID holds the sending claim on c.
func (c *Campaign) ClaimedBy(taskID string) bool {
	return c.Status == CampaignSending && c.DispatchTaskID != nil && *c.DispatchTaskID == taskID
}

// DueCampaign is the slice of a campaign the scheduler needs.
type DueCampaign struct {
	ID        uuid.UUID `db:"id"`
	CompanyID uuid.UUID `db:"company_id"`
	Name      string    `db:"name"`
}
