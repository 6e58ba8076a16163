// internal/model/send_log.go
package model

import (
	"time"

	"github.com/google/uuid"
)

type SendStatus string

const (
	SendPending    SendStatus = "pending"
	SendSending    SendStatus = "sending"
	SendSent       SendStatus = "sent"
	SendFailed     SendStatus = "failed"
	SendBounced    SendStatus = "bounced"
	SendComplained SendStatus = "complained"
)

var SendStatuses = []SendStatus{SendPending, SendSending, SendSent, SendFailed, SendBounced, SendComplained}

// Terminal reports whether the send path is done with the row.
// Bounces and complaints arrive after a successful hand-off, so they count too.
func (s SendStatus) Terminal() bool {
	switch s {
	case SendSent, SendFailed, SendBounced, SendComplained:
		return true
	}
	return false
}

func (s SendStatus) Valid() bool {
	for _, known := range SendStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// SendLog is one (campaign, recipient) delivery attempt. At most one row
// exists per pair; retries update it in place.
type SendLog struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	CampaignID        uuid.UUID  `db:"campaign_id" json:"campaign_id"`
	CompanyID         uuid.UUID  `db:"company_id" json:"company_id"`
	SubscriberEmail   string     `db:"subscriber_email" json:"subscriber_email"`
	ProviderMessageID *string    `db:"provider_message_id" json:"provider_message_id,omitempty"`
	Status            SendStatus `db:"status" json:"status"`
	ErrorMessage      *string    `db:"error_message" json:"error_message,omitempty"`
	ExtraData         StringMap  `db:"extra_data" json:"extra_data"`
	SentAt            *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// SendStats is the per-status row count for one campaign.
type SendStats map[SendStatus]int

func (s SendStats) Total() int {
	total := 0
	for _, n := range s {
		total += n
	}
	return total
}

// Terminal counts rows the send path will not touch again.
func (s SendStats) Terminal() int {
	return s[SendSent] + s[SendFailed] + s[SendBounced] + s[SendComplained]
}
