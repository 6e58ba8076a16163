// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is matched by every typed not-found error below.
	ErrNotFound = errors.New("resource not found")

	ErrSenderNotConfigured      = errors.New("sender email not configured")
	ErrDuplicateProviderMessage = errors.New("provider message id already recorded")
	ErrCampaignNotFinalized     = errors.New("campaign is not sent or failed")
)

// ErrCampaignNotFound is returned when a campaign id does not resolve.
type ErrCampaignNotFound struct {
	CampaignID uuid.UUID
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

func (e *ErrCampaignNotFound) Is(target error) bool { return target == ErrNotFound }

func NewCampaignNotFound(id uuid.UUID) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrTemplateNotFound struct {
	TemplateID uuid.UUID
}

func (e *ErrTemplateNotFound) Error() string {
	if e.TemplateID == uuid.Nil {
		return "campaign has no template"
	}
	return fmt.Sprintf("template with ID %s not found", e.TemplateID)
}

func (e *ErrTemplateNotFound) Is(target error) bool { return target == ErrNotFound }

func NewTemplateNotFound(id uuid.UUID) error {
	return &ErrTemplateNotFound{TemplateID: id}
}

type ErrCompanyNotFound struct {
	CompanyID uuid.UUID
}

func (e *ErrCompanyNotFound) Error() string {
	return fmt.Sprintf("company with ID %s not found", e.CompanyID)
}

func (e *ErrCompanyNotFound) Is(target error) bool { return target == ErrNotFound }

func NewCompanyNotFound(id uuid.UUID) error {
	return &ErrCompanyNotFound{CompanyID: id}
}
