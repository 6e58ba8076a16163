package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	appErrors "github.com/unclebandit/skymail-dispatch/internal/errors"
	"github.com/unclebandit/skymail-dispatch/internal/model"
)

type CampaignRepositoryInterface interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
	ListDue(ctx context.Context) ([]model.DueCampaign, error)

	// Status transitions. Each one is a conditional update and reports
	// whether this caller performed it.
	Claim(ctx context.Context, id uuid.UUID, taskID string) (bool, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, status model.CampaignStatus) (bool, error)
	Reopen(ctx context.Context, id uuid.UUID, stuckAfter time.Duration) (bool, error)
}

type CampaignRepository struct {
	DB DBTX
}

func NewCampaignRepository(db DBTX) *CampaignRepository {
	return &CampaignRepository{DB: db}
}

// ====================== Reads ======================

func (r *CampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	query := `
        SELECT id, company_id, name, status, template_id, subject, constants,
               scheduled_for, sent_at, created_at, updated_at,
               dispatch_task_id, dispatch_claimed_at
        FROM campaigns WHERE id=$1
    `
	var c model.Campaign
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.CompanyID, &c.Name, &c.Status, &c.TemplateID, &c.Subject, &c.Constants,
		&c.ScheduledFor, &c.SentAt, &c.CreatedAt, &c.UpdatedAt,
		&c.DispatchTaskID, &c.DispatchClaimedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

// ListDue returns scheduled campaigns whose due time has passed. The
// comparison uses the database clock, never the worker's.
func (r *CampaignRepository) ListDue(ctx context.Context) ([]model.DueCampaign, error) {
	query := `
        SELECT id, company_id, name
        FROM campaigns
        WHERE status = 'scheduled' AND scheduled_for <= NOW()
        ORDER BY scheduled_for
    `
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := []model.DueCampaign{}
	for rows.Next() {
		var c model.DueCampaign
		if err := rows.Scan(&c.ID, &c.CompanyID, &c.Name); err != nil {
			return nil, err
		}
		due = append(due, c)
	}
	return due, rows.Err()
}

// ====================== Transitions ======================

// Claim moves a due campaign from scheduled to sending and records taskID
// as the owner of the fan-out. Exactly one caller can win for a given
// campaign.
func (r *CampaignRepository) Claim(ctx context.Context, id uuid.UUID, taskID string) (bool, error) {
	return r.transition(ctx, `
        UPDATE campaigns
        SET status='sending', dispatch_task_id=$2, dispatch_claimed_at=NOW(), updated_at=NOW()
        WHERE id=$1 AND status='scheduled' AND scheduled_for <= NOW()
    `, id, taskID)
}

// ReleaseClaim hands a campaign back to the scheduler after a failed fan-out.
func (r *CampaignRepository) ReleaseClaim(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.transition(ctx, `
        UPDATE campaigns
        SET status='scheduled', dispatch_task_id=NULL, dispatch_claimed_at=NULL, updated_at=NOW()
        WHERE id=$1 AND status='sending' AND sent_at IS NULL
    `, id)
}

func (r *CampaignRepository) Complete(ctx context.Context, id uuid.UUID, status model.CampaignStatus) (bool, error) {
	if !status.Terminal() {
		return false, errors.New("complete: status must be sent or failed")
	}
	return r.transition(ctx, `
        UPDATE campaigns SET status=$2, sent_at=NOW(), updated_at=NOW()
        WHERE id=$1 AND status='sending'
    `, id, status)
}

// Reopen puts a campaign back into sending for a manual resend. A finalized
// campaign always qualifies. A sending campaign qualifies once its claim is
// older than stuckAfter, which means its fan-out never finished.
func (r *CampaignRepository) Reopen(ctx context.Context, id uuid.UUID, stuckAfter time.Duration) (bool, error) {
	return r.transition(ctx, `
        UPDATE campaigns
        SET status='sending', sent_at=NULL, dispatch_task_id=NULL, dispatch_claimed_at=NOW(), updated_at=NOW()
        WHERE id=$1 AND (
            status IN ('sent', 'failed')
            OR (status='sending' AND COALESCE(dispatch_claimed_at, updated_at) < NOW() - make_interval(secs => $2))
        )
    `, id, stuckAfter.Seconds())
}

func (r *CampaignRepository) transition(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
