package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"
	appErrors "github.com/unclebandit/skymail-dispatch/internal/errors"
	"github.com/unclebandit/skymail-dispatch/internal/model"
)

const uniqueViolation = "23505"

// RecipientKey addresses the single delivery-log row of one recipient.
type RecipientKey struct {
	CampaignID uuid.UUID
	CompanyID  uuid.UUID
	Email      string
}

type SendLogFilter struct {
	CampaignID uuid.UUID
	Status     model.SendStatus
	Offset     int
	Limit      int
}

type SendLogRepositoryInterface interface {
	Get(ctx context.Context, campaignID uuid.UUID, email string) (*model.SendLog, error)
	ClaimRecipient(ctx context.Context, key RecipientKey, staleAfter time.Duration, extra model.StringMap) (bool, error)
	MarkSent(ctx context.Context, key RecipientKey, messageID *string, extra model.StringMap) error
	MarkFailed(ctx context.Context, key RecipientKey, reason string, extra model.StringMap) error
	Release(ctx context.Context, key RecipientKey, extra model.StringMap) error
	ResetFailed(ctx context.Context, campaignID uuid.UUID, emails []string) (int64, error)

	CountByStatus(ctx context.Context, campaignID uuid.UUID) (model.SendStats, error)
	List(ctx context.Context, f SendLogFilter) ([]model.SendLog, int, error)
	ListEmails(ctx context.Context, campaignID uuid.UUID, statuses ...model.SendStatus) ([]string, error)
}

type SendLogRepository struct {
	DB DBTX
	sb sq.StatementBuilderType
}

func NewSendLogRepository(db DBTX) *SendLogRepository {
	return &SendLogRepository{
		DB: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

var sendLogColumns = []string{
	"id", "campaign_id", "company_id", "subscriber_email", "provider_message_id", "status",
	"error_message", "extra_data", "sent_at", "created_at", "updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSendLog(row rowScanner) (*model.SendLog, error) {
	var l model.SendLog
	err := row.Scan(
		&l.ID, &l.CampaignID, &l.CompanyID, &l.SubscriberEmail, &l.ProviderMessageID, &l.Status,
		&l.ErrorMessage, &l.ExtraData, &l.SentAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Get returns nil, nil when the recipient has no row yet.
func (r *SendLogRepository) Get(ctx context.Context, campaignID uuid.UUID, email string) (*model.SendLog, error) {
	query, args, err := r.sb.Select(sendLogColumns...).
		From("campaign_send_logs").
		Where(sq.Eq{"campaign_id": campaignID, "subscriber_email": email}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get send log sql: %w", err)
	}

	l, err := scanSendLog(r.DB.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

// ====================== Send path writes ======================

// ClaimRecipient marks the row sending before the provider call. It fails to
// claim when the row is terminal or another worker holds a fresh claim.
func (r *SendLogRepository) ClaimRecipient(ctx context.Context, key RecipientKey, staleAfter time.Duration, extra model.StringMap) (bool, error) {
	query := `
        INSERT INTO campaign_send_logs (campaign_id, company_id, subscriber_email, status, extra_data)
        VALUES ($1, $2, $3, 'sending', $4)
        ON CONFLICT (campaign_id, subscriber_email) DO UPDATE
        SET status = 'sending',
            error_message = NULL,
            extra_data = campaign_send_logs.extra_data || EXCLUDED.extra_data,
            updated_at = NOW()
        WHERE campaign_send_logs.status = 'pending'
           OR (campaign_send_logs.status = 'sending'
               AND campaign_send_logs.updated_at < NOW() - make_interval(secs => $5))
    `
	res, err := r.DB.ExecContext(ctx, query, key.CampaignID, key.CompanyID, key.Email, extra, staleAfter.Seconds())
	if err != nil {
		return false, fmt.Errorf("claim recipient: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkSent records a provider hand-off. A provider message id already held
// by another row surfaces as ErrDuplicateProviderMessage.
func (r *SendLogRepository) MarkSent(ctx context.Context, key RecipientKey, messageID *string, extra model.StringMap) error {
	query := `
        INSERT INTO campaign_send_logs
            (campaign_id, company_id, subscriber_email, status, provider_message_id, extra_data, sent_at)
        VALUES ($1, $2, $3, 'sent', $4, $5, NOW())
        ON CONFLICT (campaign_id, subscriber_email) DO UPDATE
        SET status = 'sent',
            provider_message_id = EXCLUDED.provider_message_id,
            error_message = NULL,
            extra_data = campaign_send_logs.extra_data || EXCLUDED.extra_data,
            sent_at = NOW(),
            updated_at = NOW()
        WHERE campaign_send_logs.status NOT IN ('sent', 'bounced', 'complained')
    `
	_, err := r.DB.ExecContext(ctx, query, key.CampaignID, key.CompanyID, key.Email, messageID, extra)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation &&
			strings.Contains(pqErr.Constraint, "provider_message_id") {
			return fmt.Errorf("mark sent %s: %w", key.Email, appErrors.ErrDuplicateProviderMessage)
		}
		return fmt.Errorf("mark sent %s: %w", key.Email, err)
	}
	return nil
}

// MarkFailed never downgrades a delivered row.
func (r *SendLogRepository) MarkFailed(ctx context.Context, key RecipientKey, reason string, extra model.StringMap) error {
	query := `
        INSERT INTO campaign_send_logs
            (campaign_id, company_id, subscriber_email, status, error_message, extra_data)
        VALUES ($1, $2, $3, 'failed', $4, $5)
        ON CONFLICT (campaign_id, subscriber_email) DO UPDATE
        SET status = 'failed',
            error_message = EXCLUDED.error_message,
            extra_data = campaign_send_logs.extra_data || EXCLUDED.extra_data,
            updated_at = NOW()
        WHERE campaign_send_logs.status IN ('pending', 'sending', 'failed')
    `
	if _, err := r.DB.ExecContext(ctx, query, key.CampaignID, key.CompanyID, key.Email, reason, extra); err != nil {
		return fmt.Errorf("mark failed %s: %w", key.Email, err)
	}
	return nil
}

// Release returns an in-flight row to pending so a retry can claim it.
func (r *SendLogRepository) Release(ctx context.Context, key RecipientKey, extra model.StringMap) error {
	query := `
        UPDATE campaign_send_logs
        SET status = 'pending', extra_data = extra_data || $3::jsonb, updated_at = NOW()
        WHERE campaign_id = $1 AND subscriber_email = $2 AND status = 'sending'
    `
	if _, err := r.DB.ExecContext(ctx, query, key.CampaignID, key.Email, extra); err != nil {
		return fmt.Errorf("release %s: %w", key.Email, err)
	}
	return nil
}

// ResetFailed makes the failed rows of the given recipients claimable again.
func (r *SendLogRepository) ResetFailed(ctx context.Context, campaignID uuid.UUID, emails []string) (int64, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	query, args, err := r.sb.Update("campaign_send_logs").
		Set("status", model.SendPending).
		Set("error_message", nil).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"campaign_id": campaignID, "status": model.SendFailed, "subscriber_email": emails}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build reset failed sql: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ====================== Aggregates ======================

// CountByStatus reports every known status, zero when absent.
func (r *SendLogRepository) CountByStatus(ctx context.Context, campaignID uuid.UUID) (model.SendStats, error) {
	query, args, err := r.sb.Select("status", "COUNT(*)").
		From("campaign_send_logs").
		Where(sq.Eq{"campaign_id": campaignID}).
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stats sql: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := model.SendStats{}
	for _, s := range model.SendStatuses {
		stats[s] = 0
	}
	for rows.Next() {
		var status model.SendStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *SendLogRepository) List(ctx context.Context, f SendLogFilter) ([]model.SendLog, int, error) {
	where := sq.Eq{"campaign_id": f.CampaignID}
	if f.Status != "" {
		where["status"] = f.Status
	}

	query, args, err := r.sb.Select(sendLogColumns...).
		From("campaign_send_logs").
		Where(where).
		OrderBy("created_at", "subscriber_email").
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list send logs sql: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	logs := []model.SendLog{}
	for rows.Next() {
		l, err := scanSendLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countQuery, countArgs, err := r.sb.Select("COUNT(*)").
		From("campaign_send_logs").
		Where(where).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count send logs sql: %w", err)
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func (r *SendLogRepository) ListEmails(ctx context.Context, campaignID uuid.UUID, statuses ...model.SendStatus) ([]string, error) {
	where := sq.Eq{"campaign_id": campaignID}
	if len(statuses) > 0 {
		where["status"] = statuses
	}
	query, args, err := r.sb.Select("subscriber_email").
		From("campaign_send_logs").
		Where(where).
		OrderBy("subscriber_email").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list emails sql: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	emails := []string{}
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

var _ SendLogRepositoryInterface = (*SendLogRepository)(nil)
