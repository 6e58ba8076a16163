package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/unclebandit/skymail-dispatch/internal/model"
)

// SubscriberRepositoryInterface defines methods used by service
type SubscriberRepositoryInterface interface {
	ListActive(ctx context.Context, companyID uuid.UUID) ([]model.Subscriber, error)
	NamesByEmail(ctx context.Context, companyID uuid.UUID, emails []string) (map[string]string, error)
}

type SubscriberRepository struct {
	DB DBTX
}

// ListActive fetches every subscribed address of a company.
func (r *SubscriberRepository) ListActive(ctx context.Context, companyID uuid.UUID) ([]model.Subscriber, error) {
	query := `
        SELECT id, company_id, email, name, status
        FROM subscribers
        WHERE company_id = $1 AND status = $2
        ORDER BY email
    `
	rows, err := r.DB.QueryContext(ctx, query, companyID, model.SubscriberActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subscribers := []model.Subscriber{}
	for rows.Next() {
		var s model.Subscriber
		if err := rows.Scan(&s.ID, &s.CompanyID, &s.Email, &s.Name, &s.Status); err != nil {
			return nil, err
		}
		subscribers = append(subscribers, s)
	}
	return subscribers, rows.Err()
}

// NamesByEmail resolves display names for one batch in a single query.
// Addresses without a subscriber row are absent from the result.
func (r *SubscriberRepository) NamesByEmail(ctx context.Context, companyID uuid.UUID, emails []string) (map[string]string, error) {
	names := make(map[string]string, len(emails))
	if len(emails) == 0 {
		return names, nil
	}

	query := `
        SELECT email, name FROM subscribers
        WHERE company_id = $1 AND email = ANY($2)
    `
	rows, err := r.DB.QueryContext(ctx, query, companyID, pq.Array(emails))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var email, name string
		if err := rows.Scan(&email, &name); err != nil {
			return nil, err
		}
		names[email] = name
	}
	return names, rows.Err()
}

var _ SubscriberRepositoryInterface = (*SubscriberRepository)(nil)
