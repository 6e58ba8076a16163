package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	appErrors "github.com/unclebandit/skymail-dispatch/internal/errors"
	"github.com/unclebandit/skymail-dispatch/internal/model"
)

// ContentRepositoryInterface reads the records a batch renders from.
type ContentRepositoryInterface interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (*model.Template, error)
	GetCompany(ctx context.Context, id uuid.UUID) (*model.Company, error)
	ListAssetURLs(ctx context.Context, templateID, companyID uuid.UUID) ([]string, error)
}

type ContentRepository struct {
	DB DBTX
}

func (r *ContentRepository) GetTemplate(ctx context.Context, id uuid.UUID) (*model.Template, error) {
	query := `
        SELECT id, name, subject, html_content, text_content
        FROM newsletter_templates WHERE id = $1
    `
	var t model.Template
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Name, &t.Subject, &t.HTMLContent, &t.TextContent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewTemplateNotFound(id)
		}
		return nil, err
	}
	return &t, nil
}

func (r *ContentRepository) GetCompany(ctx context.Context, id uuid.UUID) (*model.Company, error) {
	query := `SELECT id, company_name, website_url FROM companies WHERE id = $1`
	var c model.Company
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.CompanyName, &c.WebsiteURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCompanyNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *ContentRepository) ListAssetURLs(ctx context.Context, templateID, companyID uuid.UUID) ([]string, error) {
	query := `
        SELECT url FROM template_assets
        WHERE template_id = $1 AND company_id = $2
        ORDER BY created_at
    `
	rows, err := r.DB.QueryContext(ctx, query, templateID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	urls := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

var _ ContentRepositoryInterface = (*ContentRepository)(nil)
