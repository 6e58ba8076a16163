package repository

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store groups the repositories bound to a single connection or transaction.
type Store struct {
	Campaigns   CampaignRepositoryInterface
	SendLogs    SendLogRepositoryInterface
	Subscribers SubscriberRepositoryInterface
	Content     ContentRepositoryInterface
}

func NewStore(q DBTX) *Store {
	return &Store{
		Campaigns:   NewCampaignRepository(q),
		SendLogs:    NewSendLogRepository(q),
		Subscribers: &SubscriberRepository{DB: q},
		Content:     &ContentRepository{DB: q},
	}
}

// Sessions scopes store access to one task invocation. Implementations must
// release the underlying connection on every exit path.
type Sessions interface {
	WithStore(ctx context.Context, fn func(*Store) error) error
	InTx(ctx context.Context, fn func(*Store) error) error
}
