package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/unclebandit/skymail-dispatch/internal/repository"
)

// Sessions hands each task invocation a dedicated connection from the pool.
// The connection goes back to the pool on every exit path, panics included.
type Sessions struct {
	pool *sql.DB
}

func NewSessions(pool *sql.DB) *Sessions {
	return &Sessions{pool: pool}
}

func (s *Sessions) WithStore(ctx context.Context, fn func(*repository.Store) error) error {
	conn, err := s.pool.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	return fn(repository.NewStore(conn))
}

// InTx runs fn inside a transaction on a dedicated connection. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *Sessions) InTx(ctx context.Context, fn func(*repository.Store) error) (err error) {
	conn, err := s.pool.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit: %w", cerr)
		}
	}()

	return fn(repository.NewStore(tx))
}

var _ repository.Sessions = (*Sessions)(nil)
