package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/store"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// querier is satisfied by both the pool and an open transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
	q    querier
}

var _ store.Store = (*Repository)(nil)

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, q: pool}
}

// InTx runs fn inside a transaction. Nested calls use a savepoint.
func (r *Repository) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if outer, ok := r.q.(pgx.Tx); ok {
		tx, err = outer.Begin(ctx)
	} else {
		tx, err = r.pool.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Repository{pool: r.pool, q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func notFoundOr(err error, kind string, id int64, action string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(kind, id)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

// jsonOrNil encodes v for a JSONB column, keeping SQL NULL for empty values
func jsonOrNil(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}
