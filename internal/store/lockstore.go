package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/punchamoorthee/dealrecon/internal/lock"
)

// LockStore implements lock.Store on the deal_locks table. Exclusivity comes
// from the (subject_key, lock_type) primary key, never from check-then-act.
type LockStore struct {
	store *Store
}

func NewLockStore(s *Store) *LockStore {
	return &LockStore{store: s}
}

func (ls *LockStore) Insert(ctx context.Context, row lock.Row) error {
	_, err := ls.store.Db.Exec(ctx, `
		INSERT INTO deal_locks (subject_key, lock_type, token, expires_at)
		VALUES ($1, $2, $3, $4)`,
		row.SubjectKey, row.LockType, row.Token, row.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return lock.ErrHeld
		}
		return fmt.Errorf("lock insert failed: %w", err)
	}
	return nil
}

func (ls *LockStore) Get(ctx context.Context, subjectKey, lockType string) (*lock.Row, error) {
	var row lock.Row
	err := ls.store.Db.QueryRow(ctx, `
		SELECT subject_key, lock_type, token, expires_at
		FROM deal_locks
		WHERE subject_key = $1 AND lock_type = $2`,
		subjectKey, lockType,
	).Scan(&row.SubjectKey, &row.LockType, &row.Token, &row.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, lock.ErrNotHeld
		}
		return nil, fmt.Errorf("lock read failed: %w", err)
	}
	return &row, nil
}

func (ls *LockStore) Delete(ctx context.Context, subjectKey, lockType, token string) (bool, error) {
	tag, err := ls.store.Db.Exec(ctx, `
		DELETE FROM deal_locks
		WHERE subject_key = $1 AND lock_type = $2 AND token = $3`,
		subjectKey, lockType, token)
	if err != nil {
		return false, fmt.Errorf("lock delete failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (ls *LockStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := ls.store.Db.Exec(ctx, `DELETE FROM deal_locks WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expired lock sweep failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
