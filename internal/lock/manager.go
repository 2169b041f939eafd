// Package lock serializes mutating operations per (subject, lock type) across
// process instances. Mutual exclusion rests on a storage-level uniqueness
// constraint, never on an application-level check-then-act.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrHeld        = errors.New("lock already held")
	ErrNotHeld     = errors.New("lock not held")
	ErrNotAcquired = errors.New("lock not acquired after retries")
)

var lockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dealrecon_lock_acquisitions_total",
	Help: "Lock acquisition attempts by outcome",
}, []string{"lock_type", "outcome"})

// Row is a stored lock.
type Row struct {
	SubjectKey string
	LockType   string
	Token      string
	ExpiresAt  time.Time
}

// Store is the shared relational backing for locks. Insert must fail with
// ErrHeld when a row for the same (subject, lockType) already exists.
type Store interface {
	Insert(ctx context.Context, row Row) error
	Get(ctx context.Context, subjectKey, lockType string) (*Row, error)
	Delete(ctx context.Context, subjectKey, lockType, token string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Options tunes a WithLock call.
type Options struct {
	LockType   string
	TTL        time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Lease is proof of a held lock; releasing requires the token so a caller
// cannot release a lock reclaimed by another process after expiry.
type Lease struct {
	SubjectKey string
	LockType   string
	Token      string
	ExpiresAt  time.Time
}

type Manager struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewManager(store Store, log *slog.Logger) *Manager {
	return &Manager{store: store, log: log, now: time.Now}
}

// Acquire attempts to take the lock once. A held but expired lock is
// reclaimed: the stale row is deleted and the insert retried a single time.
func (m *Manager) Acquire(ctx context.Context, subjectKey, lockType string, ttl time.Duration) (*Lease, error) {
	lease, err := m.tryInsert(ctx, subjectKey, lockType, ttl)
	if err == nil {
		lockAcquisitions.WithLabelValues(lockType, "acquired").Inc()
		return lease, nil
	}
	if !errors.Is(err, ErrHeld) {
		return nil, err
	}

	existing, err := m.store.Get(ctx, subjectKey, lockType)
	if err != nil {
		if errors.Is(err, ErrNotHeld) {
			// Holder released between our insert and read; try once more.
			return m.retryAfterReclaim(ctx, subjectKey, lockType, ttl)
		}
		return nil, fmt.Errorf("lock read failed: %w", err)
	}

	if existing.ExpiresAt.After(m.now()) {
		lockAcquisitions.WithLabelValues(lockType, "contended").Inc()
		return nil, ErrHeld
	}

	// Stale holder: reclaim regardless of who owned it.
	if _, err := m.store.Delete(ctx, subjectKey, lockType, existing.Token); err != nil {
		return nil, fmt.Errorf("stale lock reclaim failed: %w", err)
	}
	return m.retryAfterReclaim(ctx, subjectKey, lockType, ttl)
}

func (m *Manager) retryAfterReclaim(ctx context.Context, subjectKey, lockType string, ttl time.Duration) (*Lease, error) {
	lease, err := m.tryInsert(ctx, subjectKey, lockType, ttl)
	if err != nil {
		if errors.Is(err, ErrHeld) {
			lockAcquisitions.WithLabelValues(lockType, "contended").Inc()
		}
		return nil, err
	}
	lockAcquisitions.WithLabelValues(lockType, "reclaimed").Inc()
	return lease, nil
}

func (m *Manager) tryInsert(ctx context.Context, subjectKey, lockType string, ttl time.Duration) (*Lease, error) {
	row := Row{
		SubjectKey: subjectKey,
		LockType:   lockType,
		Token:      uuid.NewString(),
		ExpiresAt:  m.now().Add(ttl),
	}
	if err := m.store.Insert(ctx, row); err != nil {
		return nil, err
	}
	return &Lease{
		SubjectKey: row.SubjectKey,
		LockType:   row.LockType,
		Token:      row.Token,
		ExpiresAt:  row.ExpiresAt,
	}, nil
}

// Release deletes the lock row if the token still matches. A false return
// means the lock expired and was reclaimed by someone else; that is not an
// error because the lock self-heals.
func (m *Manager) Release(ctx context.Context, lease *Lease) (bool, error) {
	return m.store.Delete(ctx, lease.SubjectKey, lease.LockType, lease.Token)
}

// WithLock runs fn under the lock, retrying acquisition with a fixed delay up
// to MaxRetries. Release always runs, and release failures are logged and
// swallowed since the lock self-expires.
func (m *Manager) WithLock(ctx context.Context, subjectKey string, opts Options, fn func(ctx context.Context) error) error {
	var lease *Lease
	var err error

	for attempt := 0; ; attempt++ {
		lease, err = m.Acquire(ctx, subjectKey, opts.LockType, opts.TTL)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrHeld) {
			return fmt.Errorf("lock acquire failed: %w", err)
		}
		if attempt >= opts.MaxRetries {
			return fmt.Errorf("%w: subject=%s type=%s", ErrNotAcquired, subjectKey, opts.LockType)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.RetryDelay):
		}
	}

	defer func() {
		released, relErr := m.Release(context.WithoutCancel(ctx), lease)
		if relErr != nil {
			m.log.Warn("lock release failed", "subject", subjectKey, "lock_type", opts.LockType, "error", relErr)
		} else if !released {
			m.log.Warn("lock token no longer owned at release", "subject", subjectKey, "lock_type", opts.LockType)
		}
	}()

	return fn(ctx)
}

// RunSweeper periodically deletes expired lock rows until ctx is cancelled.
// Advisory cleanup only; Acquire already self-heals on expired rows.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.DeleteExpired(ctx, m.now())
			if err != nil {
				m.log.Warn("lock sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.log.Debug("swept expired locks", "count", n)
			}
		}
	}
}
