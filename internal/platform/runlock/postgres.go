package runlock

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLocker uses session-scoped advisory locks. Each lease pins one pooled
// connection for its lifetime; if that connection drops, Postgres releases the
// lock.
type PGLocker struct {
	pool *pgxpool.Pool
}

func NewPGLocker(pool *pgxpool.Pool) *PGLocker {
	return &PGLocker{pool: pool}
}

// AdvisoryKey maps a run id onto the bigint advisory-lock keyspace.
func AdvisoryKey(runID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("migration-run:" + runID))
	return int64(h.Sum64())
}

func (l *PGLocker) TryAcquire(ctx context.Context, runID string) (Lease, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for run lock: %w", err)
	}
	key := AdvisoryKey(runID)

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, ErrLocked
	}
	return &pgLease{conn: conn, key: key}, nil
}

type pgLease struct {
	conn *pgxpool.Conn
	key  int64
}

// Extend checks that the session holding the lock is still alive.
func (p *pgLease) Extend(ctx context.Context) error {
	if p.conn == nil {
		return ErrNotHeld
	}
	if err := p.conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotHeld, err)
	}
	return nil
}

func (p *pgLease) Release(ctx context.Context) error {
	if p.conn == nil {
		return nil
	}
	conn := p.conn
	p.conn = nil
	_, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", p.key)
	if err != nil {
		// The session may still hold the lock; drop it so Postgres frees it.
		conn.Hijack().Close(context.Background())
		return fmt.Errorf("advisory unlock: %w", err)
	}
	conn.Release()
	return nil
}
