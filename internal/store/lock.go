package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// LockStore binds heartbeat operations to one deployment namespace.
type LockStore struct {
	store     *Store
	namespace string
}

// Lock returns a namespaced view over the shared heartbeat row.
func (s *Store) Lock(namespace string) *LockStore {
	return &LockStore{store: s, namespace: namespace}
}

// TryAcquire attempts to take the lock in a single conditional statement.
// It succeeds against an empty namespace, against a row we already hold, or
// against a holder whose heartbeat went stale (takeover: a crashed holder
// cannot release gracefully, so the row is overwritten in place).
func (l *LockStore) TryAcquire(ctx context.Context, holderID string, staleThreshold time.Duration) (bool, error) {
	tag, err := l.store.pool.Exec(ctx, `
		INSERT INTO lock_heartbeat (namespace, holder_id, acquired_at, last_heartbeat_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (namespace) DO UPDATE
		SET holder_id = $2, acquired_at = NOW(), last_heartbeat_at = NOW()
		WHERE lock_heartbeat.holder_id = $2
		   OR lock_heartbeat.last_heartbeat_at < NOW() - ($3::float8 * interval '1 second')
	`, l.namespace, holderID, staleThreshold.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Touch refreshes the heartbeat timestamp. It returns false if the row no
// longer names this holder, which means the lock was taken over.
func (l *LockStore) Touch(ctx context.Context, holderID string) (bool, error) {
	tag, err := l.store.pool.Exec(ctx, `
		UPDATE lock_heartbeat SET last_heartbeat_at = NOW()
		WHERE namespace = $1 AND holder_id = $2
	`, l.namespace, holderID)
	if err != nil {
		return false, fmt.Errorf("touch heartbeat: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// HeartbeatAge reports how long ago the current holder last heartbeated.
// The second return is false when no heartbeat row exists yet.
func (l *LockStore) HeartbeatAge(ctx context.Context) (time.Duration, bool, error) {
	var seconds float64
	err := l.store.pool.QueryRow(ctx, `
		SELECT EXTRACT(EPOCH FROM (NOW() - last_heartbeat_at))::float8
		FROM lock_heartbeat WHERE namespace = $1
	`, l.namespace).Scan(&seconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query heartbeat age: %w", err)
	}
	return time.Duration(seconds * float64(time.Second)), true, nil
}
