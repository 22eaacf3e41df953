package pgstore

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strings"
	gosync "sync"
	"time"
)

// baselineLockKey guards the "store is empty" decision of baseline commits.
var baselineLockKey = ScanLockKey("\x00baseline")

// ScanLockKey derives the advisory lock key guarding imports of one scan.
func ScanLockKey(scanID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("poam-import"))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(scanID))))
	return int64(h.Sum64())
}

// TryLockScan takes a session-level advisory lock on a dedicated connection. The lock is
// held until release is called.
func (s *Store) TryLockScan(ctx context.Context, scanID string) (func(), bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, errors.New("pgstore: pool is nil")
	}
	key := ScanLockKey(scanID)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	var once gosync.Once
	release := func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
				slog.Warn("failed to release scan lock", "scan_id", scanID, "err", err)
			}
			conn.Release()
		})
	}
	return release, true, nil
}
