package sqlstore

import (
	"context"
	"database/sql/driver"
	"fmt"

	"go.uber.org/zap"
)

// LockOwner holds a session-level advisory lock on hashtext(ownerID) on a
// connection taken out of the pool until the returned func runs. Postgres
// only; SQLite deployments lock with files next to the database.
func (s *Store) LockOwner(ctx context.Context, ownerID string) (func(), error) {
	if s.dialect != DriverPostgres {
		return nil, fmt.Errorf("advisory locks need postgres, store is %s", s.dialect)
	}
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, ownerID); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	return func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, ownerID); err != nil {
			s.log.Warn("advisory unlock failed, discarding connection", zap.Error(err))
			// a pooled connection would keep the lock
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}, nil
}
