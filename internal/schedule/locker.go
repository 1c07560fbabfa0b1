package schedule

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// ErrLocked is returned by WithTxLock when another transaction holds the lock.
var ErrLocked = errors.New("advisory lock held by another session")

// WithTxLock opens a transaction and takes pg_try_advisory_xact_lock on a hash
// of key. If the lock is obtained it calls fn(tx) and commits; otherwise it
// returns ErrLocked without calling fn.
func WithTxLock(ctx context.Context, db *sql.DB, key string, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	var locked bool
	if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, LockKey(key)).Scan(&locked); err != nil {
		return errors.Wrap(err, "advisory lock")
	}
	if !locked {
		return ErrLocked
	}

	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// LockKey produces a signed 64-bit advisory lock key from s.
func LockKey(s string) int64 {
	h := sha1.Sum([]byte(s))
	return int64(binary.BigEndian.Uint64(h[0:8]))
}
