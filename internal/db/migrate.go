// Package db owns the Postgres schema. Migrations are embedded in the binary
// and applied in file name order; each one is recorded with its checksum.
package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Conn is the part of *pgx.Conn the migrator needs.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Migration struct {
	Name     string
	SQL      string
	Checksum string
}

// Migrations returns the embedded migrations sorted by name.
func Migrations() ([]Migration, error) {
	return load(embedded, "migrations")
}

func load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}
	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		b, err := fs.ReadFile(fsys, dir+"/"+e.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", e.Name())
		}
		sum := sha256.Sum256(b)
		out = append(out, Migration{Name: e.Name(), SQL: string(b), Checksum: hex.EncodeToString(sum[:])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Apply runs every migration not yet recorded in schema_migrations. A recorded
// migration whose checksum changed is an error.
func Apply(ctx context.Context, conn Conn, log zerolog.Logger) (int, error) {
	ms, err := Migrations()
	if err != nil {
		return 0, err
	}
	return apply(ctx, conn, ms, log)
}

func apply(ctx context.Context, conn Conn, ms []Migration, log zerolog.Logger) (int, error) {
	_, err := conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  filename text PRIMARY KEY,
  checksum text NOT NULL,
  applied_at timestamptz NOT NULL DEFAULT now()
)`)
	if err != nil {
		return 0, errors.Wrap(err, "create schema_migrations")
	}

	applied := map[string]string{}
	rows, err := conn.Query(ctx, `SELECT filename, checksum FROM schema_migrations`)
	if err != nil {
		return 0, errors.Wrap(err, "select schema_migrations")
	}
	for rows.Next() {
		var fn, sum string
		if err := rows.Scan(&fn, &sum); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scan schema_migrations")
		}
		applied[fn] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "select schema_migrations")
	}

	n := 0
	for _, m := range ms {
		if prev, ok := applied[m.Name]; ok {
			if prev != m.Checksum {
				return n, errors.Newf("migration %s already applied with different checksum (got %s, have %s)", m.Name, m.Checksum, prev)
			}
			log.Debug().Str("migration", m.Name).Msg("already applied")
			continue
		}
		start := time.Now()
		if _, err := conn.Exec(ctx, m.SQL); err != nil {
			return n, errors.Wrapf(err, "exec %s", m.Name)
		}
		if _, err := conn.Exec(ctx, `INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)`, m.Name, m.Checksum); err != nil {
			return n, errors.Wrapf(err, "record %s", m.Name)
		}
		n++
		log.Info().Str("migration", m.Name).Dur("took", time.Since(start).Round(time.Millisecond)).Msg("applied")
	}
	return n, nil
}
