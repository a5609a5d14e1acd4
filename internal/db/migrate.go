// Package db embeds the Postgres schema migrations and applies them.
// Each applied file is recorded with its checksum so an edited migration
// fails the next run instead of silently diverging from the live schema.
package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"io/fs"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const ledgerTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  name       text PRIMARY KEY,
  checksum   text NOT NULL,
  applied_at timestamptz NOT NULL DEFAULT now()
)`

// Migration is one embedded schema change, ready to apply.
type Migration struct {
	Name     string
	SQL      string
	Checksum string
}

// Migrations returns the embedded schema changes in apply order.
func Migrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read embedded migrations")
	}

	out := make([]Migration, 0, len(entries))
	for _, e := range entries {
		body, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", e.Name())
		}
		sum := sha256.Sum256(body)
		out = append(out, Migration{
			Name:     e.Name(),
			SQL:      string(body),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Migrate brings the connected database up to the embedded schema and
// returns how many migrations it applied.
func Migrate(ctx context.Context, conn *pgx.Conn, log *zap.SugaredLogger) (int, error) {
	if _, err := conn.Exec(ctx, ledgerTable); err != nil {
		return 0, errors.Wrap(err, "ensure schema_migrations")
	}

	applied, err := appliedChecksums(ctx, conn)
	if err != nil {
		return 0, err
	}

	pending, err := Migrations()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, m := range pending {
		if sum, ok := applied[m.Name]; ok {
			if sum != m.Checksum {
				return n, errors.Newf("migration %s changed after it was applied (ledger %s, file %s)", m.Name, sum, m.Checksum)
			}
			continue
		}

		start := time.Now()
		if _, err := conn.Exec(ctx, m.SQL); err != nil {
			return n, errors.Wrapf(err, "apply %s", m.Name)
		}
		if _, err := conn.Exec(ctx,
			`INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`,
			m.Name, m.Checksum); err != nil {
			return n, errors.Wrapf(err, "record %s", m.Name)
		}
		n++
		log.Infow("migration applied", "name", m.Name, "took", time.Since(start).Round(time.Millisecond))
	}
	return n, nil
}

func appliedChecksums(ctx context.Context, conn *pgx.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, `SELECT name, checksum FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "select schema_migrations")
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, sum string
		if err := rows.Scan(&name, &sum); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		out[name] = sum
	}
	return out, rows.Err()
}
