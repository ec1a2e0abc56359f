// Package migrate owns the storage schema. Every instance runs Migrate on connect, so an
// upgraded binary brings an older database forward, and a database written by a newer
// binary is refused rather than used with a schema this one does not know.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embedded embed.FS

// ErrSchemaTooNew means the database was migrated past the newest known version.
var ErrSchemaTooNew = errors.New("database schema is newer than this binary")

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// Status describes one Migrate run.
type Status struct {
	From    int
	To      int
	Applied []string
}

// Migrate applies pending embedded migrations in one transaction.
func Migrate(ctx context.Context, db *sql.DB) (Status, error) {
	migrations, err := load(embedded, "sql")
	if err != nil {
		return Status{}, err
	}
	return apply(ctx, db, migrations)
}

// Latest is the newest embedded schema version.
func Latest() (int, error) {
	migrations, err := load(embedded, "sql")
	if err != nil || len(migrations) == 0 {
		return 0, err
	}
	return migrations[len(migrations)-1].Version, nil
}

// load reads <version>_<name>.sql files from dir, ordered by version.
func load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var migrations []Migration
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: name must start with a positive version and an underscore", e.Name())
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, e.Name(), v)
		}
		seen[v] = e.Name()
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Version: v, Name: e.Name(), UpSQL: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func apply(ctx context.Context, db *sql.DB, migrations []Migration) (Status, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Status{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return Status{}, fmt.Errorf("create schema_version: %w", err)
	}
	var st Status
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&st.From)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return Status{}, fmt.Errorf("init schema_version: %w", err)
		}
	case err != nil:
		return Status{}, fmt.Errorf("read schema_version: %w", err)
	}
	if n := len(migrations); n > 0 && st.From > migrations[n-1].Version {
		return Status{}, fmt.Errorf("%w: database at version %d, newest known %d", ErrSchemaTooNew, st.From, migrations[n-1].Version)
	}

	st.To = st.From
	for _, m := range migrations {
		if m.Version <= st.From {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			return Status{}, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version=?`, m.Version); err != nil {
			return Status{}, fmt.Errorf("update schema_version: %w", err)
		}
		st.To = m.Version
		st.Applied = append(st.Applied, m.Name)
	}
	if err := tx.Commit(); err != nil {
		return Status{}, err
	}
	return st, nil
}
