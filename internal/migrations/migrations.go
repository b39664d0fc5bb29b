// Package migrations applies the embedded V<n>__name.sql files in version
// order and records each one in schema_migrations.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed sql/*.sql
var embedded embed.FS

type migration struct {
	Name    string
	Version string
	SQL     string
}

// Apply runs every embedded migration not yet recorded.
func Apply(ctx context.Context, db *sqlx.DB) error {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		return err
	}
	return ApplyFS(ctx, db, sub)
}

func ApplyFS(ctx context.Context, db *sqlx.DB, fsys fs.FS) error {
	if err := ensureTable(ctx, db); err != nil {
		return err
	}
	migs, err := listMigrations(fsys)
	if err != nil {
		return err
	}
	applied := map[string]bool{}
	versions := []string{}
	if err := db.SelectContext(ctx, &versions, `SELECT version FROM schema_migrations`); err != nil {
		return err
	}
	for _, version := range versions {
		applied[version] = true
	}
	for _, mig := range migs {
		if applied[mig.Version] {
			continue
		}
		if err := applyMigration(ctx, db, mig); err != nil {
			return err
		}
	}
	return nil
}

func ensureTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

func listMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	migs := make([]migration, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version := parseVersion(name)
		if _, ok := parseVersionNumber(version); !ok {
			return nil, fmt.Errorf("migration %s: name must look like V<n>__description.sql", name)
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		migs = append(migs, migration{Name: name, Version: version, SQL: string(content)})
	}
	sort.Slice(migs, func(i, j int) bool {
		iv, _ := parseVersionNumber(migs[i].Version)
		jv, _ := parseVersionNumber(migs[j].Version)
		if iv != jv {
			return iv < jv
		}
		return migs[i].Name < migs[j].Name
	})
	for i := 1; i < len(migs); i++ {
		if migs[i].Version == migs[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %s", migs[i].Version)
		}
	}
	return migs, nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, mig migration) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return fmt.Errorf("apply %s: %w", mig.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.Version, mig.Name); err != nil {
		return err
	}
	return tx.Commit()
}

func parseVersion(name string) string {
	if !strings.HasPrefix(name, "V") {
		return ""
	}
	parts := strings.SplitN(name[1:], "__", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[0])
}

func parseVersionNumber(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}
