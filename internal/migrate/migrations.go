// Package migrate applies the embedded schema scripts. The schema lives
// entirely in sql/; code never issues DDL outside this package.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// step is one versioned schema script. The version is the numeric prefix
// of the filename (0001_init.sql -> 1).
type step struct {
	version int
	name    string
	script  string
}

func loadSteps() ([]step, error) {
	names, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	steps := make([]step, 0, len(names))
	for _, path := range names {
		data, err := schemaFS.ReadFile(path)
		if err != nil {
			return nil, err
		}
		base := strings.TrimPrefix(path, "sql/")
		prefix, _, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", base)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", base, err)
		}
		steps = append(steps, step{version: v, name: base, script: string(data)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// Migrate brings the database to the latest schema version. All pending
// steps run inside a single transaction against the schema_version
// bookkeeping row, so a failed step leaves the schema untouched.
func Migrate(db *sql.DB) error {
	steps, err := loadSteps()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, s := range steps {
		if s.version <= current {
			continue
		}
		if _, err := tx.Exec(s.script); err != nil {
			return fmt.Errorf("migration %s: %w", s.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, s.version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		current = s.version
	}
	return tx.Commit()
}
