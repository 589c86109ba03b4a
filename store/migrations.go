package store

import (
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"pixelpipe.3jms.dev/common"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationVersionKey = "migration_version"

type migration struct {
	version int
	name    string
	sql     string
}

// loadMigrations reads the embedded SQL files and orders them by their
// numeric prefix. A file without a parseable prefix is a packaging bug.
func loadMigrations() ([]migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, found := strings.Cut(name, "_")
		if !found {
			return nil, fmt.Errorf("migration %s has no numeric prefix", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s has no numeric prefix: %w", name, err)
		}
		data, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, migration{version: version, name: name, sql: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate brings the schema up to the latest embedded migration. The current
// version lives in the metadata table; each pending file runs in its own
// transaction so a failure leaves the database at the last good version.
func Migrate(db *gorm.DB) error {
	if err := db.Exec(
		`CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
	).Error; err != nil {
		return fmt.Errorf("create metadata table: %w", err)
	}

	current := 0
	var value string
	row := db.Raw(`SELECT value FROM metadata WHERE key = ?`, migrationVersionKey).Row()
	if err := row.Scan(&value); err == nil {
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("corrupt %s %q: %w", migrationVersionKey, value, err)
		}
		current = v
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(m.sql).Error; err != nil {
				return fmt.Errorf("apply %s: %w", m.name, err)
			}
			if err := tx.Exec(
				`INSERT INTO metadata (key, value) VALUES (?, ?)
				 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
				migrationVersionKey, strconv.Itoa(m.version),
			).Error; err != nil {
				return fmt.Errorf("record version %d: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		common.Logger.WithField("migration", m.name).Info("applied schema migration")
		current = m.version
	}
	return nil
}

// SchemaVersion returns the applied migration version, 0 before any migration.
func SchemaVersion(db *gorm.DB) (int, error) {
	var value string
	row := db.Raw(`SELECT value FROM metadata WHERE key = ?`, migrationVersionKey).Row()
	if err := row.Scan(&value); err != nil {
		return 0, nil
	}
	return strconv.Atoi(value)
}
