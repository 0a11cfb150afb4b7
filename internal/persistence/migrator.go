package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID keys the advisory lock held while the schema changes, so
// two ledger processes starting together do not race on the same file.
const migrationLockID = 0x636c6561

// migration is one numbered schema step found on disk.
type migration struct {
	version string
	name    string
	up      string
	down    string
}

// Migrator walks a directory of {version}_{name}.up.sql / .down.sql pairs
// and applies them against Postgres in version order.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, dir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: dir, logger: logger.With().Str("component", "migrator").Logger()}
}

// MigrationStatus reports a schema step and whether the database has it.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

// Up brings the schema to the newest version on disk.
func (m *Migrator) Up(ctx context.Context) error {
	steps, err := scanMigrations(m.dir)
	if err != nil {
		return err
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		done, err := loadApplied(ctx, conn)
		if err != nil {
			return err
		}

		var ran int
		for _, step := range steps {
			if done[step.version] {
				continue
			}
			if err := m.apply(ctx, conn, step.up, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO clear_migrations (version, filename) VALUES ($1, $2)`,
					step.version, filepath.Base(step.up))
				return err
			}); err != nil {
				return fmt.Errorf("migration %s_%s: %w", step.version, step.name, err)
			}
			m.logger.Info().Str("version", step.version).Str("name", step.name).Msg("schema step applied")
			ran++
		}

		m.logger.Info().Int("ran", ran).Int("known", len(steps)).Msg("schema current")
		return nil
	})
}

// Down reverts the most recently applied step. It is a no-op on an empty schema.
func (m *Migrator) Down(ctx context.Context) error {
	steps, err := scanMigrations(m.dir)
	if err != nil {
		return err
	}
	byVersion := make(map[string]migration, len(steps))
	for _, s := range steps {
		byVersion[s.version] = s
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM clear_migrations ORDER BY version DESC LIMIT 1`).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("nothing to revert")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		step, ok := byVersion[version]
		if !ok {
			return fmt.Errorf("migration %s is applied but has no files in %s", version, m.dir)
		}
		if err := m.apply(ctx, conn, step.down, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM clear_migrations WHERE version = $1`, version)
			return err
		}); err != nil {
			return fmt.Errorf("revert %s_%s: %w", step.version, step.name, err)
		}

		m.logger.Info().Str("version", version).Str("name", step.name).Msg("schema step reverted")
		return nil
	})
}

// Status pairs every step on disk with its applied flag.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	steps, err := scanMigrations(m.dir)
	if err != nil {
		return nil, err
	}

	var out []MigrationStatus
	err = m.locked(ctx, func(conn *sql.Conn) error {
		done, err := loadApplied(ctx, conn)
		if err != nil {
			return err
		}
		out = make([]MigrationStatus, len(steps))
		for i, s := range steps {
			out[i] = MigrationStatus{Version: s.version, Filename: filepath.Base(s.up), Applied: done[s.version]}
		}
		return nil
	})
	return out, err
}

// locked runs fn on a single connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			m.logger.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS clear_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}
	return fn(conn)
}

// apply executes a SQL file and its bookkeeping statement atomically.
func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, path string, record func(*sql.Tx) error) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := record(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func loadApplied(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM clear_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	done := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[v] = true
	}
	return done, rows.Err()
}

// scanMigrations reads dir and returns the steps sorted by version. Every
// up file needs a matching down file.
func scanMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	found := map[string]*migration{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base, isUp := strings.CutSuffix(e.Name(), ".up.sql")
		if !isUp {
			var isDown bool
			if base, isDown = strings.CutSuffix(e.Name(), ".down.sql"); !isDown {
				continue
			}
		}
		version, name, ok := strings.Cut(base, "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("migration file %q is not {version}_{name}", e.Name())
		}

		step := found[version]
		if step == nil {
			step = &migration{version: version, name: name}
			found[version] = step
		}
		if isUp {
			step.up = filepath.Join(dir, e.Name())
		} else {
			step.down = filepath.Join(dir, e.Name())
		}
	}

	steps := make([]migration, 0, len(found))
	for _, s := range found {
		if s.up == "" || s.down == "" {
			return nil, fmt.Errorf("migration %s_%s needs both up and down files", s.version, s.name)
		}
		steps = append(steps, *s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}
