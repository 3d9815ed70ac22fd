// Package migrate applies SQL schema migrations and idempotent seed
// scripts for the auth database.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// Advisory lock key so concurrent API replicas cannot race the
	// migrator. Arbitrary but stable.
	advisoryLockKey = 0x41757468 // "Auth"
)

// Runner executes versioned migrations and seed scripts stored on disk.
// Applied files are recorded together with a content checksum: editing an
// already-applied migration in place is reported as drift instead of being
// silently ignored.
type Runner struct {
	db              *sql.DB
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
}

// Option configures a Runner.
type Option func(*Runner)

// WithMigrationsTable overrides the bookkeeping table for migrations.
func WithMigrationsTable(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the bookkeeping table for seeds.
func WithSeedsTable(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.seedsTable = name
		}
	}
}

// NewRunner constructs a Runner over an open database handle.
func NewRunner(db *sql.DB, migrationsDir, seedsDir string, opts ...Option) *Runner {
	r := &Runner{
		db:              db,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Up applies every pending .up.sql migration in lexical order.
func (r *Runner) Up(ctx context.Context) error {
	return r.withLock(ctx, func(ctx context.Context) error {
		applied, err := r.applied(ctx, r.migrationsTable)
		if err != nil {
			return err
		}
		scripts, err := loadScripts(r.migrationsDir, ".up.sql")
		if err != nil {
			return err
		}
		for _, script := range scripts {
			if sum, ok := applied[script.name]; ok {
				if sum != script.checksum {
					return fmt.Errorf("migration %s was modified after being applied", script.name)
				}
				continue
			}
			if err := r.apply(ctx, r.migrationsTable, script); err != nil {
				return fmt.Errorf("apply migration %s: %w", script.name, err)
			}
		}
		return nil
	})
}

// Down rolls back the most recently applied migration using its .down.sql
// counterpart.
func (r *Runner) Down(ctx context.Context) error {
	return r.withLock(ctx, func(ctx context.Context) error {
		history, err := r.history(ctx, r.migrationsTable)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return errors.New("no migrations applied")
		}
		last := history[len(history)-1]
		downName := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
		script, err := loadScript(filepath.Join(r.migrationsDir, downName))
		if err != nil {
			return fmt.Errorf("missing down migration for %s: %w", last, err)
		}
		if err := r.execScript(ctx, script); err != nil {
			return fmt.Errorf("rollback migration %s: %w", last, err)
		}
		_, err = r.db.ExecContext(ctx,
			fmt.Sprintf(`delete from %s where name = $1`, r.migrationsTable), last)
		return err
	})
}

// Status returns applied migrations in application order.
func (r *Runner) Status(ctx context.Context) ([]string, error) {
	if err := r.ensureTables(ctx); err != nil {
		return nil, err
	}
	return r.history(ctx, r.migrationsTable)
}

// Seed applies seed scripts that have not run yet. Seeds are expected to
// be idempotent anyway; the bookkeeping just avoids replaying them.
func (r *Runner) Seed(ctx context.Context) error {
	return r.withLock(ctx, func(ctx context.Context) error {
		applied, err := r.applied(ctx, r.seedsTable)
		if err != nil {
			return err
		}
		scripts, err := loadScripts(r.seedsDir, ".sql")
		if err != nil {
			return err
		}
		for _, script := range scripts {
			if _, ok := applied[script.name]; ok {
				continue
			}
			if err := r.apply(ctx, r.seedsTable, script); err != nil {
				return fmt.Errorf("apply seed %s: %w", script.name, err)
			}
		}
		return nil
	})
}

func (r *Runner) withLock(ctx context.Context, fn func(context.Context) error) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, advisoryLockKey)
	}()
	return fn(ctx)
}

func (r *Runner) ensureTables(ctx context.Context) error {
	for _, table := range []string{r.migrationsTable, r.seedsTable} {
		ddl := fmt.Sprintf(`
			create table if not exists %s (
				name text primary key,
				checksum text not null default '',
				applied_at timestamptz not null default now()
			);`, table)
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// apply runs a script inside a transaction and records it on success.
func (r *Runner) apply(ctx context.Context, table string, s script) error {
	if err := r.execScript(ctx, s); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`insert into %s (name, checksum, applied_at) values ($1, $2, $3)`, table),
		s.name, s.checksum, time.Now().UTC())
	return err
}

func (r *Runner) execScript(ctx context.Context, s script) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(s.body) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Runner) applied(ctx context.Context, table string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`select name, checksum from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]string)
	for rows.Next() {
		var name, checksum string
		if err := rows.Scan(&name, &checksum); err != nil {
			return nil, err
		}
		result[name] = checksum
	}
	return result, rows.Err()
}

func (r *Runner) history(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type script struct {
	name     string
	body     string
	checksum string
}

func loadScript(path string) (script, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return script{}, err
	}
	sum := sha256.Sum256(body)
	return script{
		name:     filepath.Base(path),
		body:     string(body),
		checksum: hex.EncodeToString(sum[:]),
	}, nil
}

func loadScripts(dir, suffix string) ([]script, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var scripts []script
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		s, err := loadScript(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].name < scripts[j].name })
	return scripts, nil
}

// splitStatements splits a script on semicolons outside string literals.
// Good enough for the DDL and seed files this project carries.
func splitStatements(body string) []string {
	var stmts []string
	var current strings.Builder
	inString := false
	for _, r := range body {
		switch r {
		case '\'':
			inString = !inString
			current.WriteRune(r)
		case ';':
			current.WriteRune(r)
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
