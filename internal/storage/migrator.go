package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

//go:embed migrations/*.sql
var embedded embed.FS

const migrationsDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version UInt32,
	name String,
	applied_at DateTime DEFAULT now()
) ENGINE = MergeTree() ORDER BY version`

// Migration is one NNN_name.sql file.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

type migrationConn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

// Migrator brings the alert schema up to date. Applied versions are
// recorded in schema_migrations and skipped on later runs.
type Migrator struct {
	conn   migrationConn
	source fs.FS
	logger *slog.Logger
}

func NewMigrator(conn migrationConn, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	sub, _ := fs.Sub(embedded, "migrations")
	return &Migrator{conn: conn, source: sub, logger: logger.With("component", "migrator")}
}

// Run applies every migration not yet recorded, lowest version first.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.conn.Exec(ctx, migrationsDDL); err != nil {
		return &OpError{Op: "migrate", Table: "schema_migrations", Kind: ErrQueryFailed, Err: err}
	}
	pending, err := loadMigrations(m.source)
	if err != nil {
		return fmt.Errorf("storage: load migrations: %w", err)
	}
	done, err := m.applied(ctx)
	if err != nil {
		return &OpError{Op: "migrate", Table: "schema_migrations", Kind: ErrQueryFailed, Err: err}
	}

	for _, mig := range pending {
		if done[mig.Version] {
			continue
		}
		for _, stmt := range mig.Statements {
			if err := m.conn.Exec(ctx, stmt); err != nil {
				return &OpError{
					Op:    "migrate",
					Table: mig.Name,
					Kind:  ErrQueryFailed,
					Err:   fmt.Errorf("version %d: %w", mig.Version, err),
				}
			}
		}
		err := m.conn.Exec(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", uint32(mig.Version), mig.Name)
		if err != nil {
			return &OpError{Op: "record", Table: mig.Name, Kind: ErrQueryFailed, Err: err}
		}
		m.logger.Info("migration applied", "version", mig.Version, "name", mig.Name)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]bool, error) {
	rows, err := m.conn.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int]bool{}
	for rows.Next() {
		var v uint32
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[int(v)] = true
	}
	return out, nil
}

// loadMigrations reads every NNN_name.sql in fsys. Files without a
// numeric prefix are ignored.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, file := range names {
		prefix, rest, ok := strings.Cut(strings.TrimSuffix(path.Base(file), ".sql"), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: version, Name: rest, Statements: parseStatements(string(body))})
	}
	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

// parseStatements drops "--" comment lines and splits on semicolons that
// are not inside a quoted literal. A doubled quote is an escaped quote.
func parseStatements(sql string) []string {
	var kept []string
	for _, line := range strings.Split(sql, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "--") {
			kept = append(kept, line)
		}
	}
	sql = strings.Join(kept, "\n")

	var (
		out   []string
		start int
		quote byte
	)
	flush := func(end int) {
		if s := strings.TrimSpace(sql[start:end]); s != "" {
			out = append(out, s)
		}
	}
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote != 0:
			if c == quote {
				if i+1 < len(sql) && sql[i+1] == quote {
					i++
					continue
				}
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ';':
			flush(i)
			start = i + 1
		}
	}
	flush(len(sql))
	return out
}
