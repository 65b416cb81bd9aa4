package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/achille-roussel/sqlrange"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/stdlib" // database/sql compatible driver for pgx
	sqldblogger "github.com/simukti/sqldb-logger"
	"github.com/simukti/sqldb-logger/logadapter/zerologadapter"
	sqlitedriver "modernc.org/sqlite"

	"github.com/depsync/depsync/internal/config"
	"github.com/depsync/depsync/internal/logging"
)

const (
	sqlite = iota
	postgres
	mysql
)

const SQLiteMemoryOnlyDSN = "file::memory:?cache=shared"

// Database stores fingerprint baselines. It hides the differences between
// the supported SQL databases from the rest of the codebase.
type Database struct {
	db     *sql.DB
	config *config.Database
	kind   int
	log    *logging.Logger
}

// Baseline is the fingerprint of a working copy taken right after it was
// last synchronized.
type Baseline struct {
	Path      string `sql:"path"`
	Digest    string `sql:"digest"`
	UpdatedAt int64  `sql:"updated_at"` // unix milliseconds
}

func (b Baseline) Updated() time.Time {
	return time.UnixMilli(b.UpdatedAt)
}

func New() *Database {
	return &Database{log: logging.NewNoop()}
}

func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Dialect() (string, error) {
	switch d.kind {
	case sqlite:
		return "sqlite", nil
	case postgres:
		return "postgresql", nil
	case mysql:
		return "mysql", nil
	default:
		return "", fmt.Errorf("unknown kind: %d", d.kind)
	}
}

func (d *Database) WithConfig(config *config.Database) *Database {
	d.config = config
	return d
}

func (d *Database) WithLogger(log *logging.Logger) *Database {
	d.log = log
	return d
}

// InitDB opens the configured database. Statements are logged at debug level
// through the database logger.
func (d *Database) InitDB(ctx context.Context) error {
	var dsn string
	if d.config != nil && d.config.SQL != nil {
		dsn = os.ExpandEnv(d.config.SQL.DSN)
	}

	lg := zerologadapter.New(d.log.Zerolog())
	opts := []sqldblogger.Option{
		sqldblogger.WithMinimumLevel(sqldblogger.LevelDebug),
		sqldblogger.WithSQLQueryAsMessage(true),
	}

	switch {
	case d.config == nil || d.config.SQL == nil:
		// Default to memory-only SQLite if no config is provided.
		fallthrough
	case d.config.SQL.Driver == "sqlite3" || d.config.SQL.Driver == "sqlite":
		if dsn == "" {
			dsn = SQLiteMemoryOnlyDSN
		}
		if path := sqlitePath(dsn); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
		}
		d.kind = sqlite
		d.db = sqldblogger.OpenDriver(dsn, &sqlitedriver.Driver{}, lg, opts...)
		// Writers would fail with SQLITE_BUSY on a shared file otherwise.
		d.db.SetMaxOpenConns(1)

	case d.config.SQL.Driver == "postgres" || d.config.SQL.Driver == "pgx":
		d.kind = postgres
		d.db = sqldblogger.OpenDriver(dsn, stdlib.GetDefaultDriver(), lg, opts...)

	case d.config.SQL.Driver == "mysql":
		if _, err := mysqldriver.ParseDSN(dsn); err != nil {
			return err
		}
		d.kind = mysql
		d.db = sqldblogger.OpenDriver(dsn, &mysqldriver.MySQLDriver{}, lg, opts...)

	default:
		return errors.New("unsupported database connection type")
	}

	if err := d.db.PingContext(ctx); err != nil {
		d.db.Close()
		return fmt.Errorf("connect to %s database: %w", d.driverName(), err)
	}
	d.log.Debugf("Connected to %s baseline store", d.driverName())
	return nil
}

func (d *Database) driverName() string {
	name, _ := d.Dialect()
	return name
}

// sqlitePath returns the file behind a SQLite DSN, or "" for in-memory
// databases.
func sqlitePath(dsn string) string {
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

func (d *Database) CloseDB() {
	if d.db != nil {
		d.db.Close()
	}
}

// GetBaseline returns the baseline stored for path. The bool is false if
// there is none.
func (d *Database) GetBaseline(ctx context.Context, path string) (string, bool, error) {
	return tx3(ctx, d, func(tx *sql.Tx) (string, bool, error) {
		var digest string
		err := tx.QueryRowContext(ctx, `SELECT digest FROM baselines WHERE path = `+d.arg(0), Key(path)).Scan(&digest)
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		} else if err != nil {
			return "", false, err
		}
		return digest, true, nil
	})
}

// PutBaseline stores digest as the baseline of path, replacing any previous one.
func (d *Database) PutBaseline(ctx context.Context, path, digest string) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		return d.upsert(ctx, tx, "baselines", []string{"path", "digest", "updated_at"}, []string{"path"},
			Key(path), digest, time.Now().UnixMilli())
	})
}

// DeleteBaseline forgets the baseline of path. Deleting a missing baseline
// is not an error.
func (d *Database) DeleteBaseline(ctx context.Context, path string) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		return d.delete(ctx, tx, "baselines", "path", Key(path))
	})
}

// ListBaselines iterates over all baselines ordered by path.
func (d *Database) ListBaselines(ctx context.Context) iter.Seq2[Baseline, error] {
	return sqlrange.QueryContext[Baseline](ctx,
		d.db,
		`SELECT path, digest, updated_at FROM baselines ORDER BY path`)
}

// Key normalizes a working copy path so that the same directory always maps
// to the same row.
func Key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return filepath.ToSlash(filepath.Clean(path))
}

func (d *Database) upsert(ctx context.Context, tx *sql.Tx, table string, columns []string, primaryKey []string, values ...any) error {
	var query string
	switch d.kind {
	case sqlite:
		query = fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`, table, strings.Join(columns, ", "),
			strings.Join(d.args(len(columns)), ", "))

	case postgres:
		set := make([]string, 0, len(columns))
		for i := range columns {
			if !slices.Contains(primaryKey, columns[i]) { // do not update primary key columns
				set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", columns[i], columns[i]))
			}
		}

		placeholders := d.args(len(columns))

		if len(set) == 0 {
			query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING`, table, strings.Join(columns, ", "),
				strings.Join(placeholders, ", "),
				strings.Join(primaryKey, ", "))
		} else {
			query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`, table, strings.Join(columns, ", "),
				strings.Join(placeholders, ", "),
				strings.Join(primaryKey, ", "),
				strings.Join(set, ", "))
		}

	case mysql:
		set := make([]string, 0, len(columns))
		for i := range columns {
			set = append(set, fmt.Sprintf("%s = VALUES(%s)", columns[i], columns[i]))
		}

		query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s`, table, strings.Join(columns, ", "),
			strings.Join(d.args(len(columns)), ", "),
			strings.Join(set, ", "))
	}

	_, err := tx.ExecContext(ctx, query, values...)
	return err
}

func (d *Database) delete(ctx context.Context, tx *sql.Tx, table, keyColumn string, keyValue any) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", table, keyColumn, d.arg(0))
	_, err := tx.ExecContext(ctx, query, keyValue)
	return err
}

func (d *Database) arg(i int) string {
	if d.kind == postgres {
		return "$" + strconv.Itoa(i+1)
	}
	return "?"
}

func (d *Database) args(n int) []string {
	args := make([]string, n)
	for i := range n {
		args[i] = d.arg(i)
	}

	return args
}

func tx1(ctx context.Context, db *Database, f func(*sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := f(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func tx3[T any, U bool | string](ctx context.Context, db *Database, f func(*sql.Tx) (T, U, error)) (T, U, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		var t T
		var u U
		return t, u, err
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, result2, err := f(tx)
	if err != nil {
		var t T
		var u U
		return t, u, err
	}

	if err = tx.Commit(); err != nil {
		var t T
		var u U
		return t, u, err
	}

	return result, result2, nil
}
