// Package migrations opens the baseline store and brings its schema up to
// date.
package migrations

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/depsync/depsync/internal/config"
	"github.com/depsync/depsync/internal/database"
	"github.com/depsync/depsync/internal/logging"
)

type Migrator struct {
	config  *config.Database
	log     *logging.Logger
	migrate bool
}

func New() *Migrator {
	return &Migrator{log: logging.NewNoop()}
}

func (m *Migrator) WithConfig(c *config.Database) *Migrator {
	m.config = c
	return m
}

func (m *Migrator) WithLogger(log *logging.Logger) *Migrator {
	m.log = log
	return m
}

// WithMigrate controls whether Run applies pending migrations.
func (m *Migrator) WithMigrate(yes bool) *Migrator {
	m.migrate = yes
	return m
}

// Run opens the database and, if enabled, migrates it to the latest version.
// The migration driver is not closed: that would close the database as well.
func (m *Migrator) Run(ctx context.Context) (*database.Database, error) {
	db := database.New().WithConfig(m.config).WithLogger(m.log)
	if err := db.InitDB(ctx); err != nil {
		return nil, err
	}
	if !m.migrate {
		return db, nil
	}

	if err := m.up(db); err != nil {
		db.CloseDB()
		return nil, fmt.Errorf("migrate baseline store: %w", err)
	}
	return db, nil
}

func (m *Migrator) up(db *database.Database) error {
	dialect, err := db.Dialect()
	if err != nil {
		return err
	}

	files, err := Schema(dialect)
	if err != nil {
		return err
	}
	src, err := iofs.New(files, ".")
	if err != nil {
		return err
	}

	var drv migratedb.Driver
	switch dialect {
	case "sqlite":
		drv, err = migratesqlite.WithInstance(db.DB(), &migratesqlite.Config{})
	case "postgresql":
		drv, err = migratepgx.WithInstance(db.DB(), &migratepgx.Config{})
	case "mysql":
		drv, err = migratemysql.WithInstance(db.DB(), &migratemysql.Config{})
	}
	if err != nil {
		return err
	}

	mg, err := migrate.NewWithInstance("iofs", src, dialect, drv)
	if err != nil {
		return err
	}
	mg.Log = &migrateLogger{log: m.log}

	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, dirty, err := mg.Version()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty", version)
	}
	m.log.Debugf("Baseline store schema at version %d", version)
	return nil
}

type migrateLogger struct {
	log *logging.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.log.Debugf(format, v...)
}

func (*migrateLogger) Verbose() bool {
	return false
}
