// Package dbs lists the databases the baseline store is tested against.
// SQLite is always available; Postgres and MySQL are started in containers
// when building with the integration tag.
package dbs

import (
	"path/filepath"
	"testing"

	"github.com/testcontainers/testcontainers-go"

	"github.com/depsync/depsync/internal/config"
)

type Config struct {
	Setup    func(*testing.T) testcontainers.Container
	Cleanup  func(*testing.T, testcontainers.Container) func()
	Database func(*testing.T, testcontainers.Container) *config.Database
}

var configs = map[string]Config{
	"sqlite": {
		Database: func(t *testing.T, _ testcontainers.Container) *config.Database {
			return &config.Database{SQL: &config.SQLDatabase{
				Driver: "sqlite",
				DSN:    filepath.Join(t.TempDir(), "baselines.db"),
			}}
		},
	},
}

func Configs(t *testing.T) map[string]Config {
	t.Helper()
	return configs
}

func terminate(t *testing.T, ctr testcontainers.Container) func() {
	return func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("terminate container: %v", err)
		}
	}
}
