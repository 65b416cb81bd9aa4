//go:build integration

package dbs

import (
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/depsync/depsync/internal/config"
)

func init() {
	configs["postgres"] = Config{
		Setup: func(t *testing.T) testcontainers.Container {
			ctr, err := postgres.Run(t.Context(), "postgres:17-alpine",
				postgres.WithDatabase("depsync"),
				postgres.WithUsername("depsync"),
				postgres.WithPassword("depsync"),
				postgres.BasicWaitStrategies(),
			)
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
			return ctr
		},
		Cleanup: terminate,
		Database: func(t *testing.T, ctr testcontainers.Container) *config.Database {
			dsn, err := ctr.(*postgres.PostgresContainer).ConnectionString(t.Context(), "sslmode=disable")
			if err != nil {
				t.Fatal(err)
			}
			return &config.Database{SQL: &config.SQLDatabase{Driver: "pgx", DSN: dsn}}
		},
	}

	configs["mysql"] = Config{
		Setup: func(t *testing.T) testcontainers.Container {
			ctr, err := mysql.Run(t.Context(), "mysql:8.4",
				mysql.WithDatabase("depsync"),
				mysql.WithUsername("depsync"),
				mysql.WithPassword("depsync"),
			)
			if err != nil {
				t.Fatalf("start mysql: %v", err)
			}
			return ctr
		},
		Cleanup: terminate,
		Database: func(t *testing.T, ctr testcontainers.Container) *config.Database {
			dsn, err := ctr.(*mysql.MySQLContainer).ConnectionString(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			return &config.Database{SQL: &config.SQLDatabase{Driver: "mysql", DSN: dsn}}
		},
	}
}
