package migrations

// NOTE: Applied migrations may not be changed. Add a new step instead.

import (
	"fmt"
	"io/fs"
	"testing/fstest"
)

type step struct {
	name string
	up   map[string]string // dialect -> statement
	down map[string]string
}

var steps = []step{
	{
		name: "baselines",
		up: map[string]string{
			"sqlite":     `CREATE TABLE IF NOT EXISTS baselines (path TEXT NOT NULL PRIMARY KEY, digest TEXT NOT NULL, updated_at INTEGER NOT NULL)`,
			"postgresql": `CREATE TABLE IF NOT EXISTS baselines (path VARCHAR(1024) NOT NULL PRIMARY KEY, digest VARCHAR(64) NOT NULL, updated_at BIGINT NOT NULL)`,
			"mysql":      `CREATE TABLE IF NOT EXISTS baselines (path VARCHAR(512) NOT NULL PRIMARY KEY, digest VARCHAR(64) NOT NULL, updated_at BIGINT NOT NULL)`,
		},
		down: map[string]string{
			"sqlite":     `DROP TABLE baselines`,
			"postgresql": `DROP TABLE baselines`,
			"mysql":      `DROP TABLE baselines`,
		},
	},
}

// Schema returns the migration files for dialect, named the way the
// golang-migrate file sources expect them.
func Schema(dialect string) (fs.FS, error) {
	files := make(fstest.MapFS, 2*len(steps))
	for i, s := range steps {
		up, ok := s.up[dialect]
		if !ok {
			return nil, fmt.Errorf("unsupported dialect: %s", dialect)
		}
		files[fmt.Sprintf("%03d_%s.up.sql", i+1, s.name)] = &fstest.MapFile{Data: []byte(up)}
		files[fmt.Sprintf("%03d_%s.down.sql", i+1, s.name)] = &fstest.MapFile{Data: []byte(s.down[dialect])}
	}
	return files, nil
}
