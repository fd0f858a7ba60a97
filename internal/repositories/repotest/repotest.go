// Package repotest opens a migrated Postgres database for repository
// integration tests. Tests skip unless DB_HOST is set and skip in -short mode.
package repotest

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/database"
)

var Logger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

// Open connects with the DB_* environment, applies every migration under
// db/pg and closes the pool when the test ends.
func Open(t *testing.T) database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	if os.Getenv("DB_HOST") == "" {
		t.Skip("DB_HOST not set")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	db, err := sqlx.Open(cfg.DatabaseDriver, cfg.DatabaseDSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Ping())

	migrations := database.NewMigrationService(Logger, &database.MigrationConfig{
		MigrationFolderPath: migrationFolder(),
		AutoRollback:        true,
	})
	require.NoError(t, migrations.Migrate(cfg.DatabaseName, db.DB))

	return database.NewDatabaseInstance(db, Logger)
}

func migrationFolder() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "db", "pg")
}
