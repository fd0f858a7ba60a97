package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

var upMigration = regexp.MustCompile(`^(\d+)_.+\.up\.sql$`)

// migrateLogger adapts ectologger to migrate.Logger
type migrateLogger struct {
	ectologger.Logger
}

func (l migrateLogger) Verbose() bool { return false }

func (l migrateLogger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

// MigrationConfig selects the schema version to apply
type MigrationConfig struct {
	MigrationFolderPath string
	// Version pins a target version. Zero applies every pending migration.
	Version uint
	// Force marks the schema clean at this version before migrating
	Force int
	// AutoRollback clears a dirty flag left by a failed migration back to the
	// version the run started from
	AutoRollback bool
}

// MigrationService applies the db/pg schema migrations
type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

// Migrate brings the database at db to the configured version
func (ms *MigrationService) Migrate(databaseName string, db *sql.DB) error {
	m, err := ms.open(databaseName, db)
	if err != nil {
		return err
	}

	if ms.config.Force != 0 {
		ms.logger.Warnf("Forcing schema version %d", ms.config.Force)
		if err := m.Force(ms.config.Force); err != nil {
			return errors.Wrapf(err, "force schema version %d", ms.config.Force)
		}
	}

	from, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "read schema version")
	}

	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}

	switch {
	case err == nil:
		to, _, _ := m.Version()
		ms.logger.WithFields(map[string]any{"from": from, "to": to}).Info("Applied schema migrations")
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		ms.logger.WithField("version", from).Info("Schema is up to date")
		return nil
	}

	version, dirty, verr := m.Version()
	if verr == nil && dirty && ms.config.AutoRollback {
		ms.logger.WithError(err).Warnf("Migration to %d failed, marking schema clean at %d", version, from)
		if ferr := m.Force(int(from)); ferr != nil {
			return errors.Wrapf(ferr, "reset dirty schema to %d after: %v", from, err)
		}
	}
	return errors.Wrap(err, "apply schema migrations")
}

// Status reports the applied version, whether it is dirty and the newest
// version available on disk
func (ms *MigrationService) Status(databaseName string, db *sql.DB) (applied uint, dirty bool, latest int, err error) {
	m, err := ms.open(databaseName, db)
	if err != nil {
		return 0, false, 0, err
	}
	applied, dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, 0, errors.Wrap(err, "read schema version")
	}
	latest, err = LatestVersion(ms.folder())
	return applied, dirty, latest, err
}

func (ms *MigrationService) open(databaseName string, db *sql.DB) (*migrate.Migrate, error) {
	folder := ms.folder()
	if _, err := os.Stat(folder); err != nil {
		return nil, errors.Wrapf(err, "migration folder %s does not exist", folder)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		return nil, errors.Wrap(err, "create migration driver")
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		return nil, errors.Wrap(err, "create migrate instance")
	}
	m.Log = migrateLogger{Logger: ms.logger}
	return m, nil
}

func (ms *MigrationService) folder() string {
	folder := ms.config.MigrationFolderPath
	if filepath.IsAbs(folder) {
		return folder
	}
	if abs, err := filepath.Abs(folder); err == nil {
		return abs
	}
	return folder
}

// LatestVersion returns the highest NNN of the NNN_name.up.sql files in folder
func LatestVersion(folder string) (int, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0, err
	}

	var versions []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := upMigration.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		v, err := strconv.Atoi(match[1])
		if err != nil {
			return 0, err
		}
		versions = append(versions, v)
	}

	if len(versions) == 0 {
		return 0, errors.Errorf("no migrations found in %s", folder)
	}
	sort.Ints(versions)
	return versions[len(versions)-1], nil
}
