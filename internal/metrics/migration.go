package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/logger"
	"github.com/dustin/go-humanize"
)

// managedTables are dropped when the schema version changes.
var managedTables = []string{"evaluations", "schema_versions"}

type migrationFailure struct {
	Phase  string
	Target string
	Error  string
}

func migrationError(code errors.ErrorCode, phase, target string, err error) errors.Error {
	return errors.New().WithData(code, migrationFailure{Phase: phase, Target: target, Error: err.Error()})
}

// backupDatabase copies the live database into backupDir before an
// incompatible schema replaces it.
func backupDatabase(db *sql.DB, backupDir string, version int, log logger.Logger) (string, error) {
	if err := os.MkdirAll(backupDir, defaultDirPerm); err != nil {
		return "", migrationError(ErrSchemaInitFailed, "create_backup_dir", backupDir, err)
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")
	path := filepath.Join(backupDir, fmt.Sprintf("evaluations_v%d_%s.db", version, stamp))

	// VACUUM INTO must run outside a transaction.
	if _, err := db.Exec("VACUUM INTO ?", path); err != nil {
		return "", migrationError(ErrSchemaInitFailed, "create_backup", path, err)
	}

	event := log.Info().Str("path", path).Int("version", version)
	if info, err := os.Stat(path); err == nil {
		event = event.Str("size", humanize.Bytes(uint64(info.Size())))
	}
	event.Msg("Evaluation database backed up")

	return path, nil
}

// ValidateAndUpdateSchema leaves a current schema alone. Any other version
// is backed up, when backupDir is set, and replaced by an empty schema.
func ValidateAndUpdateSchema(db *sql.DB, backupDir string, log logger.Logger) error {
	errFactory := errors.New()

	version, err := GetSchemaVersion(db)
	if err != nil {
		return errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if version == SchemaVersion {
		log.Debug().Int("version", version).Msg("Evaluation schema is current")
		return nil
	}

	if version != 0 {
		log.Warn().
			Int("found", version).
			Int("want", SchemaVersion).
			Msg("Evaluation schema version mismatch, recreating")

		if backupDir != "" {
			if _, err := backupDatabase(db, backupDir, version, log); err != nil {
				return errFactory.Wrap(ErrSchemaMigrationFailed, err)
			}
		}
	}

	if err := dropTables(db); err != nil {
		return err
	}

	return InitSchema(db, log)
}

func dropTables(db *sql.DB) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return errors.New().Wrap(ErrSchemaMigrationFailed, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range managedTables {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return migrationError(ErrSchemaMigrationFailed, "drop_table", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return migrationError(ErrSchemaMigrationFailed, "commit", "", err)
	}

	return nil
}
