package metrics

import (
	"database/sql"

	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/logger"
)

const (
	SchemaVersion = 1

	// SQL statements derived from schema
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS evaluations (
	       id             INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp      INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
	       tick           INTEGER NOT NULL CHECK (typeof(tick) = 'integer'),
	       policy         TEXT NOT NULL,
	       class          TEXT NOT NULL,
	       mean           REAL NOT NULL,
	       dark_tail      REAL NOT NULL,
	       bright_tail    REAL NOT NULL,
	       channel        TEXT NOT NULL,
	       factor         REAL NOT NULL,
	       under_iso      INTEGER NOT NULL CHECK (typeof(under_iso) = 'integer'),
	       under_duration INTEGER NOT NULL CHECK (typeof(under_duration) = 'integer'),
	       over_iso       INTEGER NOT NULL CHECK (typeof(over_iso) = 'integer'),
	       over_duration  INTEGER NOT NULL CHECK (typeof(over_duration) = 'integer'),
	       published      INTEGER NOT NULL CHECK (published IN (0, 1)),
	       histogram      TEXT
	   );
	   CREATE INDEX IF NOT EXISTS evaluations_timestamp ON evaluations (timestamp);`

	insertEvaluationSQL = `
    INSERT INTO evaluations (
        timestamp, tick, policy, class,
        mean, dark_tail, bright_tail,
        channel, factor,
        under_iso, under_duration, over_iso, over_duration,
        published, histogram
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectRecentSQL = `
    SELECT
        timestamp, tick, policy, class,
        mean, dark_tail, bright_tail,
        channel, factor,
        under_iso, under_duration, over_iso, over_duration,
        published, histogram
    FROM evaluations
    ORDER BY id DESC
    LIMIT ?`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				// Only log if it's not the "already committed" error
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	// Execute schema creation
	log.Debug().Str("sql", createTablesSQL).Msg("Executing SQL statement")
	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	log.Debug().Msg("Recording schema version...")
	// Record schema version
	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	log.Debug().Msg("Committing transaction...")
	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}

// SQL getters for consistent schema usage
func GetCreateTablesSQL() string {
	return createTablesSQL
}

// GetInsertEvaluationSQL returns the SQL to insert an evaluation
func GetInsertEvaluationSQL() string {
	return insertEvaluationSQL
}

// GetSelectRecentSQL returns the SQL to read the newest evaluations
func GetSelectRecentSQL() string {
	return selectRecentSQL
}
