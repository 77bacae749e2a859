package metrics

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/logger"
	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex // guards buffer and shutdownChan
	buffer        []*Record
	flushMu       sync.Mutex // serializes writes so Recent sees earlier records
	flushTicker   *time.Ticker
	flushNow      chan struct{}
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	closeOnce     sync.Once
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	// Open database with specific pragmas for better performance and safety
	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	// Validate if schema is current, with backup if needed
	if err := ValidateAndUpdateSchema(db, cfg.BackupDir, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("Metrics repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]*Record, 0, cfg.BatchSize),
		flushTicker:   time.NewTicker(cfg.BatchTimeout),
		flushNow:      make(chan struct{}, 1),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	go repo.flusher()

	return repo, nil
}

// Record buffers rec and wakes the flusher once a batch is full. It never
// waits on the database, even while a flush is in progress.
func (r *repository) Record(rec *Record) error {
	if rec == nil {
		return errors.New().New(ErrInvalidMetrics)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.shutdownChan:
		return errors.New().New(ErrStorageClose)
	default:
	}

	r.buffer = append(r.buffer, rec)

	if len(r.buffer) >= r.cfg.BatchSize {
		select {
		case r.flushNow <- struct{}{}:
		default:
		}
	}

	return nil
}

// Recent flushes pending records and returns the newest limit records,
// newest first.
func (r *repository) Recent(limit int) ([]Record, error) {
	errFactory := errors.New()

	if limit <= 0 {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "limit must be positive")
	}

	if err := r.flush(); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(GetSelectRecentSQL(), limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			ts        int64
			underDur  int64
			overDur   int64
			published int
			hist      sql.NullString
		)
		if err := rows.Scan(
			&ts, &rec.Tick, &rec.Policy, &rec.Class,
			&rec.Mean, &rec.DarkTail, &rec.BrightTail,
			&rec.Channel, &rec.Factor,
			&rec.Parameters.UnderISO, &underDur, &rec.Parameters.OverISO, &overDur,
			&published, &hist,
		); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}

		rec.Timestamp = time.Unix(0, ts)
		rec.Parameters.UnderDuration = time.Duration(underDur)
		rec.Parameters.OverDuration = time.Duration(overDur)
		rec.Published = published == 1
		if hist.Valid {
			if err := json.Unmarshal([]byte(hist.String), &rec.Histogram); err != nil {
				return nil, errFactory.Wrap(ErrQueryFailed, err)
			}
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	return records, nil
}

func (r *repository) Close() error {
	var err error

	r.closeOnce.Do(func() {
		// Signal the flusher goroutine to stop
		r.mu.Lock()
		close(r.shutdownChan)
		r.mu.Unlock()

		// Stop the ticker
		r.flushTicker.Stop()

		// Wait for the flusher to finish its final flush
		<-r.flushDoneChan

		// Checkpoint WAL and cleanup on close
		if _, cerr := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); cerr != nil {
			err = errors.New().WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "checkpoint_wal",
				Error: cerr.Error(),
			})
			_ = r.db.Close()
			return
		}

		if cerr := r.db.Close(); cerr != nil {
			err = errors.New().WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "close_database",
				Error: cerr.Error(),
			})
			return
		}

		r.logger.Info().Msg("Metrics repository closed gracefully")
	})

	return err
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
		case <-r.flushNow:
		case <-r.shutdownChan:
			_ = r.flush()
			return
		}

		_ = r.flush()
	}
}

// flush takes the buffered records and writes them in one transaction. The
// buffer lock is released before the database is touched.
func (r *repository) flush() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := r.buffer
	r.buffer = make([]*Record, 0, r.cfg.BatchSize)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := r.write(batch); err != nil {
		r.requeue(batch)
		return err
	}

	r.logger.Debug().Int("records", len(batch)).Msg("Flushed evaluations to database")

	return nil
}

// requeue puts a failed batch back in front of the records buffered since,
// keeping at most maxPendingRecords of the newest.
func (r *repository) requeue(batch []*Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]*Record, 0, len(batch)+len(r.buffer))
	pending = append(pending, batch...)
	pending = append(pending, r.buffer...)

	if dropped := len(pending) - maxPendingRecords; dropped > 0 {
		pending = pending[dropped:]
		r.logger.Warn().
			Int("dropped", dropped).
			Int("pending", len(pending)).
			Msg("Dropped evaluations after failed flush")
	}

	r.buffer = pending
}

func (r *repository) write(batch []*Record) error {
	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(GetInsertEvaluationSQL())
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to prepare statement")
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, rec := range batch {
		var hist sql.NullString
		if rec.Histogram != nil {
			dump, err := json.Marshal(rec.Histogram)
			if err != nil {
				r.logger.Error().Err(err).Msg("Failed to encode histogram")
				if err := tx.Rollback(); err != nil {
					r.logger.Error().Err(err).Msg("Failed to roll back transaction")
				}
				return errFactory.Wrap(ErrEncodeHistogram, err)
			}
			hist = sql.NullString{String: string(dump), Valid: true}
		}

		values := []interface{}{
			rec.Timestamp.UnixNano(),
			int64(rec.Tick),
			rec.Policy,
			rec.Class,
			rec.Mean,
			rec.DarkTail,
			rec.BrightTail,
			rec.Channel,
			rec.Factor,
			int64(rec.Parameters.UnderISO),
			int64(rec.Parameters.UnderDuration),
			int64(rec.Parameters.OverISO),
			int64(rec.Parameters.OverDuration),
			int64(boolToInt(rec.Published)),
			hist,
		}

		if _, err := stmt.Exec(values...); err != nil {
			r.logger.Error().Err(err).Msg("Failed to execute insert")
			if err := tx.Rollback(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	return nil
}
