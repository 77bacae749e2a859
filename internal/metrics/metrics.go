package metrics

import (
	"context"

	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/exposure"
	"codeberg.org/mutker/hdrvideo/internal/logger"
	"codeberg.org/mutker/hdrvideo/internal/mode"
)

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopCollector struct{}

func NewService(cfg Config) (Collector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	// If metrics is disabled, return a no-op collector
	if !cfg.Enabled {
		logger.Debug().Msg("Metrics collection disabled, using no-op collector")
		return &noopCollector{}, nil
	}

	repo, err := NewRepository(cfg, logger.Default())
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to create metrics repository")
		return nil, err
	}

	logger.Debug().
		Str("db_path", cfg.DBPath).
		Bool("enabled", cfg.Enabled).
		Msg("Metrics service initialized successfully")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

// FromEvaluation converts ev to a Record. The histogram dump is left out in
// record mode, where metering only observes.
func FromEvaluation(ev exposure.Evaluation) *Record {
	rec := &Record{
		Timestamp:  ev.Time,
		Tick:       ev.Tick,
		Policy:     ev.Policy.String(),
		Class:      ev.Class.String(),
		Mean:       ev.Mean,
		DarkTail:   ev.DarkTail,
		BrightTail: ev.BrightTail,
		Channel:    ev.Channel.String(),
		Factor:     ev.Factor,
		Parameters: ev.Parameters,
		Published:  ev.Published,
	}

	if ev.Policy != mode.Observe && ev.Histogram.Total() > 0 {
		counts := ev.Histogram.Counts()
		rec.Histogram = counts[:]
	}

	return rec
}

// Observe stores ev. Failures are logged, never returned to the controller.
func (s *service) Observe(ev exposure.Evaluation) {
	if err := s.repo.Record(FromEvaluation(ev)); err != nil {
		logger.Warn().Err(err).Uint64("tick", ev.Tick).Msg("Failed to record evaluation")
	}
}

func (s *service) Record(ctx context.Context, rec *Record) error {
	errFactory := errors.New()

	if rec == nil {
		return errFactory.New(ErrInvalidMetrics)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(rec); err != nil {
			return errFactory.Wrap(ErrMetricsCollection, err)
		}
	}

	return nil
}

func (s *service) Recent(ctx context.Context, limit int) ([]Record, error) {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return nil, errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	return s.repo.Recent(limit)
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrServiceShutdown, err)
	}
	return nil
}

// No-op implementation
func (*noopCollector) Observe(exposure.Evaluation) {}

func (*noopCollector) Record(_ context.Context, _ *Record) error {
	return nil
}

func (*noopCollector) Recent(context.Context, int) ([]Record, error) {
	return nil, nil
}

func (*noopCollector) Close() error {
	return nil
}
