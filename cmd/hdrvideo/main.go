//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"codeberg.org/mutker/hdrvideo/internal/api"
	"codeberg.org/mutker/hdrvideo/internal/camera/v4l"
	"codeberg.org/mutker/hdrvideo/internal/capture"
	"codeberg.org/mutker/hdrvideo/internal/config"
	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/exposure"
	"codeberg.org/mutker/hdrvideo/internal/logger"
	"codeberg.org/mutker/hdrvideo/internal/metrics"
	"codeberg.org/mutker/hdrvideo/internal/mode"
	"codeberg.org/mutker/hdrvideo/internal/pid"
	"codeberg.org/mutker/hdrvideo/internal/recorder"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
)

const openTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Printf("invalid log level: %v\n", err)
		os.Exit(1)
	}
	logger.Init(level, logger.IsService())
	logger.Debug().Str("device", cfg.Device).Msg("Config loaded")

	if level != logger.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := pid.Write(cfg.Device); err != nil {
		logger.Fatal().Err(err).Msg("Failed to write PID file")
	}

	code := 0
	if err := run(cfg); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.ErrorWithCode(appErr).Msg("hdrvideo stopped")
		} else {
			logger.Error().Err(err).Msg("hdrvideo stopped")
		}
		code = 1
	}

	if err := pid.Remove(cfg.Device); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove PID file")
	}
	logger.Info().Msg("Exiting...")
	os.Exit(code)
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	collector, err := metrics.NewService(cfg.MetricsConfig())
	if err != nil {
		return err
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close metrics")
		}
	}()

	tracker := mode.NewTracker(cfg.Metering.Settle)
	limits := cfg.Limits()

	ctrl, err := exposure.New(
		exposure.WithLimits(limits),
		exposure.WithTuning(cfg.Tuning()),
		exposure.WithPolicySource(tracker),
		exposure.WithObserver(collector),
	)
	if err != nil {
		return err
	}

	rec, err := recorder.New(recorder.Config{
		Dir:    cfg.OutputDir,
		Width:  cfg.Width,
		Height: cfg.Height,
		FPS:    cfg.FPS,
	})
	if err != nil {
		return err
	}

	preview := api.NewPreview()
	driver := v4l.Driver{
		Path:   cfg.Device,
		Width:  cfg.Width,
		Height: cfg.Height,
		FPS:    cfg.FPS,
	}

	machine := capture.New(capture.Config{
		Width:            cfg.Width,
		Height:           cfg.Height,
		FrameDuration:    limits.FrameDuration,
		DeliveryInterval: cfg.Metering.DeliveryInterval,
	}, driver, ctrl,
		capture.WithSink(rec),
		capture.WithPreview(preview),
		capture.WithTracker(tracker),
		capture.WithEvents(capture.Events{
			OnDeviceClosed: func(err error) {
				logger.Error().Err(err).Msg("Camera device closed")
			},
			OnModeChanged: func(from, to mode.Mode) {
				logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Mode change delivered")
			},
			OnRecordingSaved: logRecording,
			OnRecordingFailed: func(err error) {
				logger.Error().Err(err).Msg("Recording was not saved")
			},
		}),
	)

	openCtx, openCancel := context.WithTimeout(ctx, openTimeout)
	err = machine.Open(openCtx)
	openCancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := machine.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close capture")
		}
	}()

	opts := []api.Option{api.WithPreview(preview)}
	if cfg.Metrics {
		opts = append(opts, api.WithHistory(collector))
	}
	server := api.New(cfg.Listen, machine, ctrl, opts...)

	serveCtx, serveCancel := context.WithCancel(ctx)
	defer serveCancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(serveCtx) }()

	select {
	case <-ctx.Done():
		serveCancel()
		return <-serveErr
	case <-machine.Done():
		serveCancel()
		<-serveErr
		return machine.Err()
	case err := <-serveErr:
		return err
	}
}

func logRecording(path string) {
	event := logger.Info().Str("file", filepath.Base(path))
	if info, err := os.Stat(path); err == nil {
		event = event.Str("size", humanize.Bytes(uint64(info.Size())))
	}
	event.Msg("Recording available")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
