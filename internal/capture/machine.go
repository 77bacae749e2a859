// Package capture owns the camera session and switches it between the
// capture modes.
package capture

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/hdrvideo/internal/camera"
	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/exposure"
	"codeberg.org/mutker/hdrvideo/internal/histogram"
	"codeberg.org/mutker/hdrvideo/internal/logger"
	"codeberg.org/mutker/hdrvideo/internal/mode"
	"github.com/looplab/fsm"
)

const (
	eventExposeUnder = "expose_under"
	eventExposeOver  = "expose_over"
	eventResumeFuse  = "resume_fuse"
	eventStartRecord = "start_record"
	eventStopRecord  = "stop_record"
)

// Controller is the part of the exposure controller the machine drives.
type Controller interface {
	histogram.Listener
	Snapshot() exposure.Parameters
	AttachListener(l exposure.Listener)
	DetachListener()
	StartAutoMetering() error
	StopAutoMetering()
}

// Sink records frames between Start and Stop.
type Sink interface {
	camera.Target
	Start() error
	Stop() (string, error)
}

// Events are called from the machine's workers or from the goroutine running
// SetMode and must not block.
type Events struct {
	OnDeviceClosed    func(err error)
	OnModeChanged     func(from, to mode.Mode)
	OnRecordingSaved  func(path string)
	OnRecordingFailed func(err error)
}

type Config struct {
	Width            int
	Height           int
	FrameDuration    time.Duration
	DeliveryInterval int
}

type Option func(*Machine)

func WithSink(s Sink) Option {
	return func(m *Machine) { m.sink = s }
}

// WithPreview binds extra targets that receive the over-exposed frames in
// fuse mode and every frame in single-exposure modes.
func WithPreview(targets ...camera.Target) Option {
	return func(m *Machine) { m.preview = append(m.preview, targets...) }
}

func WithEvents(ev Events) Option {
	return func(m *Machine) { m.events = ev }
}

// WithTracker shares the tracker the exposure controller reads its metering
// policy from.
func WithTracker(t *mode.Tracker) Option {
	return func(m *Machine) { m.tracker = t }
}

type task struct {
	fn     func() error
	result chan error
}

// Machine is the capture mode state machine. Every device and session call
// runs on its session worker; the recording sink is started and stopped on a
// separate recorder worker.
type Machine struct {
	cfg     Config
	driver  camera.Driver
	ctrl    Controller
	sink    Sink
	preview []camera.Target
	events  Events
	tracker *mode.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	tasks     chan task
	recTasks  chan task
	updates   chan struct{}
	workers   sync.WaitGroup
	done      chan struct{}
	doneOnce  sync.Once
	startOnce sync.Once
	closeOnce sync.Once

	errMu sync.Mutex
	err   error

	// Owned by the session worker.
	fsm       *fsm.FSM
	dev       camera.Device
	sess      camera.Session
	strategy  Strategy
	producer  *histogram.Producer
	meter     *meter
	recording bool
	// sinkBusy is set while the sink starts or stops on the recorder worker.
	sinkBusy bool
	binding  exposure.Listener
}

func New(cfg Config, driver camera.Driver, ctrl Controller, opts ...Option) *Machine {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Machine{
		cfg:      cfg,
		driver:   driver,
		ctrl:     ctrl,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(chan task),
		recTasks: make(chan task),
		updates:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracker == nil {
		m.tracker = mode.NewTracker(mode.DefaultSettle)
	}
	m.binding = exposure.ListenerFunc(m.onParameters)
	m.fsm = m.newFSM()

	return m
}

// Open opens the device and enters Fuse.
func (m *Machine) Open(ctx context.Context) error {
	m.startOnce.Do(func() {
		m.workers.Add(2)
		go m.sessionWorker()
		go m.recorderWorker()
	})

	return m.do(ctx, func() error {
		errFactory := errors.New()

		if m.dev != nil {
			return errFactory.New(ErrAlreadyOpen)
		}
		if m.closed() {
			return errFactory.New(ErrDeviceClosed)
		}

		dev, err := m.driver.Open(ctx)
		if err != nil {
			m.fail(err)
			return err
		}
		m.dev = dev

		if err := m.configure(mode.Fuse); err != nil {
			m.fail(err)
			return err
		}
		m.tracker.Set(mode.Fuse)

		logger.Info().Str("mode", mode.Fuse.String()).Msg("Capture started")

		return nil
	})
}

// Mode returns the current mode. It may lag a transition in flight.
func (m *Machine) Mode() mode.Mode {
	return m.tracker.Mode()
}

// MeteringPolicy gates the exposure controller.
func (m *Machine) MeteringPolicy() mode.Policy {
	return m.tracker.MeteringPolicy()
}

// Stats returns the live histogram producer counters.
func (m *Machine) Stats() histogram.Stats {
	var stats histogram.Stats
	_ = m.do(m.ctx, func() error {
		if m.producer != nil {
			stats = m.producer.Stats()
		}
		return nil
	})

	return stats
}

// SetMode requests a transition to target. A transition to the current mode
// is a no-op. Starting or stopping the recording sink runs on the recorder
// worker; the session worker keeps serving parameter updates meanwhile.
func (m *Machine) SetMode(ctx context.Context, target mode.Mode) error {
	var (
		from  mode.Mode
		event string
	)

	err := m.do(ctx, func() error {
		errFactory := errors.New()

		if m.dev == nil {
			return errFactory.New(ErrDeviceClosed)
		}
		if _, err := mode.Parse(target.String()); err != nil {
			return errFactory.WithData(ErrInvalidTransition, target.String())
		}

		current, _ := parseState(m.fsm.Current())
		from = current
		if current == target {
			return nil
		}
		if m.sinkBusy {
			return errFactory.WithData(ErrInvalidTransition, map[string]string{
				"from":   current.String(),
				"to":     target.String(),
				"reason": "recording transition in progress",
			})
		}

		event = eventFor(current, target)
		switch event {
		case eventStartRecord, eventStopRecord:
			if !m.fsm.Can(event) {
				return errFactory.WithData(ErrInvalidTransition, map[string]string{
					"from": current.String(),
					"to":   target.String(),
				})
			}
			if m.sink == nil {
				return errFactory.Wrap(ErrRecordingFailed, errFactory.New(ErrNoSink))
			}
			m.sinkBusy = true
			// The stop is in flight; Close and fail must not stop again.
			m.recording = false
			return nil
		}

		if err := m.fsm.Event(m.ctx, event); err != nil {
			return m.transitionError(err, current, target)
		}

		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case from == target:
		return nil
	case event == eventStartRecord:
		err = m.beginRecording()
	case event == eventStopRecord:
		err = m.endRecording()
	}
	if err != nil {
		return err
	}

	logger.Info().
		Str("from", from.String()).
		Str("to", target.String()).
		Msg("Capture mode changed")
	if m.events.OnModeChanged != nil {
		m.events.OnModeChanged(from, target)
	}

	return nil
}

// Close finalizes any recording, closes the device and stops the workers.
func (m *Machine) Close() error {
	var err error

	m.closeOnce.Do(func() {
		m.startOnce.Do(func() {
			m.workers.Add(2)
			go m.sessionWorker()
			go m.recorderWorker()
		})

		err = m.do(context.Background(), func() error {
			if m.recording {
				m.stopRecording()
			}
			m.teardown(true)
			if m.dev != nil {
				if cerr := m.dev.Close(); cerr != nil {
					logger.Warn().Err(cerr).Msg("Failed to close camera device")
				}
				m.dev = nil
			}
			return nil
		})

		m.cancel()
		m.workers.Wait()
		m.doneOnce.Do(func() { close(m.done) })
	})

	return err
}

// Done is closed once the device is closed, by Close or by a fatal error.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Err returns the error that closed the device, if any.
func (m *Machine) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

func (m *Machine) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Machine) do(ctx context.Context, fn func() error) error {
	return submit(ctx, m.ctx, m.tasks, fn)
}

// record runs fn on the recorder worker. Once the worker has taken fn, record
// waits for it to finish even if the machine is closing.
func (m *Machine) record(fn func() error) error {
	return submit(context.Background(), m.ctx, m.recTasks, fn)
}

func submit(ctx, workerCtx context.Context, queue chan task, fn func() error) error {
	errFactory := errors.New()
	t := task{fn: fn, result: make(chan error, 1)}

	select {
	case queue <- t:
	case <-ctx.Done():
		return errFactory.Wrap(ErrTimeout, ctx.Err())
	case <-workerCtx.Done():
		return errFactory.New(ErrDeviceClosed)
	}

	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		return errFactory.Wrap(ErrTimeout, ctx.Err())
	}
}

func (m *Machine) sessionWorker() {
	defer m.workers.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case t := <-m.tasks:
			t.result <- t.fn()
		case <-m.updates:
			m.resubmit()
		}
	}
}

func (m *Machine) recorderWorker() {
	defer m.workers.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case t := <-m.recTasks:
			t.result <- t.fn()
		}
	}
}

// onParameters runs under the controller's listener lock. It only flags the
// session worker.
func (m *Machine) onParameters(exposure.Parameters) {
	select {
	case m.updates <- struct{}{}:
	default:
	}
}

func (m *Machine) resubmit() {
	if m.sess == nil {
		return
	}

	rs := m.strategy.BuildRequest(m.ctrl.Snapshot())
	if err := rs.Submit(m.sess); err != nil {
		m.fail(err)
	}
}

// configure builds the session for md: bind targets, attach to the controller,
// issue the initial requests.
func (m *Machine) configure(md mode.Mode) error {
	errFactory := errors.New()

	if m.producer == nil {
		p, err := histogram.Configure(m.ctx, m.cfg.Width, m.cfg.Height,
			histogram.WithDeliveryInterval(m.cfg.DeliveryInterval))
		if err != nil {
			return errFactory.Wrap(camera.ErrConfigurationRejected, err)
		}
		p.Subscribe(m.ctrl)
		m.producer = p
		m.meter = newMeter(m.ctx, p.Input())
	}

	var sink camera.Target
	if m.sink != nil {
		sink = m.sink
	}
	m.strategy = newStrategy(KindFor(md), m.cfg.FrameDuration, m.meter, sink, m.preview)

	sess, err := m.dev.CreateSession(m.ctx, m.strategy.Targets())
	if err != nil {
		return err
	}
	m.sess = sess

	m.ctrl.AttachListener(m.binding)
	if err := m.strategy.BuildRequest(m.ctrl.Snapshot()).Submit(sess); err != nil {
		return err
	}

	if mode.AutoMeteringAllowed(md) {
		if err := m.ctrl.StartAutoMetering(); err != nil {
			return err
		}
	} else {
		m.ctrl.StopAutoMetering()
	}

	logger.Debug().
		Str("mode", md.String()).
		Str("strategy", m.strategy.Kind().String()).
		Int("targets", len(m.strategy.Targets())).
		Msg("Capture session configured")

	return nil
}

// teardown closes the session and drops the controller binding. full also
// discards the histogram producer and meter.
func (m *Machine) teardown(full bool) {
	m.ctrl.StopAutoMetering()
	m.ctrl.DetachListener()

	if m.sess != nil {
		if err := m.sess.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close capture session")
		}
		m.sess = nil
	}

	select {
	case <-m.updates:
	default:
	}

	if full {
		if m.producer != nil {
			_ = m.producer.Close()
			m.producer = nil
		}
		if m.meter != nil {
			m.meter.close()
			m.meter = nil
		}
	}
}

// fail is the fatal path: everything is torn down, the device is closed and
// the machine accepts no further transitions.
func (m *Machine) fail(err error) {
	if m.recording {
		m.stopRecording()
	}
	m.teardown(true)

	if m.dev != nil {
		if cerr := m.dev.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("Failed to close camera device")
		}
		m.dev = nil
	}

	var coded errors.Error
	if errors.As(err, &coded) {
		logger.ErrorWithCode(coded).Msg("Camera device closed")
	} else {
		logger.Error().Err(err).Msg("Camera device closed")
	}

	m.errMu.Lock()
	m.err = err
	m.errMu.Unlock()

	if m.events.OnDeviceClosed != nil {
		m.events.OnDeviceClosed(err)
	}
	m.doneOnce.Do(func() { close(m.done) })
}

// beginRecording starts the sink on the recorder worker and only then
// enters Record on the session worker.
func (m *Machine) beginRecording() error {
	errFactory := errors.New()

	started := false
	startErr := m.record(func() error {
		if err := m.sink.Start(); err != nil {
			return err
		}
		started = true
		return nil
	})

	settled := false
	err := m.do(context.Background(), func() error {
		settled = true
		m.sinkBusy = false

		if startErr != nil {
			if m.events.OnRecordingFailed != nil {
				m.events.OnRecordingFailed(startErr)
			}
			return errFactory.Wrap(ErrRecordingFailed, startErr)
		}

		m.recording = true
		if m.dev == nil {
			m.stopRecording()
			return errFactory.New(ErrDeviceClosed)
		}
		if err := m.fsm.Event(m.ctx, eventStartRecord); err != nil {
			m.stopRecording()
			return m.transitionError(err, mode.Fuse, mode.Record)
		}

		return nil
	})
	if started && !settled {
		// The machine shut down while the sink was starting.
		m.reportStop(m.sink.Stop())
	}

	return err
}

// endRecording finalizes the sink on the recorder worker, then rebuilds the
// fuse session.
func (m *Machine) endRecording() error {
	m.reportStop(m.finalize())

	return m.do(context.Background(), func() error {
		m.sinkBusy = false

		if m.dev == nil {
			return errors.New().New(ErrDeviceClosed)
		}
		if err := m.fsm.Event(m.ctx, eventStopRecord); err != nil {
			return m.transitionError(err, mode.Record, mode.Fuse)
		}

		return nil
	})
}

// stopRecording finalizes the sink and waits for it. Only the close and fatal
// paths use it.
func (m *Machine) stopRecording() {
	m.recording = false
	m.reportStop(m.finalize())
}

// finalize stops the sink on the recorder worker, or inline once that worker
// is gone.
func (m *Machine) finalize() (string, error) {
	var (
		path    string
		stopped bool
	)
	err := m.record(func() error {
		var err error
		path, err = m.sink.Stop()
		stopped = true
		return err
	})
	if !stopped {
		return m.sink.Stop()
	}

	return path, err
}

func (m *Machine) reportStop(path string, err error) {
	if err != nil {
		logger.Error().Err(err).Msg("Failed to finalize recording")
		if m.events.OnRecordingFailed != nil {
			m.events.OnRecordingFailed(err)
		}
		return
	}

	logger.Info().Str("path", path).Msg("Recording saved")
	if m.events.OnRecordingSaved != nil {
		m.events.OnRecordingSaved(path)
	}
}

func (m *Machine) transitionError(err error, from, to mode.Mode) error {
	errFactory := errors.New()

	var (
		invalid fsm.InvalidEventError
		unknown fsm.UnknownEventError
	)
	if errors.As(err, &invalid) || errors.As(err, &unknown) {
		return errFactory.WithData(ErrInvalidTransition, map[string]string{
			"from": from.String(),
			"to":   to.String(),
		})
	}

	// Anything else failed while configuring the new session.
	m.fail(err)

	return err
}
