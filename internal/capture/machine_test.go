package capture_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/hdrvideo/internal/camera"
	"codeberg.org/mutker/hdrvideo/internal/camera/camtest"
	"codeberg.org/mutker/hdrvideo/internal/capture"
	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/exposure"
	"codeberg.org/mutker/hdrvideo/internal/mode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWidth  = 32
	testHeight = 24
)

type fakeSink struct {
	mu       sync.Mutex
	started  int
	stopped  int
	startErr error
	active   atomic.Bool
	frames   atomic.Int64

	// When set, Start and Stop announce themselves on busy and wait for
	// release before doing anything.
	busy    chan string
	release chan struct{}
}

func (s *fakeSink) hold(op string) {
	if s.busy == nil {
		return
	}
	s.busy <- op
	<-s.release
}

func (s *fakeSink) Name() string { return "recorder" }

func (s *fakeSink) Accept(camera.Frame) {
	if s.active.Load() {
		s.frames.Add(1)
	}
}

func (s *fakeSink) Start() error {
	s.hold("start")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started++
	s.active.Store(true)
	return nil
}

func (s *fakeSink) Stop() (string, error) {
	s.hold("stop")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	s.active.Store(false)
	return "/tmp/VID_20240101_120000.avi", nil
}

type frameLog struct {
	mu   sync.Mutex
	seqs []uint64
}

func (l *frameLog) Name() string { return "preview" }

func (l *frameLog) Accept(f camera.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seqs = append(l.seqs, f.Sequence)
}

func (l *frameLog) all() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.seqs...)
}

type eventLog struct {
	mu      sync.Mutex
	closed  []error
	changes [][2]mode.Mode
	saved   []string
	failed  []error
}

func (l *eventLog) events() capture.Events {
	return capture.Events{
		OnDeviceClosed: func(err error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.closed = append(l.closed, err)
		},
		OnModeChanged: func(from, to mode.Mode) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.changes = append(l.changes, [2]mode.Mode{from, to})
		},
		OnRecordingSaved: func(path string) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.saved = append(l.saved, path)
		},
		OnRecordingFailed: func(err error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.failed = append(l.failed, err)
		},
	}
}

type fixture struct {
	dev     *camtest.Device
	ctrl    *exposure.Controller
	machine *capture.Machine
	sink    *fakeSink
	preview *frameLog
	events  *eventLog
	tracker *mode.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newSettlingFixture(t, 0)
}

func newSettlingFixture(t *testing.T, settle time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		dev:     camtest.NewDevice(),
		sink:    &fakeSink{},
		preview: &frameLog{},
		events:  &eventLog{},
		tracker: mode.NewTracker(settle),
	}

	ctrl, err := exposure.New(exposure.WithPolicySource(f.tracker))
	require.NoError(t, err)
	f.ctrl = ctrl

	f.machine = capture.New(capture.Config{
		Width:            testWidth,
		Height:           testHeight,
		FrameDuration:    time.Second / 30,
		DeliveryInterval: 1,
	}, &camtest.Driver{Device: f.dev}, ctrl,
		capture.WithSink(f.sink),
		capture.WithPreview(f.preview),
		capture.WithEvents(f.events.events()),
		capture.WithTracker(f.tracker),
	)
	t.Cleanup(func() { _ = f.machine.Close() })

	require.NoError(t, f.machine.Open(context.Background()))

	return f
}

func TestOpenEntersFuseWithAlternatingBurst(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, mode.Fuse, f.machine.Mode())
	assert.Equal(t, exposure.StateAutoMetering, f.ctrl.State())

	sessions := f.dev.Sessions()
	require.Len(t, sessions, 1)

	burst := sessions[0].Last()
	require.Len(t, burst, 2)

	p := f.ctrl.Snapshot()
	assert.Equal(t, p.UnderISO, burst[0].ISO)
	assert.Equal(t, p.UnderDuration, burst[0].ExposureDuration)
	assert.Equal(t, p.OverISO, burst[1].ISO)
	assert.Equal(t, p.OverDuration, burst[1].ExposureDuration)
	for _, r := range burst {
		assert.False(t, r.AutoExposure)
		assert.Equal(t, time.Second/30, r.FrameDuration)
	}
}

func TestAlternatingFramesRouteByParity(t *testing.T) {
	f := newFixture(t)

	for seq := uint64(1); seq <= 8; seq++ {
		frame := camera.Frame{
			Data:     make([]byte, testWidth*testHeight),
			Format:   camera.FormatGray,
			Width:    testWidth,
			Height:   testHeight,
			Sequence: seq,
		}
		require.True(t, f.dev.Emit(frame))
	}

	assert.Equal(t, []uint64{2, 4, 6, 8}, f.preview.all(), "preview follows the over request")
}

func TestSingleExposureModes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.ctrl.Snapshot()

	require.NoError(t, f.machine.SetMode(ctx, mode.UnderExpose))
	assert.Equal(t, mode.UnderExpose, f.machine.Mode())
	assert.Equal(t, exposure.StateArmed, f.ctrl.State())

	sessions := f.dev.Sessions()
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].Closed())
	last := sessions[1].Last()
	require.Len(t, last, 1)
	assert.Equal(t, p.UnderISO, last[0].ISO)
	assert.Equal(t, p.UnderDuration, last[0].ExposureDuration)

	require.NoError(t, f.machine.SetMode(ctx, mode.OverExpose))
	sessions = f.dev.Sessions()
	require.Len(t, sessions, 3)
	assert.True(t, sessions[1].Closed())
	last = sessions[2].Last()
	require.Len(t, last, 1)
	assert.Equal(t, p.OverDuration, last[0].ExposureDuration)

	require.NoError(t, f.machine.SetMode(ctx, mode.Fuse))
	assert.Equal(t, mode.Fuse, f.machine.Mode())
	assert.Equal(t, exposure.StateAutoMetering, f.ctrl.State())
	sessions = f.dev.Sessions()
	require.Len(t, sessions, 4)
	assert.Len(t, sessions[3].Last(), 2)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	assert.Equal(t, [][2]mode.Mode{
		{mode.Fuse, mode.UnderExpose},
		{mode.UnderExpose, mode.OverExpose},
		{mode.OverExpose, mode.Fuse},
	}, f.events.changes)
}

func TestSameModeIsNoop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.machine.SetMode(context.Background(), mode.Fuse))

	assert.Len(t, f.dev.Sessions(), 1)
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	assert.Empty(t, f.events.changes)
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.SetMode(ctx, mode.UnderExpose))
	err := f.machine.SetMode(ctx, mode.Record)
	require.Error(t, err)
	assert.Equal(t, capture.ErrInvalidTransition, errors.CodeOf(err))
	assert.Equal(t, mode.UnderExpose, f.machine.Mode())

	require.NoError(t, f.machine.SetMode(ctx, mode.Fuse))
	require.NoError(t, f.machine.SetMode(ctx, mode.Record))
	err = f.machine.SetMode(ctx, mode.OverExpose)
	assert.Equal(t, capture.ErrInvalidTransition, errors.CodeOf(err))
	assert.Equal(t, mode.Record, f.machine.Mode())

	err = f.machine.SetMode(ctx, mode.Mode(42))
	assert.Equal(t, capture.ErrInvalidTransition, errors.CodeOf(err))
}

func TestRecordKeepsSessionAndRebuildsOnStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.SetMode(ctx, mode.Record))
	assert.Equal(t, mode.Record, f.machine.Mode())
	assert.Len(t, f.dev.Sessions(), 1, "fuse session keeps running")
	assert.Equal(t, 1, f.sink.started)
	assert.Equal(t, mode.Observe, f.machine.MeteringPolicy())
	assert.Equal(t, exposure.StateAutoMetering, f.ctrl.State())

	for seq := uint64(1); seq <= 4; seq++ {
		f.dev.Emit(camera.Frame{
			Data: make([]byte, testWidth*testHeight), Format: camera.FormatGray,
			Width: testWidth, Height: testHeight, Sequence: seq,
		})
	}
	assert.EqualValues(t, 4, f.sink.frames.Load())

	require.NoError(t, f.machine.SetMode(ctx, mode.Fuse))
	assert.Equal(t, mode.Fuse, f.machine.Mode())
	assert.Equal(t, 1, f.sink.stopped)

	sessions := f.dev.Sessions()
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].Closed())
	assert.Len(t, sessions[1].Last(), 2)
	assert.Equal(t, exposure.StateAutoMetering, f.ctrl.State())

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	assert.Equal(t, []string{"/tmp/VID_20240101_120000.avi"}, f.events.saved)
}

func TestRecordStartFailureStaysInFuse(t *testing.T) {
	f := newFixture(t)
	f.sink.startErr = errors.New().WithMessage(errors.ErrOperationFailed, "disk full")

	err := f.machine.SetMode(context.Background(), mode.Record)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, capture.ErrRecordingFailed))
	assert.Equal(t, mode.Fuse, f.machine.Mode())
	assert.False(t, f.dev.Closed())

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	assert.Len(t, f.events.failed, 1)
}

func TestConfigureFailureClosesDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dev.FailNextSession(errors.New().New(camera.ErrDeviceAccess))
	err := f.machine.SetMode(ctx, mode.UnderExpose)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, camera.ErrDeviceAccess))

	assert.True(t, f.dev.Closed())
	select {
	case <-f.machine.Done():
	case <-time.After(time.Second):
		t.Fatal("machine did not report device close")
	}
	assert.True(t, errors.HasCode(f.machine.Err(), camera.ErrDeviceAccess))

	f.events.mu.Lock()
	assert.Len(t, f.events.closed, 1)
	f.events.mu.Unlock()

	err = f.machine.SetMode(ctx, mode.Fuse)
	assert.Equal(t, capture.ErrDeviceClosed, errors.CodeOf(err))
}

func TestRequestFailureClosesDevice(t *testing.T) {
	f := newFixture(t)

	f.dev.FailRequests(errors.New().New(camera.ErrConfigurationRejected))
	f.ctrl.AdjustOverexposure(2)

	select {
	case <-f.machine.Done():
	case <-time.After(time.Second):
		t.Fatal("machine did not report device close")
	}
	assert.True(t, f.dev.Closed())
}

func TestOpenFailure(t *testing.T) {
	ctrl, err := exposure.New()
	require.NoError(t, err)

	m := capture.New(capture.Config{Width: testWidth, Height: testHeight, FrameDuration: time.Second / 30},
		&camtest.Driver{Err: errors.New().New(camera.ErrDeviceAccess)}, ctrl)
	defer m.Close()

	err = m.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, camera.ErrDeviceAccess, errors.CodeOf(err))
	assert.ErrorIs(t, m.Err(), err)
}

func TestPublishedParametersResubmitBurst(t *testing.T) {
	f := newFixture(t)

	p := f.ctrl.AdjustOverexposure(2)

	require.Eventually(t, func() bool {
		bursts := f.dev.Sessions()[0].Bursts()
		return len(bursts) == 2
	}, time.Second, 5*time.Millisecond)

	last := f.dev.Sessions()[0].Last()
	require.Len(t, last, 2)
	assert.Equal(t, p.OverISO, last[1].ISO)
	assert.Equal(t, p.OverDuration, last[1].ExposureDuration)
}

func TestManualAdjustInSingleModeResubmits(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.SetMode(context.Background(), mode.UnderExpose))

	p := f.ctrl.AdjustUnderexposure(0.5)

	require.Eventually(t, func() bool {
		return len(f.dev.Sessions()[1].Bursts()) == 2
	}, time.Second, 5*time.Millisecond)
	last := f.dev.Sessions()[1].Last()
	require.Len(t, last, 1)
	assert.Equal(t, p.UnderDuration, last[0].ExposureDuration)
}

func TestFramesReachHistogramProducer(t *testing.T) {
	f := newFixture(t)

	for seq := uint64(1); seq <= 6; seq++ {
		frame := camtest.JPEGFrame(testWidth, testHeight, uint8(40*seq))
		frame.Sequence = seq
		require.True(t, f.dev.Emit(frame))
	}

	require.Eventually(t, func() bool {
		return f.machine.Stats().Received > 0
	}, time.Second, 5*time.Millisecond)
}

func TestCloseFinalizesRecording(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.SetMode(context.Background(), mode.Record))

	require.NoError(t, f.machine.Close())

	assert.Equal(t, 1, f.sink.stopped)
	assert.True(t, f.dev.Closed())
	select {
	case <-f.machine.Done():
	default:
		t.Fatal("done not closed")
	}
}

func (s *fakeSink) counts() (started, stopped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.stopped
}

func waitBusy(t *testing.T, s *fakeSink, op string) {
	t.Helper()

	select {
	case got := <-s.busy:
		require.Equal(t, op, got)
	case <-time.After(time.Second):
		t.Fatalf("sink %s never ran", op)
	}
}

func TestSlowSinkStartDoesNotStallSession(t *testing.T) {
	f := newFixture(t)
	f.sink.busy = make(chan string, 2)
	f.sink.release = make(chan struct{})
	ctx := context.Background()

	result := make(chan error, 1)
	go func() { result <- f.machine.SetMode(ctx, mode.Record) }()
	waitBusy(t, f.sink, "start")

	assert.Equal(t, mode.Fuse, f.machine.Mode())

	p := f.ctrl.AdjustOverexposure(1.5)
	require.Eventually(t, func() bool {
		return len(f.dev.Sessions()[0].Bursts()) == 2
	}, 200*time.Millisecond, time.Millisecond, "resubmit waited for the sink")
	assert.Equal(t, p.OverISO, f.dev.Sessions()[0].Last()[1].ISO)

	err := f.machine.SetMode(ctx, mode.UnderExpose)
	assert.Equal(t, capture.ErrInvalidTransition, errors.CodeOf(err))

	close(f.sink.release)
	require.NoError(t, <-result)
	assert.Equal(t, mode.Record, f.machine.Mode())
	started, _ := f.sink.counts()
	assert.Equal(t, 1, started)
}

func TestSlowSinkStopDoesNotStallSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.machine.SetMode(ctx, mode.Record))

	f.sink.busy = make(chan string, 2)
	f.sink.release = make(chan struct{})

	result := make(chan error, 1)
	go func() { result <- f.machine.SetMode(ctx, mode.Fuse) }()
	waitBusy(t, f.sink, "stop")

	f.ctrl.AdjustUnderexposure(0.5)
	require.Eventually(t, func() bool {
		return len(f.dev.Sessions()[0].Bursts()) == 2
	}, 200*time.Millisecond, time.Millisecond, "resubmit waited for the sink")
	assert.Len(t, f.dev.Sessions(), 1, "session is rebuilt only after the sink stopped")

	close(f.sink.release)
	require.NoError(t, <-result)
	assert.Equal(t, mode.Fuse, f.machine.Mode())
	require.Len(t, f.dev.Sessions(), 2)
	assert.True(t, f.dev.Sessions()[0].Closed())
	_, stopped := f.sink.counts()
	assert.Equal(t, 1, stopped)
}

func TestCloseWhileSinkStartingStopsSink(t *testing.T) {
	f := newFixture(t)
	f.sink.busy = make(chan string, 2)
	f.sink.release = make(chan struct{})

	result := make(chan error, 1)
	go func() { result <- f.machine.SetMode(context.Background(), mode.Record) }()
	waitBusy(t, f.sink, "start")

	closed := make(chan error, 1)
	go func() { closed <- f.machine.Close() }()
	require.Eventually(t, f.dev.Closed, time.Second, time.Millisecond)
	close(f.sink.release)

	require.NoError(t, <-closed)
	assert.Equal(t, capture.ErrDeviceClosed, errors.CodeOf(<-result))
	started, stopped := f.sink.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
}

func TestSettleOnlyAroundRecording(t *testing.T) {
	f := newSettlingFixture(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, f.machine.SetMode(ctx, mode.UnderExpose))
	assert.False(t, f.tracker.Settling(), "session rebuilds need no settle window")
	require.NoError(t, f.machine.SetMode(ctx, mode.Fuse))
	assert.False(t, f.tracker.Settling())

	require.NoError(t, f.machine.SetMode(ctx, mode.Record))
	assert.True(t, f.tracker.Settling())
}
