//go:build linux

// Package v4l drives a Video4Linux2 capture device through go4vl.
package v4l

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/hdrvideo/internal/camera"
	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/logger"
	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

const (
	defaultBuffers = 2
	stopGrace      = 100 * time.Millisecond
)

// Driver opens an MJPEG stream on Path.
type Driver struct {
	Path    string
	Width   int
	Height  int
	FPS     int
	Buffers int
}

func (d Driver) Open(ctx context.Context) (camera.Device, error) {
	errFactory := errors.New()

	if d.Width <= 0 || d.Height <= 0 || d.FPS <= 0 {
		return nil, errFactory.WithData(camera.ErrConfigurationRejected, "width, height and fps must be positive")
	}

	buffers := d.Buffers
	if buffers <= 0 {
		buffers = defaultBuffers
	}

	dev, err := device.Open(
		d.Path,
		device.WithBufferSize(uint32(buffers)),
		device.WithFPS(uint32(d.FPS)),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtMJPEG,
			Width:       uint32(d.Width),
			Height:      uint32(d.Height),
		}),
	)
	if err != nil {
		return nil, errFactory.Wrap(camera.ErrDeviceAccess, errFactory.Wrap(camera.ErrOpenFailed, err))
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	if err := dev.Start(streamCtx); err != nil {
		cancel()
		_ = dev.Close()
		return nil, errFactory.Wrap(camera.ErrDeviceAccess, errFactory.Wrap(camera.ErrStreamFailed, err))
	}

	cd := &Device{
		path:          d.Path,
		width:         d.Width,
		height:        d.Height,
		frameDuration: time.Second / time.Duration(d.FPS),
		dev:           dev,
		cancel:        cancel,
		frames:        dev.GetOutput(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cd.pump()

	logger.Info().
		Str("device", d.Path).
		Int("width", d.Width).
		Int("height", d.Height).
		Int("fps", d.FPS).
		Msg("Camera device opened")

	return cd, nil
}

// Device is an open, streaming capture device.
type Device struct {
	path   string
	width  int
	height int
	// frameDuration is fixed by the fps negotiated at open; requests cannot
	// change it.
	frameDuration time.Duration

	dev    *device.Device
	cancel context.CancelFunc
	frames <-chan []byte

	mu      sync.Mutex
	session *session
	closed  bool

	// ctrlMu serializes control writes.
	ctrlMu sync.Mutex

	seq       uint64
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (d *Device) CreateSession(_ context.Context, targets []camera.Target) (camera.Session, error) {
	errFactory := errors.New()

	if len(targets) == 0 {
		return nil, errFactory.Wrap(camera.ErrConfigurationRejected, errFactory.New(camera.ErrNoTargets))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errFactory.New(camera.ErrDeviceClosed)
	}
	if d.session != nil {
		return nil, errFactory.Wrap(camera.ErrConfigurationRejected, errFactory.New(camera.ErrSessionInUse))
	}

	s := &session{
		dev:     d,
		targets: append([]camera.Target(nil), targets...),
	}
	d.session = s

	logger.Debug().Int("targets", len(targets)).Msg("Capture session configured")

	return s, nil
}

func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		s := d.session
		d.mu.Unlock()

		if s != nil {
			_ = s.Close()
		}

		close(d.stop)
		d.cancel()
		<-d.done
		// Let the stream loop finish its own Stop before the fd goes away.
		time.Sleep(stopGrace)

		if cerr := d.dev.Close(); cerr != nil {
			err = errors.New().Wrap(camera.ErrDeviceAccess, cerr)
		}

		logger.Info().Str("device", d.path).Msg("Camera device closed")
	})

	return err
}

func (d *Device) pump() {
	defer close(d.done)

	for {
		select {
		case <-d.stop:
			return
		case data, ok := <-d.frames:
			if !ok {
				return
			}

			d.mu.Lock()
			s := d.session
			d.mu.Unlock()
			if s == nil {
				continue
			}

			d.seq++
			buf := make([]byte, len(data))
			copy(buf, data)

			s.deliver(camera.Frame{
				Data:      buf,
				Format:    camera.FormatJPEG,
				Width:     d.width,
				Height:    d.height,
				Sequence:  d.seq,
				Timestamp: time.Now(),
			})
		}
	}
}

func (d *Device) detach(s *session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == s {
		d.session = nil
	}
}

func (d *Device) apply(controls []control) error {
	d.ctrlMu.Lock()
	defer d.ctrlMu.Unlock()

	for _, c := range controls {
		if err := d.dev.SetControlValue(c.id, c.value); err != nil {
			return errors.New().Wrap(camera.ErrSetControl, err).WithData(map[string]any{
				"control": uint32(c.id),
				"value":   int32(c.value),
			})
		}
	}

	return nil
}
