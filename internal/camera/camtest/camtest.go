// Package camtest provides an in-memory camera.Device for tests.
package camtest

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"

	"codeberg.org/mutker/hdrvideo/internal/camera"
	"codeberg.org/mutker/hdrvideo/internal/errors"
)

// Driver hands out Device, or fails with Err.
type Driver struct {
	Device *Device
	Err    error
}

func (d *Driver) Open(context.Context) (camera.Device, error) {
	if d.Err != nil {
		return nil, d.Err
	}

	return d.Device, nil
}

// Device records sessions and the requests they were given. Frames are
// pushed with Emit and routed the way a burst-capable sensor would.
type Device struct {
	mu          sync.Mutex
	sessions    []*Session
	live        *Session
	closed      bool
	closeCount  int
	createErr   error
	requestErr  error
	onRequested func(*Session)
}

func NewDevice() *Device {
	return &Device{}
}

// FailNextSession makes the next CreateSession return err.
func (d *Device) FailNextSession(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createErr = err
}

// FailRequests makes every later SetRepeating* call return err.
func (d *Device) FailRequests(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestErr = err
}

// OnRequest registers fn to run after every accepted repeating request.
func (d *Device) OnRequest(fn func(*Session)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRequested = fn
}

func (d *Device) CreateSession(_ context.Context, targets []camera.Target) (camera.Session, error) {
	errFactory := errors.New()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errFactory.New(camera.ErrDeviceClosed)
	}
	if err := d.createErr; err != nil {
		d.createErr = nil
		return nil, err
	}
	if d.live != nil {
		return nil, errFactory.Wrap(camera.ErrConfigurationRejected, errFactory.New(camera.ErrSessionInUse))
	}
	if len(targets) == 0 {
		return nil, errFactory.Wrap(camera.ErrConfigurationRejected, errFactory.New(camera.ErrNoTargets))
	}

	s := &Session{dev: d, targets: append([]camera.Target(nil), targets...)}
	d.sessions = append(d.sessions, s)
	d.live = s

	return s, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	live := d.live
	d.closed = true
	d.closeCount++
	d.mu.Unlock()

	if live != nil {
		_ = live.Close()
	}

	return nil
}

func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCount
}

// Sessions returns every session created so far, oldest first.
func (d *Device) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Live returns the open session, if any.
func (d *Device) Live() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// Emit captures one frame on the live session. It reports false when no
// session is running.
func (d *Device) Emit(f camera.Frame) bool {
	s := d.Live()
	if s == nil {
		return false
	}

	return s.emit(f)
}

// Session is a recorded capture session.
type Session struct {
	dev     *Device
	targets []camera.Target

	mu      sync.Mutex
	bursts  [][]camera.Request
	active  []camera.Request
	pending []camera.Request
	next    int
	closed  bool
}

func (s *Session) SetRepeatingRequest(req camera.Request) error {
	return s.SetRepeatingBurst([]camera.Request{req})
}

func (s *Session) SetRepeatingBurst(reqs []camera.Request) error {
	errFactory := errors.New()

	s.dev.mu.Lock()
	reqErr := s.dev.requestErr
	hook := s.dev.onRequested
	s.dev.mu.Unlock()

	if reqErr != nil {
		return reqErr
	}
	if len(reqs) == 0 {
		return errFactory.Wrap(camera.ErrConfigurationRejected, errFactory.New(camera.ErrEmptyBurst))
	}

	burst := append([]camera.Request(nil), reqs...)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errFactory.New(camera.ErrSessionClosed)
	}
	s.bursts = append(s.bursts, burst)
	if s.active == nil {
		s.active = burst
	} else {
		s.pending = burst
	}
	s.mu.Unlock()

	if hook != nil {
		hook(s)
	}

	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.dev.mu.Lock()
	if s.dev.live == s {
		s.dev.live = nil
	}
	s.dev.mu.Unlock()

	return nil
}

func (s *Session) emit(f camera.Frame) bool {
	s.mu.Lock()
	if s.closed || s.active == nil {
		s.mu.Unlock()
		return false
	}
	req := s.active[s.next]
	s.next = (s.next + 1) % len(s.active)
	if s.next == 0 && s.pending != nil {
		s.active, s.pending = s.pending, nil
	}
	s.mu.Unlock()

	targets := req.Targets
	if len(targets) == 0 {
		targets = s.targets
	}
	for _, t := range targets {
		t.Accept(f)
	}

	return true
}

func (s *Session) Targets() []camera.Target {
	return append([]camera.Target(nil), s.targets...)
}

// Bursts returns every repeating burst the session was given, in order.
func (s *Session) Bursts() [][]camera.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]camera.Request(nil), s.bursts...)
}

// Last returns the most recent repeating burst.
func (s *Session) Last() []camera.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bursts) == 0 {
		return nil
	}
	return s.bursts[len(s.bursts)-1]
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// GrayJPEG encodes a uniform width×height frame at luma level.
func GrayJPEG(width, height int, level uint8) []byte {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = level
	}

	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})

	return buf.Bytes()
}

// JPEGFrame wraps GrayJPEG in a camera.Frame.
func JPEGFrame(width, height int, level uint8) camera.Frame {
	return camera.Frame{
		Data:   GrayJPEG(width, height, level),
		Format: camera.FormatJPEG,
		Width:  width,
		Height: height,
	}
}
