//go:build linux

package v4l

import (
	"sync"

	"codeberg.org/mutker/hdrvideo/internal/camera"
	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/logger"
	"github.com/vladimirvivien/go4vl/v4l2"
)

type session struct {
	dev     *Device
	targets []camera.Target

	// fanout is read-held while frames reach targets; Close write-locks it.
	fanout sync.RWMutex

	mu      sync.Mutex
	active  []camera.Request
	pending []camera.Request
	next    int
	applied *camera.Request
	closed  bool
}

func (s *session) SetRepeatingRequest(req camera.Request) error {
	return s.SetRepeatingBurst([]camera.Request{req})
}

func (s *session) SetRepeatingBurst(reqs []camera.Request) error {
	errFactory := errors.New()

	if len(reqs) == 0 {
		return errFactory.Wrap(camera.ErrConfigurationRejected, errFactory.New(camera.ErrEmptyBurst))
	}
	for _, r := range reqs {
		if err := s.validate(r); err != nil {
			return err
		}
	}

	burst := append([]camera.Request(nil), reqs...)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errFactory.New(camera.ErrSessionClosed)
	}

	first := s.active == nil
	if first {
		s.active = burst
		s.next = 0
	} else {
		s.pending = burst
	}
	s.mu.Unlock()

	if !first {
		return nil
	}

	if err := s.dev.apply(controlsFor(burst[0], nil)); err != nil {
		return errFactory.Wrap(camera.ErrDeviceAccess, err)
	}

	s.mu.Lock()
	s.applied = &burst[0]
	s.mu.Unlock()

	return nil
}

func (s *session) validate(r camera.Request) error {
	errFactory := errors.New()

	for _, t := range r.Targets {
		if !s.bound(t) {
			return errFactory.WithData(camera.ErrConfigurationRejected, "request target "+t.Name()+" is not bound to the session")
		}
	}
	if !r.AutoExposure && (r.ISO <= 0 || r.ExposureDuration <= 0) {
		return errFactory.WithData(camera.ErrConfigurationRejected, "manual request needs ISO and exposure duration")
	}
	if r.FrameDuration > 0 && r.FrameDuration != s.dev.frameDuration {
		return errFactory.WithData(camera.ErrConfigurationRejected,
			"frame duration "+r.FrameDuration.String()+" differs from the stream's "+s.dev.frameDuration.String())
	}

	return nil
}

func (s *session) bound(t camera.Target) bool {
	for _, b := range s.targets {
		if b == t {
			return true
		}
	}

	return false
}

// deliver hands f to the targets of the request it was captured under and
// programs the controls for the next request in the burst.
func (s *session) deliver(f camera.Frame) {
	s.fanout.RLock()
	defer s.fanout.RUnlock()

	s.mu.Lock()
	if s.closed || s.active == nil {
		s.mu.Unlock()
		return
	}

	current := s.active[s.next]
	s.next = (s.next + 1) % len(s.active)
	if s.next == 0 && s.pending != nil {
		s.active = s.pending
		s.pending = nil
	}
	upcoming := s.active[s.next]
	previous := s.applied
	s.applied = &upcoming
	s.mu.Unlock()

	targets := current.Targets
	if len(targets) == 0 {
		targets = s.targets
	}
	for _, t := range targets {
		t.Accept(f)
	}

	if controls := controlsFor(upcoming, previous); len(controls) > 0 {
		if err := s.dev.apply(controls); err != nil {
			logger.Warn().Err(err).Msg("Failed to program next request")
		}
	}
}

func (s *session) Close() error {
	// Taking fanout waits out an in-flight delivery.
	s.fanout.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.fanout.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.fanout.Unlock()

	s.dev.detach(s)
	logger.Debug().Msg("Capture session closed")

	return nil
}

// controlsFor lists the control writes that move the sensor from prev to r.
// Frame duration is not among them; validate pins it to the open stream.
func controlsFor(r camera.Request, prev *camera.Request) []control {
	if r.AutoExposure {
		if prev != nil && prev.AutoExposure {
			return nil
		}
		return []control{
			{ctrlExposureAuto, exposureAperturePrio},
			{ctrlISOSensitivityAuto, isoAuto},
		}
	}

	var controls []control
	if prev == nil || prev.AutoExposure {
		controls = append(controls,
			control{ctrlExposureAuto, exposureManual},
			control{ctrlISOSensitivityAuto, isoManual},
		)
	}
	if prev == nil || prev.AutoExposure || prev.ExposureDuration != r.ExposureDuration {
		controls = append(controls, control{ctrlExposureAbsolute, exposureUnits(r.ExposureDuration)})
	}
	if prev == nil || prev.AutoExposure || prev.ISO != r.ISO {
		controls = append(controls, control{ctrlISOSensitivity, v4l2.CtrlValue(r.ISO)})
	}

	return controls
}
