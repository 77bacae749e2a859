package capture

import (
	"time"

	"codeberg.org/mutker/hdrvideo/internal/camera"
	"codeberg.org/mutker/hdrvideo/internal/exposure"
	"codeberg.org/mutker/hdrvideo/internal/mode"
)

// Kind tags a request strategy.
type Kind int

const (
	Alternating Kind = iota
	SingleUnder
	SingleOver
)

func (k Kind) String() string {
	switch k {
	case Alternating:
		return "alternating"
	case SingleUnder:
		return "single_under"
	case SingleOver:
		return "single_over"
	default:
		return "unknown"
	}
}

// KindFor maps a capture mode to the strategy that serves it. Record keeps the
// alternating stream running.
func KindFor(m mode.Mode) Kind {
	switch m {
	case mode.UnderExpose:
		return SingleUnder
	case mode.OverExpose:
		return SingleOver
	default:
		return Alternating
	}
}

// RequestSet is what a strategy submits to a session.
type RequestSet struct {
	Burst    bool
	Requests []camera.Request
}

// Submit issues the set as a repeating request or burst.
func (rs RequestSet) Submit(s camera.Session) error {
	if rs.Burst {
		return s.SetRepeatingBurst(rs.Requests)
	}

	return s.SetRepeatingRequest(rs.Requests[0])
}

// Strategy builds the sensor requests for one capture mode. Frames of the
// under request feed the under port of the meter and the recorder; preview
// targets follow the over request.
type Strategy struct {
	kind          Kind
	frameDuration time.Duration
	meter         *meter
	sink          camera.Target
	preview       []camera.Target
}

func newStrategy(kind Kind, frameDuration time.Duration, m *meter, sink camera.Target, preview []camera.Target) Strategy {
	return Strategy{
		kind:          kind,
		frameDuration: frameDuration,
		meter:         m,
		sink:          sink,
		preview:       preview,
	}
}

func (s Strategy) Kind() Kind { return s.kind }

// Targets lists every target the session must bind.
func (s Strategy) Targets() []camera.Target {
	var targets []camera.Target
	if s.meter != nil {
		if s.kind == Alternating {
			targets = append(targets, s.meter.under, s.meter.over)
		} else {
			targets = append(targets, s.meter.single)
		}
	}
	if s.sink != nil {
		targets = append(targets, s.sink)
	}

	return append(targets, s.preview...)
}

// BuildRequest turns p into the request set for this strategy.
func (s Strategy) BuildRequest(p exposure.Parameters) RequestSet {
	under, over, single := s.ports()

	switch s.kind {
	case SingleUnder:
		return RequestSet{Requests: []camera.Request{
			s.request(p.UnderISO, p.UnderDuration, single, true),
		}}
	case SingleOver:
		return RequestSet{Requests: []camera.Request{
			s.request(p.OverISO, p.OverDuration, single, true),
		}}
	default:
		return RequestSet{Burst: true, Requests: []camera.Request{
			s.request(p.UnderISO, p.UnderDuration, under, false),
			s.request(p.OverISO, p.OverDuration, over, true),
		}}
	}
}

func (s Strategy) ports() (under, over, single camera.Target) {
	if s.meter == nil {
		return nil, nil, nil
	}

	return s.meter.under, s.meter.over, s.meter.single
}

func (s Strategy) request(iso int, d time.Duration, meterPort camera.Target, withPreview bool) camera.Request {
	var targets []camera.Target
	if meterPort != nil {
		targets = append(targets, meterPort)
	}
	if s.sink != nil {
		targets = append(targets, s.sink)
	}
	if withPreview {
		targets = append(targets, s.preview...)
	}

	return camera.Request{
		Targets:          targets,
		ISO:              iso,
		ExposureDuration: d,
		FrameDuration:    s.frameDuration,
	}
}
