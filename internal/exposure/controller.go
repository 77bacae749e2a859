// Package exposure owns the live dual-channel exposure parameters and turns
// luminance histograms into bounded ISO and duration corrections.
package exposure

import (
	"sync"
	"time"

	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/histogram"
	"codeberg.org/mutker/hdrvideo/internal/logger"
	"codeberg.org/mutker/hdrvideo/internal/mode"
)

// State is the controller's own lifecycle, independent of the capture mode.
type State int32

const (
	StateIdle State = iota
	StateArmed
	StateAutoMetering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateAutoMetering:
		return "auto_metering"
	default:
		return "unknown"
	}
}

// Class is how a sample compares with the previous one.
type Class int

const (
	ClassSkipped Class = iota
	ClassStarved
	ClassBaseline
	ClassUnder
	ClassOver
	ClassAmbiguous
)

func (c Class) String() string {
	switch c {
	case ClassSkipped:
		return "skipped"
	case ClassStarved:
		return "starved"
	case ClassBaseline:
		return "baseline"
	case ClassUnder:
		return "under"
	case ClassOver:
		return "over"
	case ClassAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Listener receives parameter snapshots. It is called with the controller's
// listener lock held and must not block or call AttachListener or
// DetachListener.
type Listener interface {
	OnParameters(p Parameters)
}

type ListenerFunc func(p Parameters)

func (f ListenerFunc) OnParameters(p Parameters) { f(p) }

// PolicySource reports the current metering policy.
type PolicySource interface {
	MeteringPolicy() mode.Policy
}

type PolicyFunc func() mode.Policy

func (f PolicyFunc) MeteringPolicy() mode.Policy { return f() }

// Evaluation is the diagnostic record of one evaluated histogram.
type Evaluation struct {
	Time       time.Time
	Tick       uint64
	Policy     mode.Policy
	Class      Class
	Mean       float64
	DarkTail   float64
	BrightTail float64
	Channel    Channel
	Factor     float64
	Parameters Parameters
	Published  bool
	Histogram  histogram.Histogram
}

// Observer receives every Evaluation that got past the gate.
type Observer interface {
	Observe(ev Evaluation)
}

type Option func(*Controller)

func WithLimits(l Limits) Option {
	return func(c *Controller) { c.limits = l }
}

func WithTuning(t Tuning) Option {
	return func(c *Controller) { c.tuning = t }
}

// WithParameters overrides the initial parameters.
func WithParameters(p Parameters) Option {
	return func(c *Controller) {
		c.params = p
		c.paramsSet = true
	}
}

func WithPolicySource(ps PolicySource) Option {
	return func(c *Controller) { c.policy = ps }
}

func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// Controller holds the exposure parameters. All parameter access goes
// through mu; snapshots are copies.
type Controller struct {
	limits    Limits
	tuning    Tuning
	policy    PolicySource
	observer  Observer
	paramsSet bool

	mu          sync.Mutex
	params      Parameters
	state       State
	baseline    float64
	hasBaseline bool
	tick        uint64
	dirty       bool

	// listenerMu is always taken before mu.
	listenerMu sync.Mutex
	listener   Listener
}

func New(opts ...Option) (*Controller, error) {
	errFactory := errors.New()

	c := &Controller{
		limits: DefaultLimits(),
		tuning: DefaultTuning(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.limits.Validate(); err != nil {
		return nil, err
	}
	if err := c.tuning.Validate(); err != nil {
		return nil, err
	}
	if !c.paramsSet {
		c.params = InitialParameters(c.limits)
	}
	if !c.params.Within(c.limits) {
		return nil, errFactory.WithData(ErrInvalidParameters, c.params)
	}

	return c, nil
}

func (c *Controller) Limits() Limits { return c.limits }
func (c *Controller) Tuning() Tuning { return c.tuning }

// Snapshot returns a copy of the current parameters.
func (c *Controller) Snapshot() Parameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AttachListener replaces the listener and arms an idle controller. A nil
// listener detaches.
func (c *Controller) AttachListener(l Listener) {
	if l == nil {
		c.DetachListener()
		return
	}

	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listener = l

	c.mu.Lock()
	if c.state == StateIdle {
		c.state = StateArmed
	}
	c.mu.Unlock()
}

// DetachListener removes the listener and returns to Idle. No callback runs
// after it returns.
func (c *Controller) DetachListener() {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listener = nil

	c.mu.Lock()
	c.state = StateIdle
	c.hasBaseline = false
	c.mu.Unlock()
}

// StartAutoMetering (re)enters AutoMetering with a fresh baseline.
func (c *Controller) StartAutoMetering() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle {
		return errors.New().WithMessage(ErrInvalidOperation, "auto metering needs an attached listener")
	}
	c.state = StateAutoMetering
	c.hasBaseline = false
	c.tick = 0

	return nil
}

func (c *Controller) StopAutoMetering() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateAutoMetering {
		c.state = StateArmed
	}
}

// AdjustUnderexposure applies f to the under channel and publishes the result
// if it changed anything.
func (c *Controller) AdjustUnderexposure(f float64) Parameters {
	return c.adjust(ChannelUnder, f)
}

// AdjustOverexposure applies f to the over channel and publishes the result
// if it changed anything.
func (c *Controller) AdjustOverexposure(f float64) Parameters {
	return c.adjust(ChannelOver, f)
}

func (c *Controller) adjust(ch Channel, f float64) Parameters {
	c.mu.Lock()
	changed := c.apply(ch, f)
	snap := c.params
	c.mu.Unlock()

	if changed {
		c.publish()
	}

	return snap
}

// OnHistogram makes the controller a histogram listener.
func (c *Controller) OnHistogram(h histogram.Histogram) {
	c.Evaluate(h)
}

// Evaluate runs one metering tick.
func (c *Controller) Evaluate(h histogram.Histogram) Evaluation {
	policy := mode.Adjust
	if c.policy != nil {
		policy = c.policy.MeteringPolicy()
	}
	ev := Evaluation{Time: time.Now(), Policy: policy, Factor: 1, Histogram: h}

	c.mu.Lock()
	if c.state != StateAutoMetering || policy == mode.Suppress {
		c.mu.Unlock()
		ev.Class = ClassSkipped
		return ev
	}

	if h.Total() == 0 {
		c.mu.Unlock()
		ev.Class = ClassStarved
		logger.Debug().Msg("Empty histogram, evaluation tick skipped")
		return ev
	}

	ev.Mean = h.Mean()
	ev.DarkTail = h.DarkTail(c.tuning.TailWidth)
	ev.BrightTail = h.BrightTail(c.tuning.TailWidth)

	c.tick++
	ev.Tick = c.tick

	if !c.hasBaseline {
		c.hasBaseline = true
		c.baseline = ev.Mean
		ev.Class = ClassBaseline
		ev.Parameters = c.params
		c.mu.Unlock()
		c.observe(ev)
		return ev
	}

	ev.Class = classify(ev.Mean, c.baseline, c.tuning.Epsilon)
	c.baseline = ev.Mean
	even := c.tick%2 == 0

	if policy == mode.Adjust {
		switch ev.Class {
		case ClassAmbiguous:
			if even {
				ev.Channel = ChannelBoth
				ev.Factor = c.tuning.SpreadFactor
				c.apply(ChannelOver, c.tuning.SpreadFactor)
				c.apply(ChannelUnder, 1/c.tuning.SpreadFactor)
			}
		case ClassUnder:
			ev.Channel = ChannelUnder
			ev.Factor = c.tuning.underFactor(h)
			c.apply(ChannelUnder, ev.Factor)
		case ClassOver:
			ev.Channel = ChannelOver
			ev.Factor = c.tuning.overFactor(h)
			c.apply(ChannelOver, ev.Factor)
		}
	}

	ev.Parameters = c.params
	publish := even && c.dirty
	c.mu.Unlock()

	if publish {
		ev.Published = c.publish()
	}
	c.observe(ev)

	return ev
}

// classify compares mean with the previous sample using a relative threshold.
func classify(mean, prev, eps float64) Class {
	switch {
	case mean > prev*(1+eps):
		return ClassUnder
	case mean < prev*(1-eps):
		return ClassOver
	default:
		return ClassAmbiguous
	}
}

// apply runs the bounded law for one channel. c.mu must be held.
func (c *Controller) apply(ch Channel, f float64) bool {
	var next Parameters
	switch ch {
	case ChannelUnder:
		next = adjustUnder(c.params, f, c.limits)
	case ChannelOver:
		next = adjustOver(c.params, f, c.limits)
	default:
		return false
	}

	if next == c.params {
		return false
	}
	if !next.Within(c.limits) {
		logger.ErrorWithCode(errors.New().WithData(ErrInvariantViolation, next)).
			Str("channel", ch.String()).
			Float64("factor", f).
			Msg("Discarding out of range exposure parameters")
		return false
	}

	c.params = next
	c.dirty = true

	return true
}

// publish sends the latest snapshot to the listener, if any.
func (c *Controller) publish() bool {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	if c.listener == nil {
		return false
	}

	c.mu.Lock()
	snap := c.params
	c.dirty = false
	c.mu.Unlock()

	c.listener.OnParameters(snap)

	logger.Debug().
		Int("under_iso", snap.UnderISO).
		Dur("under_duration", snap.UnderDuration).
		Int("over_iso", snap.OverISO).
		Dur("over_duration", snap.OverDuration).
		Msg("Exposure parameters published")

	return true
}

func (c *Controller) observe(ev Evaluation) {
	logger.Debug().
		Uint64("tick", ev.Tick).
		Str("policy", ev.Policy.String()).
		Str("class", ev.Class.String()).
		Float64("mean", ev.Mean).
		Float64("dark_tail", ev.DarkTail).
		Float64("bright_tail", ev.BrightTail).
		Str("channel", ev.Channel.String()).
		Float64("factor", ev.Factor).
		Bool("published", ev.Published).
		Msg("Histogram evaluated")

	if c.observer != nil {
		c.observer.Observe(ev)
	}
}
