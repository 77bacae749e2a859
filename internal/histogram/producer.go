package histogram

import (
	"context"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/logger"
)

// DefaultDeliveryInterval delivers every third computed histogram.
const DefaultDeliveryInterval = 3

// Listener receives delivered histograms on the producer's worker.
type Listener interface {
	OnHistogram(h Histogram)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(h Histogram)

func (f ListenerFunc) OnHistogram(h Histogram) { f(h) }

// Stats are cumulative producer counters.
type Stats struct {
	Received  uint64 `json:"received"`
	Coalesced uint64 `json:"coalesced"`
	Computed  uint64 `json:"computed"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

type Option func(*Producer)

// WithDeliveryInterval delivers only every nth computed histogram.
func WithDeliveryInterval(n int) Option {
	return func(p *Producer) {
		if n > 0 {
			p.interval = uint64(n)
		}
	}
}

// Producer turns frames written to its Input into histograms. Frames that
// arrive while the worker is busy are coalesced: only the newest is computed.
type Producer struct {
	width    int
	height   int
	interval uint64
	input    *Input

	slotMu  sync.Mutex
	slots   [2][]byte
	latest  int
	reading int
	pending int

	// mu guards listener and is held for the whole dispatch.
	mu       sync.Mutex
	listener Listener

	wake      chan struct{}
	closed    chan struct{}
	done      chan struct{}
	running   bool
	closeOnce sync.Once

	received  atomic.Uint64
	coalesced atomic.Uint64
	computed  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Configure allocates buffers for width×height frames and starts the
// frame-processing worker. A geometry change needs a new Producer.
func Configure(ctx context.Context, width, height int, opts ...Option) (*Producer, error) {
	p, err := newProducer(width, height, opts...)
	if err != nil {
		return nil, err
	}

	p.running = true
	go p.run(ctx)

	logger.Debug().
		Int("width", width).
		Int("height", height).
		Uint64("delivery_interval", p.interval).
		Msg("Histogram producer configured")

	return p, nil
}

func newProducer(width, height int, opts ...Option) (*Producer, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.New().WithData(ErrInvalidGeometry, struct {
			Width  int
			Height int
		}{width, height})
	}

	p := &Producer{
		width:    width,
		height:   height,
		interval: DefaultDeliveryInterval,
		latest:   -1,
		reading:  -1,
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := range p.slots {
		p.slots[i] = make([]byte, width*height)
	}
	for _, opt := range opts {
		opt(p)
	}
	p.input = &Input{p: p}

	return p, nil
}

// Input returns the endpoint frames are written into.
func (p *Producer) Input() *Input {
	return p.input
}

// Subscribe replaces the current listener.
func (p *Producer) Subscribe(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

// Unsubscribe removes the listener. No callback runs after it returns. It
// must not be called from inside OnHistogram.
func (p *Producer) Unsubscribe() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = nil
}

// Pending is the number of frames written since the worker last ran.
func (p *Producer) Pending() int {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()
	return p.pending
}

func (p *Producer) Stats() Stats {
	return Stats{
		Received:  p.received.Load(),
		Coalesced: p.coalesced.Load(),
		Computed:  p.computed.Load(),
		Delivered: p.delivered.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Close unsubscribes, stops the worker and waits for it. Safe to call more
// than once.
func (p *Producer) Close() error {
	p.closeOnce.Do(func() {
		p.Unsubscribe()
		close(p.closed)
	})
	if p.running {
		<-p.done
	}
	return nil
}

func (p *Producer) run(ctx context.Context) {
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closed:
			return
		case <-p.wake:
			p.process()
		}
	}
}

// process computes the newest pending frame and dispatches it if it falls on
// the delivery interval. It reports whether a histogram was computed.
func (p *Producer) process() bool {
	p.slotMu.Lock()
	if p.pending == 0 || p.latest < 0 {
		p.slotMu.Unlock()
		return false
	}
	slot := p.latest
	p.reading = slot
	p.pending = 0
	p.slotMu.Unlock()

	h := FromLuma(p.slots[slot], p.width, p.height, p.width)

	p.slotMu.Lock()
	p.reading = -1
	p.slotMu.Unlock()

	n := p.computed.Add(1)
	if (n-1)%p.interval == 0 {
		p.dispatch(h)
	}

	return true
}

func (p *Producer) dispatch(h Histogram) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener == nil {
		return
	}
	p.listener.OnHistogram(h)
	p.delivered.Add(1)
}

// Input is the write side of a Producer.
type Input struct {
	p *Producer
}

func (in *Input) Width() int  { return in.p.width }
func (in *Input) Height() int { return in.p.height }

// Write copies one luma plane into the producer and signals the worker. It
// never blocks on the worker. A short plane or a closed producer drops the
// frame.
func (in *Input) Write(plane []byte, stride int) error {
	p := in.p
	errFactory := errors.New()

	select {
	case <-p.closed:
		p.dropped.Add(1)
		return errFactory.New(ErrClosed)
	default:
	}

	if stride < p.width {
		stride = p.width
	}
	if need := stride*(p.height-1) + p.width; len(plane) < need {
		p.dropped.Add(1)
		return errFactory.WithData(ErrShortFrame, struct {
			Got  int
			Need int
		}{len(plane), need})
	}

	p.slotMu.Lock()
	slot := 0
	if p.reading == 0 {
		slot = 1
	}
	dst := p.slots[slot]
	for y := 0; y < p.height; y++ {
		copy(dst[y*p.width:(y+1)*p.width], plane[y*stride:y*stride+p.width])
	}
	p.latest = slot
	if p.pending > 0 {
		p.coalesced.Add(1)
	}
	p.pending++
	p.slotMu.Unlock()

	p.received.Add(1)

	select {
	case p.wake <- struct{}{}:
	default:
	}

	return nil
}
