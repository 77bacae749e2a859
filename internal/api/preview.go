package api

import (
	"sync"

	"codeberg.org/mutker/hdrvideo/internal/camera"
)

// Preview is a camera target that keeps the newest JPEG frame and hands it to
// stream subscribers. A subscriber that falls behind only ever sees the most
// recent frame.
type Preview struct {
	mu     sync.Mutex
	latest []byte
	subs   map[chan []byte]struct{}
	closed bool
}

func NewPreview() *Preview {
	return &Preview{subs: make(map[chan []byte]struct{})}
}

func (p *Preview) Name() string { return "preview" }

// Accept implements camera.Target. Non-JPEG frames are ignored.
func (p *Preview) Accept(f camera.Frame) {
	if f.Format != camera.FormatJPEG || len(f.Data) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.latest = f.Data
	for ch := range p.subs {
		offer(ch, f.Data)
	}
}

// Latest returns the newest frame, or nil before the first one.
func (p *Preview) Latest() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Subscribe returns a channel of frames, primed with the newest frame if
// there is one, and a function that ends the subscription. The channel is
// closed when the subscription ends or the preview is closed.
func (p *Preview) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	p.subs[ch] = struct{}{}
	if p.latest != nil {
		ch <- p.latest
	}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.subs[ch]; ok {
				delete(p.subs, ch)
				close(ch)
			}
		})
	}
}

func (p *Preview) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close ends every subscription. Later frames are dropped.
func (p *Preview) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for ch := range p.subs {
		delete(p.subs, ch)
		close(ch)
	}
}

// offer replaces any frame the subscriber has not taken yet.
func offer(ch chan []byte, frame []byte) {
	select {
	case ch <- frame:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- frame:
	default:
	}
}
