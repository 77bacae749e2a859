package capture

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/hdrvideo/internal/camera"
	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/histogram"
	"codeberg.org/mutker/hdrvideo/internal/logger"
)

const meterQueue = 4

type port int

const (
	portSingle port = iota
	portUnder
	portOver
)

func (p port) String() string {
	switch p {
	case portUnder:
		return "under"
	case portOver:
		return "over"
	default:
		return "single"
	}
}

type portFrame struct {
	port  port
	frame camera.Frame
}

type meterPort struct {
	m    *meter
	port port
	name string
}

func (p *meterPort) Name() string { return p.name }

func (p *meterPort) Accept(f camera.Frame) { p.m.offer(p.port, f) }

// meter decodes luma planes off the delivery path and writes every frame,
// under and over alike, into the histogram producer in capture order.
type meter struct {
	input  *histogram.Input
	under  camera.Target
	over   camera.Target
	single camera.Target

	frames  chan portFrame
	closed  chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func newMeter(ctx context.Context, in *histogram.Input) *meter {
	m := &meter{
		input:  in,
		frames: make(chan portFrame, meterQueue),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.under = &meterPort{m: m, port: portUnder, name: "meter_under"}
	m.over = &meterPort{m: m, port: portOver, name: "meter_over"}
	m.single = &meterPort{m: m, port: portSingle, name: "meter"}

	go m.run(ctx)

	return m
}

func (m *meter) offer(p port, f camera.Frame) {
	select {
	case <-m.closed:
		return
	default:
	}

	select {
	case m.frames <- portFrame{port: p, frame: f}:
	default:
		m.dropped.Add(1)
	}
}

func (m *meter) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *meter) close() {
	m.once.Do(func() {
		close(m.closed)
	})
	<-m.done
}

func (m *meter) run(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closed:
			return
		case pf := <-m.frames:
			if err := m.handle(pf); err != nil {
				m.dropped.Add(1)
				logger.Debug().Err(err).Str("port", pf.port.String()).Msg("Metering frame dropped")
			}
		}
	}
}

func (m *meter) handle(pf portFrame) error {
	plane, stride, err := m.luma(pf.frame)
	if err != nil {
		return err
	}

	return m.input.Write(plane, stride)
}

// luma extracts the Y plane of f and checks it against the producer geometry.
func (m *meter) luma(f camera.Frame) ([]byte, int, error) {
	errFactory := errors.New()

	var (
		plane  []byte
		stride int
		bounds image.Rectangle
	)

	switch f.Format {
	case camera.FormatGray:
		stride = f.Stride
		if stride == 0 {
			stride = f.Width
		}
		plane = f.Data
		bounds = image.Rect(0, 0, f.Width, f.Height)
	case camera.FormatJPEG:
		img, err := jpeg.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, 0, errFactory.Wrap(histogram.ErrShortFrame, err)
		}
		switch img := img.(type) {
		case *image.YCbCr:
			plane, stride, bounds = img.Y, img.YStride, img.Rect
		case *image.Gray:
			plane, stride, bounds = img.Pix, img.Stride, img.Rect
		default:
			return nil, 0, errFactory.New(ErrUnknownFrame)
		}
	default:
		return nil, 0, errFactory.New(ErrUnknownFrame)
	}

	width, height := m.input.Width(), m.input.Height()
	if bounds.Dx() != width || bounds.Dy() != height {
		return nil, 0, errFactory.WithData(histogram.ErrInvalidGeometry, bounds.Size())
	}
	if need := stride*(height-1) + width; len(plane) < need {
		return nil, 0, errFactory.New(histogram.ErrShortFrame)
	}

	return plane, stride, nil
}
