// Package recorder writes the capture stream to Motion-JPEG AVI files.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/hdrvideo/internal/camera"
	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/logger"
	"github.com/dustin/go-humanize"
	"github.com/icza/mjpeg"
)

const (
	defaultQueue    = 32
	defaultDirPerm  = 0o755
	timestampLayout = "20060102_150405"
)

type Config struct {
	Dir    string
	Width  int
	Height int
	FPS    int
	// Queue is the number of frames buffered ahead of the writer.
	Queue int
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Dir == "" {
		return errFactory.WithData(ErrInvalidConfig, "output directory is required")
	}
	if c.Width <= 0 || c.Height <= 0 || c.FPS <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "width, height and fps must be positive")
	}
	return nil
}

// Recorder is a capture target that writes JPEG frames between Start and
// Stop. Accept never blocks: frames that do not fit the queue are dropped.
type Recorder struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	active *take
}

type take struct {
	writer  mjpeg.AviWriter
	tmpPath string
	started time.Time
	frames  chan []byte
	done    chan error
	written atomic.Int64
	dropped atomic.Int64
}

func New(cfg Config) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Queue <= 0 {
		cfg.Queue = defaultQueue
	}

	return &Recorder{cfg: cfg, now: time.Now}, nil
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

func (r *Recorder) Accept(f camera.Frame) {
	if f.Format != camera.FormatJPEG {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.active
	if t == nil {
		return
	}

	select {
	case t.frames <- f.Data:
	default:
		t.dropped.Add(1)
	}
}

// Start opens a new temporary AVI file in the output directory.
func (r *Recorder) Start() error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return errFactory.New(ErrAlreadyRecording)
	}

	if err := os.MkdirAll(r.cfg.Dir, defaultDirPerm); err != nil {
		return errFactory.Wrap(ErrRecordingFailed, err)
	}

	started := r.now()
	tmp := filepath.Join(r.cfg.Dir, fmt.Sprintf(".VID_%s.avi.tmp", started.Format(timestampLayout)))

	aw, err := mjpeg.New(tmp, int32(r.cfg.Width), int32(r.cfg.Height), int32(r.cfg.FPS))
	if err != nil {
		return errFactory.Wrap(ErrRecordingFailed, err)
	}

	t := &take{
		writer:  aw,
		tmpPath: tmp,
		started: started,
		frames:  make(chan []byte, r.cfg.Queue),
		done:    make(chan error, 1),
	}
	go t.write()
	r.active = t

	logger.Info().Str("path", tmp).Msg("Recording started")

	return nil
}

// Stop finalizes the file and returns its path.
func (r *Recorder) Stop() (string, error) {
	errFactory := errors.New()

	r.mu.Lock()
	t := r.active
	r.active = nil
	if t != nil {
		close(t.frames)
	}
	r.mu.Unlock()

	if t == nil {
		return "", errFactory.New(ErrNotRecording)
	}

	if err := <-t.done; err != nil {
		_ = os.Remove(t.tmpPath)
		return "", errFactory.Wrap(ErrRecordingFailed, err)
	}
	if t.written.Load() == 0 {
		_ = os.Remove(t.tmpPath)
		return "", errFactory.Wrap(ErrRecordingFailed, errFactory.New(ErrNoFrames))
	}

	path := r.finalPath(t.started)
	if err := os.Rename(t.tmpPath, path); err != nil {
		return "", errFactory.Wrap(ErrRecordingFailed, err)
	}

	event := logger.Info().
		Str("path", path).
		Int64("frames", t.written.Load()).
		Int64("dropped", t.dropped.Load()).
		Dur("duration", r.now().Sub(t.started))
	if info, err := os.Stat(path); err == nil {
		event.Str("size", humanize.Bytes(uint64(info.Size())))
	}
	event.Msg("Recording finalized")

	return path, nil
}

func (r *Recorder) finalPath(started time.Time) string {
	base := "VID_" + started.Format(timestampLayout)
	path := filepath.Join(r.cfg.Dir, base+".avi")

	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(r.cfg.Dir, fmt.Sprintf("%s_%d.avi", base, i))
	}
}

func (t *take) write() {
	var firstErr error

	for data := range t.frames {
		if firstErr != nil {
			continue
		}
		if err := t.writer.AddFrame(data); err != nil {
			firstErr = err
			continue
		}
		t.written.Add(1)
	}

	if err := t.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	t.done <- firstErr
}
