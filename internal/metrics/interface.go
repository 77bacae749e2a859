package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/hdrvideo/internal/exposure"
)

// Collector stores exposure evaluations.
type Collector interface {
	exposure.Observer
	Record(ctx context.Context, rec *Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Repository defines the interface for evaluation storage
type Repository interface {
	Record(rec *Record) error
	Recent(limit int) ([]Record, error)
	Close() error
}

// Record is one stored evaluation.
type Record struct {
	Timestamp  time.Time           `json:"timestamp"`
	Tick       uint64              `json:"tick"`
	Policy     string              `json:"policy"`
	Class      string              `json:"class"`
	Mean       float64             `json:"mean"`
	DarkTail   float64             `json:"dark_tail"`
	BrightTail float64             `json:"bright_tail"`
	Channel    string              `json:"channel"`
	Factor     float64             `json:"factor"`
	Parameters exposure.Parameters `json:"parameters"`
	Published  bool                `json:"published"`
	// Histogram is nil when the dump was skipped.
	Histogram []uint64 `json:"histogram,omitempty"`
}
