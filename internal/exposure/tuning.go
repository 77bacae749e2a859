package exposure

import (
	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/histogram"
)

// Tuning holds the empirically chosen metering thresholds.
type Tuning struct {
	// Epsilon is the relative mean change below which a sample is ambiguous.
	Epsilon float64
	// TailWidth is the number of buckets at each end counted as clipped.
	TailWidth int
	// NearTailWidth is the number of buckets next to each tail.
	NearTailWidth     int
	ClipThreshold     float64
	NearTailThreshold float64
	WeakIncrease      float64
	WeakDecrease      float64
	// SpreadFactor pushes the over channel up and the under channel down
	// when the two have drifted together.
	SpreadFactor float64
}

func DefaultTuning() Tuning {
	return Tuning{
		Epsilon:           0.01,
		TailWidth:         4,
		NearTailWidth:     16,
		ClipThreshold:     0.02,
		NearTailThreshold: 0.2,
		WeakIncrease:      1.05,
		WeakDecrease:      0.95,
		SpreadFactor:      1.25,
	}
}

func (t Tuning) Validate() error {
	errFactory := errors.New()

	switch {
	case t.Epsilon < 0 || t.Epsilon >= 1:
		return errFactory.WithData(ErrInvalidTuning, "epsilon must be in [0, 1)")
	case t.TailWidth <= 0 || t.NearTailWidth < 0 || 2*(t.TailWidth+t.NearTailWidth) > histogram.Bins:
		return errFactory.WithData(ErrInvalidTuning, "tail bands must fit the histogram")
	case t.ClipThreshold < 0 || t.ClipThreshold > 1 || t.NearTailThreshold < 0 || t.NearTailThreshold > 1:
		return errFactory.WithData(ErrInvalidTuning, "thresholds must be fractions")
	case t.WeakIncrease <= 1 || t.SpreadFactor <= 1:
		return errFactory.WithData(ErrInvalidTuning, "increase factors must exceed 1")
	case t.WeakDecrease <= 0 || t.WeakDecrease >= 1:
		return errFactory.WithData(ErrInvalidTuning, "decrease factor must be in (0, 1)")
	}

	return nil
}

// underFactor chooses the correction for the under channel from the bright
// end: clipped highlights darken it, unused headroom brightens it.
func (t Tuning) underFactor(h histogram.Histogram) float64 {
	if h.BrightTail(t.TailWidth) > t.ClipThreshold {
		return t.WeakDecrease
	}
	if h.NearBright(t.TailWidth, t.NearTailWidth) < t.NearTailThreshold {
		return t.WeakIncrease
	}
	return 1
}

// overFactor chooses the correction for the over channel from the dark end:
// crushed shadows brighten it, an empty shadow band darkens it.
func (t Tuning) overFactor(h histogram.Histogram) float64 {
	if h.DarkTail(t.TailWidth) > t.ClipThreshold {
		return t.WeakIncrease
	}
	if h.NearDark(t.TailWidth, t.NearTailWidth) < t.NearTailThreshold {
		return t.WeakDecrease
	}
	return 1
}
