package exposure

import (
	"math"
	"time"
)

// adjustOver scales the over channel by f. ISO moves first; once ISO is at
// its minimum the duration moves instead, and a duration pushed past the
// maximum saturates and lifts ISO off the minimum so the next increase has
// somewhere to go. The over channel never drops below the under channel.
func adjustOver(p Parameters, f float64, l Limits) Parameters {
	f, ok := sanitizeFactor(f)
	if !ok || f == 1 {
		return p
	}

	if p.OverISO != l.MinISO {
		p.OverISO = clamp(scaleISO(p.OverISO, f, l), p.UnderISO, l.MaxISO)
		return p
	}

	d := scaleDuration(p.OverDuration, f, l)
	if d > l.MaxDuration {
		p.OverDuration = l.MaxDuration
		p.OverISO = l.MinISO + 1
		return p
	}
	p.OverDuration = clamp(d, max(p.UnderDuration, l.MinDuration), l.MaxDuration)

	return p
}

// adjustUnder is adjustOver mirrored: the under channel never rises above the
// over channel.
func adjustUnder(p Parameters, f float64, l Limits) Parameters {
	f, ok := sanitizeFactor(f)
	if !ok || f == 1 {
		return p
	}

	if p.UnderISO != l.MinISO {
		p.UnderISO = clamp(scaleISO(p.UnderISO, f, l), l.MinISO, p.OverISO)
		return p
	}

	d := scaleDuration(p.UnderDuration, f, l)
	if d > l.MaxDuration {
		p.UnderDuration = min(l.MaxDuration, p.OverDuration)
		if p.OverISO != l.MinISO {
			p.UnderISO = l.MinISO + 1
		}
		return p
	}
	p.UnderDuration = clamp(d, l.MinDuration, p.OverDuration)

	return p
}

// sanitizeFactor rejects NaN and maps negative factors to zero.
func sanitizeFactor(f float64) (float64, bool) {
	if math.IsNaN(f) {
		return 0, false
	}
	if f < 0 {
		return 0, true
	}
	return f, true
}

// scaleISO rounds to the nearest step but always moves at least one step in
// the factor's direction.
func scaleISO(iso int, f float64, l Limits) int {
	v := math.Round(float64(iso) * f)
	switch {
	case f > 1 && v <= float64(iso):
		v = float64(iso + 1)
	case f < 1 && v >= float64(iso):
		v = float64(iso - 1)
	}
	return int(clamp(v, float64(l.MinISO), float64(l.MaxISO)))
}

// scaleDuration caps the result one nanosecond above the maximum so callers
// can detect saturation.
func scaleDuration(d time.Duration, f float64, l Limits) time.Duration {
	v := math.Round(float64(d) * f)
	switch {
	case f > 1 && v <= float64(d):
		v = float64(d + 1)
	case f < 1 && v >= float64(d):
		v = float64(d - 1)
	}
	return time.Duration(clamp(v, 0, float64(l.MaxDuration+1)))
}

func clamp[T int | float64 | time.Duration](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
