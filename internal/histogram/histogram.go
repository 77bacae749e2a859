// Package histogram computes 256-bucket luminance histograms from incoming
// frames and delivers a throttled stream of them to a single listener.
package histogram

import (
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Bins is the number of luminance buckets, 0 black to 255 white.
const Bins = 256

var levels = func() []float64 {
	l := make([]float64, Bins)
	for i := range l {
		l[i] = float64(i)
	}
	return l
}()

// Histogram is an immutable count of pixels per luminance bucket.
type Histogram struct {
	counts [Bins]uint64
	total  uint64
}

// New builds a histogram from up to Bins counts. Missing buckets are zero.
func New(counts []uint64) Histogram {
	var h Histogram
	for i := 0; i < len(counts) && i < Bins; i++ {
		h.counts[i] = counts[i]
		h.total += counts[i]
	}
	return h
}

// FromLuma counts the first width bytes of each of height rows of an 8-bit
// luma plane.
func FromLuma(plane []byte, width, height, stride int) Histogram {
	var h Histogram
	if stride < width {
		stride = width
	}
	for y := 0; y < height; y++ {
		row := plane[y*stride : y*stride+width]
		for _, v := range row {
			h.counts[v]++
		}
	}
	h.total = uint64(width) * uint64(height)
	return h
}

func (h Histogram) Count(bucket int) uint64 {
	if bucket < 0 || bucket >= Bins {
		return 0
	}
	return h.counts[bucket]
}

// Counts returns a copy of all buckets.
func (h Histogram) Counts() [Bins]uint64 {
	return h.counts
}

// Total is the number of pixels the histogram was computed from.
func (h Histogram) Total() uint64 {
	return h.total
}

// Mean is the average luminance, Σ(bucket × count) / total. It is 0 for an
// empty histogram.
func (h Histogram) Mean() float64 {
	if h.total == 0 {
		return 0
	}
	weights := make([]float64, Bins)
	for i, c := range h.counts {
		weights[i] = float64(c)
	}
	return stat.Mean(levels, weights)
}

// Fraction is the share of pixels in buckets [lo, hi).
func (h Histogram) Fraction(lo, hi int) float64 {
	if h.total == 0 {
		return 0
	}
	lo = max(lo, 0)
	hi = min(hi, Bins)
	var n uint64
	for i := lo; i < hi; i++ {
		n += h.counts[i]
	}
	return float64(n) / float64(h.total)
}

// DarkTail is the share of pixels in the darkest width buckets.
func (h Histogram) DarkTail(width int) float64 {
	return h.Fraction(0, width)
}

// BrightTail is the share of pixels in the brightest width buckets.
func (h Histogram) BrightTail(width int) float64 {
	return h.Fraction(Bins-width, Bins)
}

// NearDark is the share of pixels in the near buckets just above the dark tail.
func (h Histogram) NearDark(width, near int) float64 {
	return h.Fraction(width, width+near)
}

// NearBright is the share of pixels in the near buckets just below the bright tail.
func (h Histogram) NearBright(width, near int) float64 {
	return h.Fraction(Bins-width-near, Bins-width)
}

// String renders the buckets comma separated, darkest first.
func (h Histogram) String() string {
	var b strings.Builder
	for i, c := range h.counts {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(c, 10))
	}
	return b.String()
}
