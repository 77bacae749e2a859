package exposure

import (
	"time"

	"codeberg.org/mutker/hdrvideo/internal/errors"
)

const (
	DefaultMinISO      = 80
	DefaultMaxISO      = 1200
	DefaultFPS         = 30
	DefaultMinDuration = 100 * time.Microsecond

	// initialUnderDuration is 1/600 s.
	initialUnderDuration = time.Second / 600
)

// Limits bound every exposure parameter.
type Limits struct {
	MinISO        int
	MaxISO        int
	FrameDuration time.Duration
	// MaxDuration is a quarter of the frame period: two exposures plus
	// margin must fit one frame interval.
	MaxDuration time.Duration
	MinDuration time.Duration
}

// LimitsForFPS derives the duration limits from the frame rate.
func LimitsForFPS(fps int) Limits {
	if fps <= 0 {
		fps = DefaultFPS
	}
	frame := time.Second / time.Duration(fps)

	return Limits{
		MinISO:        DefaultMinISO,
		MaxISO:        DefaultMaxISO,
		FrameDuration: frame,
		MaxDuration:   frame / 4,
		MinDuration:   DefaultMinDuration,
	}
}

func DefaultLimits() Limits {
	return LimitsForFPS(DefaultFPS)
}

func (l Limits) Validate() error {
	errFactory := errors.New()

	switch {
	case l.MinISO <= 0:
		return errFactory.WithMessage(ErrInvalidLimits, "minimum ISO must be positive")
	case l.MaxISO <= l.MinISO:
		return errFactory.WithMessage(ErrInvalidLimits, "maximum ISO must exceed minimum ISO")
	case l.MinDuration <= 0:
		return errFactory.WithMessage(ErrInvalidLimits, "minimum duration must be positive")
	case l.MaxDuration <= l.MinDuration:
		return errFactory.WithMessage(ErrInvalidLimits, "maximum duration must exceed minimum duration")
	case l.FrameDuration < l.MaxDuration:
		return errFactory.WithMessage(ErrInvalidLimits, "maximum duration exceeds the frame period")
	}

	return nil
}

// Parameters is one (iso, duration) pair per channel.
type Parameters struct {
	UnderISO      int           `json:"under_iso"`
	UnderDuration time.Duration `json:"under_duration"`
	OverISO       int           `json:"over_iso"`
	OverDuration  time.Duration `json:"over_duration"`
}

// InitialParameters starts both channels at minimum ISO, the under channel at
// 1/600 s and the over channel at the longest allowed exposure.
func InitialParameters(l Limits) Parameters {
	under := min(max(initialUnderDuration, l.MinDuration), l.MaxDuration)

	return Parameters{
		UnderISO:      l.MinISO,
		UnderDuration: under,
		OverISO:       l.MinISO,
		OverDuration:  l.MaxDuration,
	}
}

// Within reports whether every field respects l and the under channel is not
// brighter than the over channel.
func (p Parameters) Within(l Limits) bool {
	isoOK := func(iso int) bool { return iso >= l.MinISO && iso <= l.MaxISO }
	durOK := func(d time.Duration) bool { return d >= l.MinDuration && d <= l.MaxDuration }

	return isoOK(p.UnderISO) && isoOK(p.OverISO) &&
		durOK(p.UnderDuration) && durOK(p.OverDuration) &&
		p.UnderISO <= p.OverISO && p.UnderDuration <= p.OverDuration
}

// Channel is one of the two exposure roles.
type Channel int

const (
	ChannelNone Channel = iota
	ChannelUnder
	ChannelOver
	ChannelBoth
)

func (c Channel) String() string {
	switch c {
	case ChannelUnder:
		return "under"
	case ChannelOver:
		return "over"
	case ChannelBoth:
		return "both"
	default:
		return "none"
	}
}
