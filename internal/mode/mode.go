// Package mode defines the capture modes and the metering gate derived from
// them.
package mode

import (
	"strings"

	"codeberg.org/mutker/hdrvideo/internal/errors"
)

// Mode is the active capture mode. Exactly one is active at a time.
type Mode int32

const (
	Fuse Mode = iota
	UnderExpose
	OverExpose
	Record
)

var names = map[Mode]string{
	Fuse:        "fuse",
	UnderExpose: "under_expose",
	OverExpose:  "over_expose",
	Record:      "record",
}

func (m Mode) String() string {
	if name, ok := names[m]; ok {
		return name
	}

	return "unknown"
}

// Parse accepts the canonical names plus the short forms "under" and "over".
func Parse(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fuse":
		return Fuse, nil
	case "under", "under_expose":
		return UnderExpose, nil
	case "over", "over_expose":
		return OverExpose, nil
	case "record":
		return Record, nil
	default:
		return Fuse, errors.New().WithData(errors.ErrInvalidArgument, s)
	}
}

// Policy tells the exposure controller what to do with a histogram.
type Policy int32

const (
	// Adjust evaluates histograms and corrects parameters.
	Adjust Policy = iota
	// Observe evaluates and logs histograms without correcting.
	Observe
	// Suppress skips evaluation entirely.
	Suppress
)

func (p Policy) String() string {
	switch p {
	case Adjust:
		return "adjust"
	case Observe:
		return "observe"
	case Suppress:
		return "suppress"
	default:
		return "unknown"
	}
}

// AutoMeteringAllowed reports whether histograms are evaluated at all in m.
func AutoMeteringAllowed(m Mode) bool {
	return m == Fuse || m == Record
}

// PolicyFor maps a mode to its metering policy. settling is true right after
// recording starts or stops.
func PolicyFor(m Mode, settling bool) Policy {
	switch {
	case !AutoMeteringAllowed(m), settling:
		return Suppress
	case m == Record:
		return Observe
	default:
		return Adjust
	}
}
