package capture

import (
	"context"

	"codeberg.org/mutker/hdrvideo/internal/mode"
	"github.com/looplab/fsm"
)

func (m *Machine) newFSM() *fsm.FSM {
	var (
		fuse  = mode.Fuse.String()
		under = mode.UnderExpose.String()
		over  = mode.OverExpose.String()
		rec   = mode.Record.String()
	)

	return fsm.NewFSM(
		fuse,
		fsm.Events{
			{Name: eventExposeUnder, Src: []string{fuse, over}, Dst: under},
			{Name: eventExposeOver, Src: []string{fuse, under}, Dst: over},
			{Name: eventResumeFuse, Src: []string{under, over}, Dst: fuse},
			{Name: eventStartRecord, Src: []string{fuse}, Dst: rec},
			{Name: eventStopRecord, Src: []string{rec}, Dst: fuse},
		},
		fsm.Callbacks{
			"leave_state": func(_ context.Context, e *fsm.Event) {
				m.leave(e)
			},
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.enter(e)
			},
		},
	)
}

// leave runs before the state changes. Recording starts on top of the
// running fuse session, every other transition closes it. The sink has
// already been started or stopped by the time these events fire.
func (m *Machine) leave(e *fsm.Event) {
	switch e.Event {
	case eventStartRecord:
	case eventStopRecord:
		m.teardown(true)
	default:
		m.teardown(false)
	}
}

func (m *Machine) enter(e *fsm.Event) {
	dst, err := parseState(e.Dst)
	if err != nil {
		e.Err = err
		return
	}

	switch e.Event {
	case eventStartRecord:
		m.tracker.Set(mode.Record)
		m.tracker.Settle()
		return
	case eventStopRecord:
		m.tracker.Settle()
	}

	if err := m.configure(dst); err != nil {
		e.Err = err
		return
	}
	m.tracker.Set(dst)
}

func parseState(s string) (mode.Mode, error) {
	return mode.Parse(s)
}

// eventFor names the event that moves current to target. Whether the event
// is legal from current is left to the FSM.
func eventFor(current, target mode.Mode) string {
	switch target {
	case mode.UnderExpose:
		return eventExposeUnder
	case mode.OverExpose:
		return eventExposeOver
	case mode.Record:
		return eventStartRecord
	default:
		if current == mode.Record {
			return eventStopRecord
		}
		return eventResumeFuse
	}
}
