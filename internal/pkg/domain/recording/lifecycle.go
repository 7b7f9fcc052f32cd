package recording

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

const (
	stateActive   = "active"
	stateInactive = "inactive"
	stateDeleted  = "deleted"

	eventStart  = "start"
	eventStop   = "stop"
	eventDelete = "delete"
)

func lifecycle(rec Record) *fsm.FSM {
	initial := stateInactive
	if rec.IsRecording {
		initial = stateActive
	}

	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: eventStart, Src: []string{stateInactive}, Dst: stateActive},
			{Name: eventStop, Src: []string{stateActive}, Dst: stateInactive},
			{Name: eventDelete, Src: []string{stateActive, stateInactive}, Dst: stateDeleted},
		},
		fsm.Callbacks{},
	)
}

//transition reports whether event changes the state of rec
func transition(rec Record, event string) (bool, error) {
	err := lifecycle(rec).Event(context.Background(), event)
	if err == nil {
		return true, nil
	}

	var noop fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	if errors.As(err, &noop) || errors.As(err, &invalid) {
		return false, nil
	}

	return false, err
}
