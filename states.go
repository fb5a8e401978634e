package taskwire

import (
	"errors"

	rtm "github.com/UniQw/taskwire/internal/runtime"
)

// State is the lifecycle state of one delivery as seen by a Server.
// Use the exported constants instead of raw strings to avoid typos.
type State = rtm.State

const (
	// StateReceived is a delivery pulled from the broker but not yet dispatched.
	StateReceived = rtm.StateReceived
	// StateDispatched is a delivery whose task body is running.
	StateDispatched = rtm.StateDispatched
	// StateSucceeded is a delivery whose task returned without error.
	StateSucceeded = rtm.StateSucceeded
	// StateRetryScheduled is a delivery whose successor has been published.
	StateRetryScheduled = rtm.StateRetryScheduled
	// StateRejected is a delivery that failed for good.
	StateRejected = rtm.StateRejected
	// StateAborted is a delivery cut short and left to the broker to redeliver.
	StateAborted = rtm.StateAborted
)

// AllStates lists every delivery state in lifecycle order.
var AllStates = []State{
	StateReceived, StateDispatched, StateSucceeded,
	StateRetryScheduled, StateRejected, StateAborted,
}

// ErrUnknownState is returned when an invalid state is parsed.
var ErrUnknownState = errors.New("taskwire: unknown state")

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownState
}

// Terminal reports whether s ends a delivery.
func Terminal(s State) bool {
	switch s {
	case StateSucceeded, StateRetryScheduled, StateRejected, StateAborted:
		return true
	}
	return false
}

// Report describes how one delivery ended.
type Report = rtm.Report

// PanicError is the outcome of a task body that panicked.
type PanicError = rtm.PanicError
