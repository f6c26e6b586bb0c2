package session

import "kptv-player/work/types"

// EventKind is an input to the session state machine.
type EventKind string

const (
	EvOpen           EventKind = "open"
	EvResolved       EventKind = "resolved"
	EvManifestParsed EventKind = "manifestParsed"
	EvPlaying        EventKind = "playing"
	EvPause          EventKind = "pause"
	EvResume         EventKind = "resume"
	EvFailed         EventKind = "failed"
	EvRetry          EventKind = "retry"
	EvClose          EventKind = "close"
)

// Transition is a single allowed edge in the session state machine.
type Transition struct {
	From  types.SessionStatus
	Event EventKind
	To    types.SessionStatus
}

var transitionsTable = []Transition{
	// Start path
	{From: types.StatusIdle, Event: EvOpen, To: types.StatusResolving},
	{From: types.StatusResolving, Event: EvResolved, To: types.StatusInitializing},
	{From: types.StatusInitializing, Event: EvManifestParsed, To: types.StatusLoading},
	{From: types.StatusLoading, Event: EvPlaying, To: types.StatusPlaying},

	// Play/pause
	{From: types.StatusPlaying, Event: EvPause, To: types.StatusPaused},
	{From: types.StatusPaused, Event: EvResume, To: types.StatusPlaying},

	// Failures
	{From: types.StatusResolving, Event: EvFailed, To: types.StatusError},
	{From: types.StatusInitializing, Event: EvFailed, To: types.StatusError},
	{From: types.StatusLoading, Event: EvFailed, To: types.StatusError},
	{From: types.StatusPlaying, Event: EvFailed, To: types.StatusError},
	{From: types.StatusPaused, Event: EvFailed, To: types.StatusError},
	{From: types.StatusRecovering, Event: EvFailed, To: types.StatusError},

	// Manual retry
	{From: types.StatusError, Event: EvRetry, To: types.StatusRecovering},
	{From: types.StatusRecovering, Event: EvResolved, To: types.StatusInitializing},

	// Teardown
	{From: types.StatusResolving, Event: EvClose, To: types.StatusIdle},
	{From: types.StatusInitializing, Event: EvClose, To: types.StatusIdle},
	{From: types.StatusLoading, Event: EvClose, To: types.StatusIdle},
	{From: types.StatusPlaying, Event: EvClose, To: types.StatusIdle},
	{From: types.StatusPaused, Event: EvClose, To: types.StatusIdle},
	{From: types.StatusError, Event: EvClose, To: types.StatusIdle},
	{From: types.StatusRecovering, Event: EvClose, To: types.StatusIdle},
}

// TransitionFor returns the allowed transition for a given state+event.
func TransitionFor(from types.SessionStatus, ev EventKind) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return Transition{}, false
}
