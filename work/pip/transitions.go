package pip

import "kptv-player/work/types"

// EventKind is an input to the PiP state machine.
type EventKind string

const (
	EvRequest         EventKind = "request"         // enter without a user gesture
	EvActivate        EventKind = "activate"        // enter with a user gesture
	EvManifestParsed  EventKind = "manifestParsed"  // engine parsed the manifest
	EvPlaying         EventKind = "playing"         // muted playback started
	EvNeedsActivation EventKind = "needsActivation" // PiP request refused for lack of a gesture
	EvPipEntered      EventKind = "pipEntered"      // overlay handle acquired
	EvHandleLost      EventKind = "handleLost"      // document hidden and handle gone
	EvReacquired      EventKind = "reacquired"
	EvReacquireFailed EventKind = "reacquireFailed" // output still playing without a handle
	EvFailed          EventKind = "failed"
	EvClose           EventKind = "close"
	EvClosed          EventKind = "closed"
)

// Transition is a single allowed edge in the PiP state machine.
type Transition struct {
	From  types.PipStatus
	Event EventKind
	To    types.PipStatus
}

var transitionsTable = []Transition{
	// Entry
	{From: types.PipInactive, Event: EvRequest, To: types.PipPendingActivation},
	{From: types.PipInactive, Event: EvActivate, To: types.PipInitializing},
	{From: types.PipPendingActivation, Event: EvActivate, To: types.PipInitializing},

	// Startup
	{From: types.PipInitializing, Event: EvManifestParsed, To: types.PipLoading},
	{From: types.PipLoading, Event: EvPlaying, To: types.PipReady},
	{From: types.PipReady, Event: EvNeedsActivation, To: types.PipLoading},
	{From: types.PipReady, Event: EvPipEntered, To: types.PipActive},
	{From: types.PipLoading, Event: EvPipEntered, To: types.PipActive},

	// Handle loss
	{From: types.PipActive, Event: EvHandleLost, To: types.PipReactivating},
	{From: types.PipReactivating, Event: EvReacquired, To: types.PipActive},
	{From: types.PipReactivating, Event: EvReacquireFailed, To: types.PipActive},

	// Failures
	{From: types.PipInitializing, Event: EvFailed, To: types.PipError},
	{From: types.PipLoading, Event: EvFailed, To: types.PipError},
	{From: types.PipReady, Event: EvFailed, To: types.PipError},
	{From: types.PipActive, Event: EvFailed, To: types.PipError},
	{From: types.PipReactivating, Event: EvFailed, To: types.PipError},

	// Closing
	{From: types.PipPendingActivation, Event: EvClose, To: types.PipClosing},
	{From: types.PipInitializing, Event: EvClose, To: types.PipClosing},
	{From: types.PipLoading, Event: EvClose, To: types.PipClosing},
	{From: types.PipReady, Event: EvClose, To: types.PipClosing},
	{From: types.PipActive, Event: EvClose, To: types.PipClosing},
	{From: types.PipReactivating, Event: EvClose, To: types.PipClosing},
	{From: types.PipError, Event: EvClose, To: types.PipClosing},
	{From: types.PipClosing, Event: EvClosed, To: types.PipInactive},
}

// TransitionFor returns the allowed transition for a given state+event.
func TransitionFor(from types.PipStatus, ev EventKind) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return Transition{}, false
}
