package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSessions tracks sessions that currently hold an engine binding.
// The "kind" label is "primary" or "pip".
var ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "kptv_player_active_sessions",
	Help: "Number of sessions holding an engine binding",
}, []string{"kind"})

// StateTransitions counts state machine transitions by machine and target state.
var StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_player_state_transitions_total",
	Help: "State machine transitions",
}, []string{"kind", "to"})

// EngineErrors counts engine errors by category and whether they were fatal
// after the recovery policy ran.
var EngineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_player_engine_errors_total",
	Help: "Engine errors seen by the adapter",
}, []string{"category", "fatal"})

// EngineNudges counts non-fatal stalls absorbed by nudging the playhead.
var EngineNudges = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kptv_player_engine_nudges_total",
	Help: "Non-fatal stalls absorbed by nudging",
})

// EngineBindings tracks the number of live adapter bindings.
var EngineBindings = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_player_engine_bindings",
	Help: "Adapters currently bound to an output",
})

// ManualRetries counts user retries; "outcome" is "accepted" or "rejected".
var ManualRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_player_manual_retries_total",
	Help: "User-triggered retries",
}, []string{"outcome"})

// PipActivations counts PiP handle requests by outcome
// ("entered", "needs_activation", "failed", "reacquired").
var PipActivations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_player_pip_activations_total",
	Help: "Picture-in-Picture activation attempts",
}, []string{"outcome"})

// BytesTransferred counts segment bytes pulled from upstream per output kind.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_player_bytes_transferred_total",
	Help: "Segment bytes downloaded",
}, []string{"output"})
