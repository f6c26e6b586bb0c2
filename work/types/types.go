package types

import (
	"errors"
	"fmt"
	"time"
)

// Channel is the identity a playback or PiP session is bound to. ID is stable
// for the lifetime of a session; only Logo and Group may be filled in later by
// best-effort enrichment.
type Channel struct {
	ID        string `json:"id"`                  // Stable identity, usually a hash of the resolved stream URL
	Name      string `json:"name"`                // Human-readable display name
	Logo      string `json:"logo,omitempty"`      // Logo URL, may arrive after playback starts
	Group     string `json:"group,omitempty"`     // Group/category title from the directory
	ChannelID string `json:"channelId,omitempty"` // EPG style channel identifier (tvg-id)
}

// Enrich copies logo and group metadata from other without touching identity.
// Fields already present are kept.
func (c *Channel) Enrich(other *Channel) {
	if other == nil {
		return
	}
	if c.Logo == "" {
		c.Logo = other.Logo
	}
	if c.Group == "" {
		c.Group = other.Group
	}
	if c.ChannelID == "" {
		c.ChannelID = other.ChannelID
	}
}

// ChannelDetails is a directory hit: channel metadata plus the stream it plays.
type ChannelDetails struct {
	Channel
	StreamURL string `json:"streamUrl"`
}

// SessionStatus is the state of the primary playback state machine.
type SessionStatus string

const (
	StatusIdle         SessionStatus = "idle"
	StatusResolving    SessionStatus = "resolving"
	StatusInitializing SessionStatus = "initializing"
	StatusLoading      SessionStatus = "loading"
	StatusPlaying      SessionStatus = "playing"
	StatusPaused       SessionStatus = "paused"
	StatusError        SessionStatus = "error"
	StatusRecovering   SessionStatus = "recovering"
)

// PipStatus is the state of the Picture-in-Picture state machine.
type PipStatus string

const (
	PipInactive          PipStatus = "inactive"
	PipPendingActivation PipStatus = "pendingActivation"
	PipInitializing      PipStatus = "initializing"
	PipLoading           PipStatus = "loading"
	PipReady             PipStatus = "ready"
	PipActive            PipStatus = "active"
	PipReactivating      PipStatus = "reactivating"
	PipClosing           PipStatus = "closing"
	PipError             PipStatus = "error"
)

// ErrorCategory is the error taxonomy shared by both state machines.
type ErrorCategory string

const (
	CategoryResolution          ErrorCategory = "ResolutionError"
	CategoryInitTimeout         ErrorCategory = "InitializationTimeout"
	CategoryNetwork             ErrorCategory = "NetworkError"
	CategoryMedia               ErrorCategory = "MediaError"
	CategoryActivationRequired  ErrorCategory = "ActivationRequired"
	CategoryUnsupportedPlatform ErrorCategory = "UnsupportedPlatform"
	CategoryEngine              ErrorCategory = "EngineError"
)

// ErrorRecord is what an observer sees when a session is in the error state.
type ErrorRecord struct {
	Category    ErrorCategory `json:"category"`
	Message     string        `json:"message"`               // Short user-facing message
	Detail      string        `json:"detail,omitempty"`      // Diagnostic string, engine detail when available
	IsFatal     bool          `json:"isFatal"`               // Terminal for the current attempt
	SourceEvent string        `json:"sourceEvent,omitempty"` // Raw engine event detail that produced the record
}

// SessionError carries an ErrorRecord through Go error returns.
type SessionError struct {
	Record ErrorRecord
	Err    error
}

func (e *SessionError) Error() string {
	if e.Record.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Record.Category, e.Record.Message, e.Record.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Record.Category, e.Record.Message)
}

func (e *SessionError) Unwrap() error { return e.Err }

// NewSessionError builds a fatal SessionError.
func NewSessionError(category ErrorCategory, message string, err error) *SessionError {
	rec := ErrorRecord{Category: category, Message: message, IsFatal: true}
	if err != nil {
		rec.Detail = err.Error()
	}
	return &SessionError{Record: rec, Err: err}
}

// CategoryOf returns the category of err, or "" when err carries none.
func CategoryOf(err error) ErrorCategory {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Record.Category
	}
	return ""
}

// AutoQualityID is the synthetic level meaning "let the engine choose".
const AutoQualityID = "auto"

// QualityLevel is one selectable rendition.
type QualityLevel struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Bitrate int    `json:"bitrate"`
	Height  int    `json:"height,omitempty"`
}

// HealthSnapshot summarises playback telemetry for the UI.
type HealthSnapshot struct {
	BufferedAhead   float64   `json:"bufferedAhead"`   // Seconds of media buffered past the playhead
	CurrentTime     float64   `json:"currentTime"`     // Playhead position in seconds
	Duration        float64   `json:"duration"`        // Reported duration, -1 when infinite
	Level           int       `json:"level"`           // Engine level index in use, -1 when unknown
	Bitrate         int       `json:"bitrate"`         // Bitrate of the level in use
	Nudges          int       `json:"nudges"`          // Non-fatal stalls absorbed by nudging
	RecoveredErrors int       `json:"recoveredErrors"` // Fatal engine errors recovered transparently
	UpdatedAt       time.Time `json:"updatedAt"`
}

// PlaybackSession is the observable snapshot of the primary session.
type PlaybackSession struct {
	Channel         *Channel       `json:"channel,omitempty"`
	StreamURL       string         `json:"streamUrl,omitempty"`
	Status          SessionStatus  `json:"status"`
	Error           *ErrorRecord   `json:"error,omitempty"`
	RetryCount      int            `json:"retryCount"`
	CanRetry        bool           `json:"canRetry"`
	IsLive          bool           `json:"isLive"`
	LiveKnown       bool           `json:"liveKnown"` // Classification reached a terminal verdict
	QualityLevels   []QualityLevel `json:"qualityLevels"`
	CurrentQuality  string         `json:"currentQuality"`
	Health          HealthSnapshot `json:"health"`
	NeedsActivation bool           `json:"needsActivation"` // Unmute/activate affordance should be shown
	Muted           bool           `json:"muted"`
	Volume          float64        `json:"volume"`
	Alternatives    []Channel      `json:"alternatives,omitempty"`
}

// PipOptions travel with a PiP request and are persisted with the record.
type PipOptions struct {
	Volume          float64 `json:"volume"`
	WasMuted        bool    `json:"wasMuted"`
	CurrentTime     float64 `json:"currentTime"`
	IsLive          bool    `json:"isLive"`
	PendingPiP      bool    `json:"pendingPiP"`
	NeedsActivation bool    `json:"needsActivation"`
	FromUserGesture bool    `json:"fromUserGesture"`
}

// PipSession is the observable snapshot of the PiP manager.
type PipSession struct {
	Channel   *Channel     `json:"channel,omitempty"`
	StreamURL string       `json:"streamUrl,omitempty"`
	Options   PipOptions   `json:"options"`
	Status    PipStatus    `json:"status"`
	Error     *ErrorRecord `json:"error,omitempty"`
}
