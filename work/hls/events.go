package hls

import "fmt"

// EventType enumerates what the engine reports to its owner.
type EventType string

const (
	EventMediaAttached  EventType = "mediaAttached"
	EventManifestParsed EventType = "manifestParsed"
	EventLevelSwitched  EventType = "levelSwitched"
	EventFragLoaded     EventType = "fragLoaded"
	EventError          EventType = "error"
)

// ErrorType is the coarse error family, used by the recovery policy.
type ErrorType string

const (
	NetworkError ErrorType = "networkError"
	MediaError   ErrorType = "mediaError"
	OtherError   ErrorType = "otherError"
)

// Error details.
const (
	DetailManifestLoadError    = "manifestLoadError"
	DetailManifestParsingError = "manifestParsingError"
	DetailLevelLoadError       = "levelLoadError"
	DetailFragLoadError        = "fragLoadError"
	DetailBufferStalledError   = "bufferStalledError"
	DetailBufferAppendError    = "bufferAppendError"
)

// Level is one rendition announced by a master playlist.
type Level struct {
	Index   int
	URL     string
	Bitrate int
	Width   int
	Height  int
	Name    string
	Codecs  string
}

// ErrorData describes an engine error.
type ErrorData struct {
	Type         ErrorType
	Details      string
	Fatal        bool
	ResponseCode int  // HTTP status, 0 when no response was received
	Unreachable  bool // DNS failure or connection-level failure
	URL          string
	Err          error
}

func (e *ErrorData) Error() string {
	fatal := "non-fatal"
	if e.Fatal {
		fatal = "fatal"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s/%s: %v", fatal, e.Type, e.Details, e.Err)
	}
	return fmt.Sprintf("%s %s/%s", fatal, e.Type, e.Details)
}

func (e *ErrorData) Unwrap() error { return e.Err }

// Event is a single engine notification. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	Levels   []Level    // manifestParsed
	Level    int        // levelSwitched, fragLoaded
	Live     bool       // manifestParsed, fragLoaded
	Bytes    int        // fragLoaded
	Duration float64    // fragLoaded, seconds of media in the fragment
	Error    *ErrorData // error
}
