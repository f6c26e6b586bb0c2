// Package recovery decides what to do about engine errors. Decide is a pure
// function of the error and the retry counters the caller keeps; it never
// touches an engine itself.
package recovery

import (
	"fmt"
	"time"

	"github.com/grafana/regexp"

	"kptv-player/work/hls"
	"kptv-player/work/types"
)

// Action is the recovery step the adapter should take.
type Action string

const (
	RetryLoad    Action = "retryLoad"
	RecoverMedia Action = "recoverMedia"
	GiveUp       Action = "giveUp"
)

// Messages shown to the user.
const (
	MsgServerUnreachable = "server unreachable"
	MsgLoadFailed        = "unable to load stream"
	MsgConnectionLost    = "connection to the stream was lost"
	MsgMediaError        = "media error"
	MsgFatalStreaming    = "fatal streaming error"
	MsgInitTimeout       = "stream took too long to start"
	MsgRetriesExhausted  = "failed after multiple attempts"
)

// unreachableDetail matches transport failures that mean the host cannot be
// reached at all, as opposed to a slow or flaky one.
var unreachableDetail = regexp.MustCompile(`(?i)no such host|connection refused|network is unreachable|no route to host|server misbehaving`)

// Context is the per-binding state the policy needs.
type Context struct {
	Started         bool // playback reached Playing at least once on this binding
	AutoRetries     int  // transparent retryLoad steps already taken
	MaxLoadRetries  int
	MediaRecoveries int // recoverMedia steps already taken
}

// Decision is the outcome of Decide.
type Decision struct {
	Action      Action
	IsFatal     bool
	Category    types.ErrorCategory
	UserMessage string
}

// Decide classifies a fatal engine error. Non-fatal errors never reach it.
//
//   - network: transparent retryLoad, bounded by MaxLoadRetries; an unreachable
//     host after at least one prior retry is fatal immediately
//   - media: recoverMedia once, fatal the second time
//   - anything else: giveUp
func Decide(ev *hls.ErrorData, c Context) Decision {
	switch ev.Type {
	case hls.NetworkError:
		if Unreachable(ev) && c.AutoRetries >= 1 {
			return fatal(types.CategoryNetwork, MsgServerUnreachable)
		}
		if c.AutoRetries >= c.MaxLoadRetries {
			if c.Started {
				return fatal(types.CategoryNetwork, MsgConnectionLost)
			}
			return fatal(types.CategoryNetwork, MsgLoadFailed)
		}
		return Decision{Action: RetryLoad, Category: types.CategoryNetwork}

	case hls.MediaError:
		if c.MediaRecoveries == 0 {
			return Decision{Action: RecoverMedia, Category: types.CategoryMedia}
		}
		return fatal(types.CategoryMedia, MsgMediaError)

	default:
		return fatal(types.CategoryEngine, fmt.Sprintf("%s: %s", MsgFatalStreaming, ev.Details))
	}
}

func fatal(category types.ErrorCategory, msg string) Decision {
	return Decision{Action: GiveUp, IsFatal: true, Category: category, UserMessage: msg}
}

// Unreachable reports a consistent unreachable-host signal: no HTTP status and
// either a DNS/connection failure flagged by the client or a matching detail.
func Unreachable(ev *hls.ErrorData) bool {
	if ev.ResponseCode != 0 {
		return false
	}
	if ev.Unreachable {
		return true
	}
	return ev.Err != nil && unreachableDetail.MatchString(ev.Err.Error())
}

// Record builds the observer-facing record for a fatal decision.
func (d Decision) Record(ev *hls.ErrorData) types.ErrorRecord {
	rec := types.ErrorRecord{
		Category:    d.Category,
		Message:     d.UserMessage,
		IsFatal:     d.IsFatal,
		SourceEvent: fmt.Sprintf("%s/%s", ev.Type, ev.Details),
	}
	if ev.Err != nil {
		rec.Detail = ev.Err.Error()
	} else if ev.ResponseCode != 0 {
		rec.Detail = fmt.Sprintf("HTTP %d", ev.ResponseCode)
	}
	if rec.Detail == "" {
		rec.Detail = ev.Details
	}
	return rec
}

// CheckManualRetry returns nil if another user retry is allowed after
// retryCount retries, or the terminal error otherwise.
func CheckManualRetry(retryCount, max int) *types.SessionError {
	if retryCount < max {
		return nil
	}
	err := types.NewSessionError(types.CategoryNetwork, MsgRetriesExhausted, nil)
	err.Record.Detail = fmt.Sprintf("max retries (%d) reached", max)
	return err
}

// TimeoutError is the fatal error raised by the initialization watchdog.
func TimeoutError(after time.Duration) *types.SessionError {
	err := types.NewSessionError(types.CategoryInitTimeout, MsgInitTimeout, nil)
	err.Record.Detail = fmt.Sprintf("no manifest after %s", after)
	return err
}
