package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"kptv-player/work/client"
	"kptv-player/work/engine"
	"kptv-player/work/logger"
	"kptv-player/work/media"
	"kptv-player/work/pip"
	"kptv-player/work/session"
	"kptv-player/work/types"
)

const maxBody = 1 << 20

// errorResponse is the body of every non-2xx answer.
type errorResponse struct {
	Error  string             `json:"error"`
	Record *types.ErrorRecord `json:"record,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("{api/respond - writeJSON} Failed to encode response: %v", err)
	}
}

// writeError maps controller errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	var se *types.SessionError
	var upstream *client.StatusError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, pip.ErrInvalidSession),
		errors.Is(err, engine.ErrUnknownQuality):
		status = http.StatusBadRequest
	case errors.Is(err, media.ErrActivationRequired):
		status = http.StatusPreconditionRequired
	case errors.Is(err, pip.ErrNothingPending):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrNotActive),
		errors.Is(err, session.ErrNotRetryable):
		status = http.StatusConflict
	case errors.Is(err, session.ErrStopped),
		errors.Is(err, pip.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.As(err, &upstream):
		status = http.StatusBadGateway
	case errors.As(err, &se):
		status = http.StatusConflict
		rec := se.Record
		resp.Record = &rec
	}

	if status >= http.StatusInternalServerError {
		logger.Error("{api/respond - writeError} %v", err)
	}
	writeJSON(w, status, resp)
}

var errBadRequest = errors.New("bad request")

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %v", errBadRequest, err)
}
