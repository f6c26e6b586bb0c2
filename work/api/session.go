package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"kptv-player/work/logger"
)

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Session.Snapshot())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Session.Close(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOpen starts playback of a stream URL, channel id or channel name.
// Body: {"reference": "..."}.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reference string `json:"reference"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	body.Reference = strings.TrimSpace(body.Reference)
	if body.Reference == "" {
		writeError(w, fmt.Errorf("%w: reference is required", errBadRequest))
		return
	}

	if err := s.deps.Session.Open(gestureContext(r), body.Reference); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.deps.Session.Snapshot())
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	s.control(w, func() error { return s.deps.Session.TogglePlay(gestureContext(r)) })
}

// handleVolume body: {"volume": 0.5}.
func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Volume *float64 `json:"volume"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Volume == nil {
		writeError(w, fmt.Errorf("%w: volume is required", errBadRequest))
		return
	}
	s.control(w, func() error { return s.deps.Session.SetVolume(*body.Volume) })
}

// handleMute body: {"muted": true}.
func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Muted bool `json:"muted"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	s.control(w, func() error { return s.deps.Session.SetMuted(gestureContext(r), body.Muted) })
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.control(w, func() error { return s.deps.Session.Activate(gestureContext(r)) })
}

// handleQuality body: {"id": "auto"}.
func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	s.control(w, func() error { return s.deps.Session.SetQuality(body.ID) })
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.control(w, func() error { return s.deps.Session.Retry(gestureContext(r)) })
}

// control runs fn and answers with the resulting snapshot.
func (s *Server) control(w http.ResponseWriter, fn func() error) {
	if err := fn(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Session.Snapshot())
}

// handleEvents streams session snapshots as server-sent events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates, cancel := s.deps.Session.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				logger.Warn("{api/session - handleEvents} Failed to encode snapshot: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: session\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
