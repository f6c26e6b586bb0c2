package api

import (
	"fmt"
	"net/http"

	"kptv-player/work/media"
	"kptv-player/work/types"
)

// enterPipRequest moves a stream into the overlay. Leaving channel and
// streamUrl out hands the current primary playback over, continuing at its
// volume, mute state and position.
type enterPipRequest struct {
	Channel   *types.Channel    `json:"channel"`
	StreamURL string            `json:"streamUrl"`
	Options   *types.PipOptions `json:"options"`
}

func (s *Server) handleGetPip(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.PiP.Snapshot())
}

func (s *Server) handleEnterPip(w http.ResponseWriter, r *http.Request) {
	var body enterPipRequest
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}

	ch, streamURL, opts, err := s.pipTarget(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.PiP.EnterPiP(gestureContext(r), ch, streamURL, opts); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.deps.PiP.Snapshot())
}

func (s *Server) pipTarget(body enterPipRequest) (types.Channel, string, types.PipOptions, error) {
	if body.Channel != nil && body.StreamURL != "" {
		opts := types.PipOptions{Volume: 1}
		if body.Options != nil {
			opts = *body.Options
		}
		return *body.Channel, body.StreamURL, opts, nil
	}

	cur := s.deps.Session.Snapshot()
	if cur.Channel == nil || cur.StreamURL == "" {
		return types.Channel{}, "", types.PipOptions{}, fmt.Errorf("%w: nothing is playing", errBadRequest)
	}
	opts := types.PipOptions{
		Volume:      cur.Volume,
		WasMuted:    cur.Muted,
		CurrentTime: cur.Health.CurrentTime,
		IsLive:      cur.IsLive,
	}
	if body.Options != nil {
		opts = *body.Options
	}
	return *cur.Channel, cur.StreamURL, opts, nil
}

func (s *Server) handleExitPip(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.PiP.ExitPiP(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleActivatePip is the user's click on the "continue in PiP" affordance.
func (s *Server) handleActivatePip(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.PiP.ActivatePendingPiP(media.WithUserGesture(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.PiP.Snapshot())
}

// handleVisibility body: {"hidden": true}.
func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Hidden *bool `json:"hidden"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Hidden == nil {
		writeError(w, fmt.Errorf("%w: hidden is required", errBadRequest))
		return
	}
	if err := s.deps.PiP.SetVisibility(*body.Hidden); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.PiP.Snapshot())
}
