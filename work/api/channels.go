package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"kptv-player/work/filter"
	"kptv-player/work/logger"
	"kptv-player/work/parser"
	"kptv-player/work/store"
	"kptv-player/work/types"
)

const (
	defaultAlternatives = 5
	maxAlternatives     = 50
)

// handleUpsertChannels imports directory entries. Body: a JSON array of
// channel details, each with at least a name and a streamUrl.
func (s *Server) handleUpsertChannels(w http.ResponseWriter, r *http.Request) {
	var body []types.ChannelDetails
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.deps.Channels.Upsert(body)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("{api/channels - handleUpsertChannels} Imported %d of %d channels", n, len(body))
	writeJSON(w, http.StatusOK, map[string]int{"imported": n, "received": len(body)})
}

// importRequest names a playlist to import, either by URL or inline.
type importRequest struct {
	URL      string       `json:"url"`
	Playlist string       `json:"playlist"`
	Filter   filter.Rules `json:"filter"`
}

// handleImport fetches or reads an M3U channel list, filters it and stores
// the result in the directory.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var body importRequest
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	f, err := filter.Compile(body.Filter)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	var entries []types.ChannelDetails
	switch {
	case strings.TrimSpace(body.Playlist) != "":
		entries, err = parser.Parse(strings.NewReader(body.Playlist), strings.TrimSpace(body.URL))
	case strings.TrimSpace(body.URL) != "" && s.deps.Playlists != nil:
		entries, err = s.deps.Playlists.Fetch(r.Context(), strings.TrimSpace(body.URL))
	default:
		err = fmt.Errorf("%w: url or playlist is required", errBadRequest)
	}
	if errors.Is(err, parser.ErrNotPlaylist) {
		err = fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	kept := f.Apply(entries)
	n, err := s.deps.Channels.Upsert(kept)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("{api/channels - handleImport} Imported %d channels (%d parsed, %d after filtering)", n, len(entries), len(kept))
	writeJSON(w, http.StatusOK, map[string]int{"imported": n, "received": len(entries), "filtered": len(entries) - len(kept)})
}

// handleAlternatives: ?name=...&exclude=<id>&limit=5.
func (s *Server) handleAlternatives(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := strings.TrimSpace(q.Get("name"))
	if name == "" {
		writeError(w, fmt.Errorf("%w: name is required", errBadRequest))
		return
	}
	limit := defaultAlternatives
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, v))
			return
		}
		limit = min(n, maxAlternatives)
	}

	alts, err := s.deps.Channels.Alternatives(r.Context(), name, q.Get("exclude"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if alts == nil {
		alts = []types.Channel{}
	}
	writeJSON(w, http.StatusOK, alts)
}

func (s *Server) handleGetDead(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dead == nil {
		writeJSON(w, http.StatusOK, []store.DeadStream{})
		return
	}
	list, err := s.deps.Dead.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleRevive clears the dead mark of one channel.
func (s *Server) handleRevive(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.deps.Dead != nil {
		if err := s.deps.Dead.Revive(id); err != nil {
			writeError(w, err)
			return
		}
	}
	logger.Info("{api/channels - handleRevive} Revived %s", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, []types.Channel{})
		return
	}
	list, err := s.deps.History.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History != nil {
		if err := s.deps.History.Clear(); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetFavorites(w http.ResponseWriter, r *http.Request) {
	if s.deps.Favorites == nil {
		writeJSON(w, http.StatusOK, []types.Channel{})
		return
	}
	list, err := s.deps.Favorites.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

// handleToggleFavorite body: a channel. Answers whether it is now a favorite.
func (s *Server) handleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	if s.deps.Favorites == nil {
		writeError(w, fmt.Errorf("%w: favorites are not available", errBadRequest))
		return
	}
	var ch types.Channel
	if err := decode(r, &ch); err != nil {
		writeError(w, err)
		return
	}
	if ch.ID == "" {
		writeError(w, fmt.Errorf("%w: channel id is required", errBadRequest))
		return
	}
	on, err := s.deps.Favorites.Toggle(ch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"favorite": on})
}

func nonNil(list []types.Channel) []types.Channel {
	if list == nil {
		return []types.Channel{}
	}
	return list
}
