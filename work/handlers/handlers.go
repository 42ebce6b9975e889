package handlers

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"eplustv/work/cache"
	"eplustv/work/config"
	"eplustv/work/lifecycle"
	"eplustv/work/logger"
	"eplustv/work/parser"

	"github.com/gorilla/mux"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// App bundles everything the HTTP surface needs.
type App struct {
	Config     *config.Config
	Cache      *cache.SegmentCache
	Chunklists *parser.ChunklistRewriter
	Lifecycle  *lifecycle.Manager
}

// channelVar pulls the channel number out of the route and validates it
// against the configured channel range.
func (a *App) channelVar(r *http.Request) (int, bool) {
	channel, err := strconv.Atoi(mux.Vars(r)["channel"])
	if err != nil {
		return 0, false
	}
	if channel < a.Config.StartChannel || channel >= a.Config.StartChannel+a.Config.NumChannels {
		return 0, false
	}
	return channel, true
}

// HandleChannelPlaylist serves the master playlist for a channel: the
// rewritten upstream master when an event is live, the slate otherwise.
func HandleChannelPlaylist(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel, ok := a.channelVar(r)
		if !ok {
			http.Error(w, "unknown channel", http.StatusNotFound)
			return
		}
		a.Lifecycle.Touch(channel)

		body, err := a.Lifecycle.Playlist(r.Context(), channel)
		if err != nil {
			logger.Error("{handlers/handlers.go - HandleChannelPlaylist} Channel %d playlist failed: %v", channel, err)
			http.Error(w, "playlist unavailable", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", playlistContentType)
		w.Header().Set("Cache-Control", "no-cache")
		w.Write([]byte(body))
	}
}

// HandleChunklist serves a rewritten media playlist addressed by opaque id.
func HandleChunklist(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel, ok := a.channelVar(r)
		if !ok {
			http.Error(w, "unknown channel", http.StatusNotFound)
			return
		}
		a.Lifecycle.Touch(channel)

		id := mux.Vars(r)["id"]
		body, err := a.Chunklists.Rewrite(r.Context(), channel, id)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				http.Error(w, "unknown chunklist", http.StatusNotFound)
				return
			}
			logger.Error("{handlers/handlers.go - HandleChunklist} Channel %d chunklist %s failed: %v", channel, id, err)
			http.Error(w, "chunklist unavailable", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", playlistContentType)
		w.Header().Set("Cache-Control", "no-cache")
		w.Write([]byte(body))
	}
}

// HandlePart serves proxied segments and decryption keys addressed by
// opaque id.
func HandlePart(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel, ok := a.channelVar(r)
		if !ok {
			http.Error(w, "unknown channel", http.StatusNotFound)
			return
		}
		a.Lifecycle.Touch(channel)

		id := mux.Vars(r)["id"]
		data, contentType, err := a.Cache.Fetch(r.Context(), id, nil)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				http.Error(w, "unknown part", http.StatusNotFound)
				return
			}
			logger.Error("{handlers/handlers.go - HandlePart} Channel %d part %s failed: %v", channel, id, err)
			http.Error(w, "part unavailable", http.StatusBadGateway)
			return
		}

		if contentType == "" {
			contentType = "video/mp2t"
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}

// HandleSlateSegment serves the bundled holding-pattern segment out of the
// working directory.
func HandleSlateSegment(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel, ok := a.channelVar(r)
		if !ok {
			http.Error(w, "unknown channel", http.StatusNotFound)
			return
		}
		a.Lifecycle.Touch(channel)

		path := filepath.Join(a.Config.WorkingDir, "slate.ts")
		data, err := os.ReadFile(path)
		if err != nil {
			http.Error(w, "slate unavailable", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(data)
	}
}
