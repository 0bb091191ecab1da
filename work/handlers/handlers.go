package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"streamrelay/work/logger"
	"streamrelay/work/manifest"
	"streamrelay/work/middleware"
	"streamrelay/work/proxy"
	"streamrelay/work/types"

	"github.com/gorilla/mux"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"

	// requestTimeout bounds how long one local request waits on the origin.
	requestTimeout = 2 * time.Minute
)

// Routes registers the player-facing routes on router.
//
//	GET /media.m3u8
//	GET /{channel}-{index}.m3u8
//	GET /segments/{channel}-{index}/{segment}.ts
func Routes(router *mux.Router, sp *proxy.StreamProxy) {
	router.HandleFunc("/media.m3u8",
		middleware.Instrument("root", middleware.GzipMiddleware(HandleRootPlaylist(sp)))).
		Methods(http.MethodGet, http.MethodHead)

	router.HandleFunc("/{channel:[a-z]+}-{index:[0-9]+}.m3u8",
		middleware.Instrument("channel", middleware.GzipMiddleware(HandleChannelPlaylist(sp)))).
		Methods(http.MethodGet, http.MethodHead)

	router.HandleFunc("/segments/{channel:[a-z]+}-{index:[0-9]+}/{segment:[0-9]+}.ts",
		middleware.Instrument("segment", HandleSegment(sp))).
		Methods(http.MethodGet, http.MethodHead)

	router.NotFoundHandler = middleware.Instrument("unmatched", func(w http.ResponseWriter, r *http.Request) {
		notFound(w, r, types.ErrNotFound)
	})
	router.MethodNotAllowedHandler = middleware.Instrument("unmatched", func(w http.ResponseWriter, r *http.Request) {
		notFound(w, r, errors.New("method not allowed"))
	})
}

// HandleRootPlaylist serves the rewritten master playlist of the active
// session. The first request compiles the root; later ones reuse it.
//
// Parameters:
//   - sp: stream proxy holding the active session
//
// Returns:
//   - http.HandlerFunc: handler answering 200 with the playlist or 404
func HandleRootPlaylist(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// the client's context still applies; the shared compile does not use it
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		text, err := sp.RootPlaylist(ctx)
		if err != nil {
			notFound(w, r, err)
			return
		}
		writePlaylist(w, text)
	}
}

// HandleChannelPlaylist serves one channel's rewritten media playlist.
//
// Parameters:
//   - sp: stream proxy holding the active session
//
// Returns:
//   - http.HandlerFunc: handler answering 200 with the playlist, or 404 for
//     an unknown channel type, an index out of range or an origin failure
func HandleChannelPlaylist(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// route vars are validated by the pattern, only the type and range remain
		t, index, err := channelVars(r)
		if err != nil {
			notFound(w, r, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		text, err := sp.ChannelPlaylist(ctx, t, index)
		if err != nil {
			notFound(w, r, err)
			return
		}
		writePlaylist(w, text)
	}
}

// HandleSegment serves one segment's bytes, from the cache when possible.
//
// Parameters:
//   - sp: stream proxy holding the active session
//
// Returns:
//   - http.HandlerFunc: handler answering 200 with audio/mp2t or video/mp2t
//     bytes, or 404
func HandleSegment(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, index, err := channelVars(r)
		if err != nil {
			notFound(w, r, err)
			return
		}
		position, err := strconv.Atoi(mux.Vars(r)["segment"])
		if err != nil {
			notFound(w, r, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		// positions are 1-based, 00000 falls out of range like any other miss
		data, err := sp.Segment(ctx, t, index, position)
		if err != nil {
			notFound(w, r, err)
			return
		}

		contentType := "video/mp2t"
		if t == manifest.Audio {
			contentType = "audio/mp2t"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			logger.Debug("{handlers/handlers - HandleSegment} Client went away during %s: %v", r.URL.Path, err)
		}
	}
}

// channelVars reads the {channel} and {index} route variables.
func channelVars(r *http.Request) (manifest.ChannelType, int, error) {
	vars := mux.Vars(r)
	t, ok := manifest.ParseChannelType(vars["channel"])
	if !ok {
		return "", 0, errors.New("unknown channel " + strconv.Quote(vars["channel"]))
	}
	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		return "", 0, err
	}
	return t, index, nil
}

// writePlaylist sends a playlist body marked no-cache. Local paths are the
// same for every session.
func writePlaylist(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(text)); err != nil {
		logger.Debug("{handlers/handlers - writePlaylist} Write failed: %v", err)
	}
}

// notFound is the single failure response of the player routes. The cause is
// logged, never sent.
func notFound(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, types.ErrNoSession), errors.Is(err, types.ErrNotFound):
		logger.Debug("{handlers/handlers - notFound} %s %s: %v", r.Method, r.URL.Path, err)
	default:
		logger.Warn("{handlers/handlers - notFound} %s %s: %v", r.Method, r.URL.Path, err)
	}
	// not http.Error: it rewrites encoding headers under the gzip writer
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("Not Found\n"))
}
