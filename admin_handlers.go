package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"streamrelay/work/database"
	"streamrelay/work/middleware"
	"streamrelay/work/proxy"
	"streamrelay/work/utils"

	"github.com/gorilla/mux"
)

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	proxy.Stats
	Version     string                 `json:"version"`
	MemoryUsage string                 `json:"memoryUsage"`
	OriginHosts []string               `json:"originHosts"`
	Mirror      string                 `json:"mirror"`
	Database    map[string]interface{} `json:"database,omitempty"`
}

// SessionResponse describes the active session. Channels are listed only once
// the root playlist has been compiled; asking never triggers an origin fetch.
type SessionResponse struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	RegisteredAt time.Time     `json:"registeredAt"`
	PlaylistURL  string        `json:"playlistUrl"`
	SourceURL    string        `json:"sourceUrl"`
	Audio        []ChannelInfo `json:"audio,omitempty"`
	Video        []ChannelInfo `json:"video,omitempty"`
}

// ChannelInfo is one channel of the active session.
type ChannelInfo struct {
	Name     string `json:"name"`
	Caption  string `json:"caption"`
	Compiled bool   `json:"compiled"`
}

// HistoryResponse is the body of GET /api/history.
type HistoryResponse struct {
	Sessions  []database.SessionRecord  `json:"sessions"`
	Downloads []database.DownloadRecord `json:"downloads"`
}

// LogEntry is one line of the admin log buffer.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

const maxLogEntries = 1000

var (
	logMu      sync.Mutex
	logEntries = make([]LogEntry, 0, maxLogEntries)
)

// setupAdminRoutes registers the JSON admin API.
func setupAdminRoutes(router *mux.Router, a *app) {
	router.HandleFunc("/api/session", corsMiddleware(middleware.GzipMiddleware(handleGetSession(a)))).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/api/session", corsMiddleware(handleStopSession(a))).Methods(http.MethodDelete)
	router.HandleFunc("/api/stats", corsMiddleware(middleware.GzipMiddleware(handleGetStats(a)))).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/api/history", corsMiddleware(middleware.GzipMiddleware(handleGetHistory(a)))).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/api/logs", corsMiddleware(middleware.GzipMiddleware(handleGetLogs))).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/api/logs", corsMiddleware(handleClearLogs)).Methods(http.MethodDelete)

	addLogEntry("info", "Admin interface initialized")
}

// corsMiddleware lets browser dashboards on other origins call the admin API
// and answers preflight requests itself.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		addLogEntry("debug", fmt.Sprintf("Request: %s %s", r.Method, r.URL.Path))
		next(w, r)
	}
}

func handleGetSession(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := a.sp.Active()
		if session == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "idle"})
			return
		}

		resp := SessionResponse{
			ID:           session.ID,
			Title:        session.Title,
			RegisteredAt: session.RegisteredAt,
			PlaylistURL:  a.cfg.PlaylistURL(),
			SourceURL:    utils.LogURL(a.cfg, session.Root.URL()),
		}
		if session.Root.IsCompiled() {
			if c, err := session.Root.Compiled(r.Context()); err == nil {
				for _, n := range c.Audio {
					resp.Audio = append(resp.Audio, ChannelInfo{Name: n.Name(), Caption: n.Caption(), Compiled: n.IsCompiled()})
				}
				for _, n := range c.Video {
					resp.Video = append(resp.Video, ChannelInfo{Name: n.Name(), Caption: n.Caption(), Compiled: n.IsCompiled()})
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleStopSession(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		previous := a.sp.Unregister()
		if previous == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "idle"})
			return
		}
		addLogEntry("info", fmt.Sprintf("Session %s (%s) stopped via admin API", previous.ID, previous.Title))
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": previous.ID})
	}
}

func handleGetStats(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		stats := StatsResponse{
			Stats:       a.sp.Stats(),
			Version:     Version,
			MemoryUsage: utils.FormatBytes(int64(m.Alloc)),
		}
		if a.gw != nil {
			stats.OriginHosts = a.gw.Hosts()
		}
		if a.catalogue != nil {
			stats.Mirror = a.catalogue.BaseURL()
		}
		if a.db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if dbStats, err := a.db.GetStats(ctx); err == nil {
				stats.Database = dbStats
			} else {
				addLogEntry("error", fmt.Sprintf("Failed to read database stats: %v", err))
			}
		}
		stats.Uptime = formatDuration(time.Since(a.sp.StartedAt))

		writeJSON(w, http.StatusOK, stats)
	}
}

func handleGetHistory(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.db == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history is disabled"})
			return
		}

		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 500 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
				return
			}
			limit = n
		}

		sessions, err := a.db.RecentSessions(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		downloads, err := a.db.RecentDownloads(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, HistoryResponse{Sessions: sessions, Downloads: downloads})
	}
}

func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	entries := append([]LogEntry(nil), logEntries...)
	logMu.Unlock()
	writeJSON(w, http.StatusOK, entries)
}

func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	logEntries = logEntries[:0]
	logMu.Unlock()
	addLogEntry("info", "Log entries cleared via admin interface")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		addLogEntry("error", fmt.Sprintf("Failed to encode response: %v", err))
	}
}

// addLogEntry appends to the admin log buffer, keeping the newest entries.
func addLogEntry(level, message string) {
	entry := LogEntry{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     level,
		Message:   message,
	}

	logMu.Lock()
	defer logMu.Unlock()
	logEntries = append(logEntries, entry)
	if len(logEntries) > maxLogEntries {
		logEntries = logEntries[len(logEntries)-maxLogEntries:]
	}
}

// formatDuration converts time.Duration to human-readable format
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
