package proxy

import (
	"time"

	"streamrelay/work/logger"
	"streamrelay/work/manifest"
	"streamrelay/work/metrics"

	"github.com/google/uuid"
)

// Session is one registered manifest tree. A session never changes after it
// is registered; replacing the tree means registering a new session.
type Session struct {
	ID           string
	Title        string
	Root         *manifest.Node
	RegisteredAt time.Time
}

// Register installs root as the only active session and empties the segment
// cache. Requests already in flight keep the session they loaded; every
// request that starts afterwards sees the new one.
//
// Parameters:
//   - root: unfetched or compiled root node of the new tree
//   - title: display name, used in logs, stats and history
//
// Returns:
//   - *Session: the session now being served
func (sp *StreamProxy) Register(root *manifest.Node, title string) *Session {
	session := &Session{
		ID:           uuid.NewString(),
		Title:        title,
		Root:         root,
		RegisteredAt: time.Now(),
	}

	previous := sp.active.Swap(session)
	sp.Cache.Clear()
	metrics.ActiveSession.Set(1)

	if previous != nil {
		logger.Info("{proxy/session - Register} Replaced session %s (%s) with %s (%s)", previous.ID, previous.Title, session.ID, title)
	} else {
		logger.Info("{proxy/session - Register} Registered session %s (%s)", session.ID, title)
	}
	return session
}

// Unregister removes the active session, if any, and empties the segment
// cache. It returns the session that was removed.
func (sp *StreamProxy) Unregister() *Session {
	previous := sp.active.Swap(nil)
	sp.Cache.Clear()
	metrics.ActiveSession.Set(0)

	if previous != nil {
		logger.Info("{proxy/session - Unregister} Unregistered session %s (%s)", previous.ID, previous.Title)
	}
	return previous
}

// Active returns the current session or nil.
func (sp *StreamProxy) Active() *Session {
	return sp.active.Load()
}
