package proxy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"streamrelay/work/cache"
	"streamrelay/work/config"
	"streamrelay/work/logger"
	"streamrelay/work/manifest"
	"streamrelay/work/types"
	"streamrelay/work/utils"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"
)

// StreamProxy owns the active session and resolves local playlist and segment
// requests against it. Playlists come from the session's manifest tree;
// segment bytes come from the cache or, on a miss, from the origin.
type StreamProxy struct {
	Config     *config.Config
	Fetcher    manifest.Fetcher    // origin gateway
	Cache      *cache.SegmentCache // segment bytes, partitioned by session
	WorkerPool *ants.Pool          // background segment prefetch; nil disables it
	StartedAt  time.Time

	active        atomic.Pointer[Session]
	segmentFlight singleflight.Group
}

// New wires the proxy. workerPool may be nil.
func New(cfg *config.Config, fetcher manifest.Fetcher, segmentCache *cache.SegmentCache, workerPool *ants.Pool) *StreamProxy {
	logger.Debug("{proxy/stream - New} Initializing StreamProxy (prefetch %d segments)", cfg.PrefetchSegments)
	return &StreamProxy{
		Config:     cfg,
		Fetcher:    fetcher,
		Cache:      segmentCache,
		WorkerPool: workerPool,
		StartedAt:  time.Now(),
	}
}

// NewRoot builds an unfetched manifest tree for a stream source.
func (sp *StreamProxy) NewRoot(src types.StreamSource) *manifest.Node {
	return manifest.NewRoot(sp.Fetcher, src.PlaylistURL, src.AudioNames)
}

// RootPlaylist returns the rewritten master playlist of the active session.
func (sp *StreamProxy) RootPlaylist(ctx context.Context) (string, error) {
	session := sp.active.Load()
	if session == nil {
		return "", types.ErrNoSession
	}
	c, err := session.Root.Compiled(ctx)
	if err != nil {
		return "", err
	}
	return c.Text, nil
}

// ChannelPlaylist returns the rewritten playlist of one channel.
func (sp *StreamProxy) ChannelPlaylist(ctx context.Context, t manifest.ChannelType, index int) (string, error) {
	session := sp.active.Load()
	if session == nil {
		return "", types.ErrNoSession
	}
	_, c, err := sp.channel(ctx, session, t, index)
	if err != nil {
		return "", err
	}
	return c.Text, nil
}

// Segment returns the bytes of one segment. Positions are 1-based.
func (sp *StreamProxy) Segment(ctx context.Context, t manifest.ChannelType, index, position int) ([]byte, error) {
	session := sp.active.Load()
	if session == nil {
		return nil, types.ErrNoSession
	}
	_, c, err := sp.channel(ctx, session, t, index)
	if err != nil {
		return nil, err
	}
	seg, ok := c.Segment(position)
	if !ok {
		return nil, fmt.Errorf("segment %d of %s-%05d: %w", position, t, index, types.ErrNotFound)
	}

	data, err := sp.segmentBytes(ctx, session, seg.URL)
	if err != nil {
		return nil, err
	}

	sp.prefetch(session, c.Segments, position)
	return data, nil
}

func (sp *StreamProxy) channel(ctx context.Context, session *Session, t manifest.ChannelType, index int) (*manifest.Node, *manifest.Compiled, error) {
	root, err := session.Root.Compiled(ctx)
	if err != nil {
		return nil, nil, err
	}
	node, ok := root.Channel(t, index)
	if !ok {
		return nil, nil, fmt.Errorf("channel %s-%05d: %w", t, index, types.ErrNotFound)
	}
	c, err := node.Compiled(ctx)
	if err != nil {
		return nil, nil, err
	}
	return node, c, nil
}

// segmentBytes serves url from the cache or fetches it once for all
// concurrent callers. The fetch outlives any single caller's context.
func (sp *StreamProxy) segmentBytes(ctx context.Context, session *Session, url string) ([]byte, error) {
	if data, ok := sp.Cache.Get(session.ID, url); ok {
		return data, nil
	}

	key := session.ID + "\n" + url
	ch := sp.segmentFlight.DoChan(key, func() (any, error) {
		data, err := sp.Fetcher.FetchBytes(context.WithoutCancel(ctx), url)
		if err != nil {
			return nil, err
		}
		// a session swapped out mid-fetch must not repopulate the cache
		if sp.active.Load() == session {
			sp.Cache.Put(session.ID, url, data)
		}
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// prefetch warms the segments after position on the worker pool.
func (sp *StreamProxy) prefetch(session *Session, segments []manifest.SegmentInfo, position int) {
	if sp.WorkerPool == nil || sp.Config.PrefetchSegments <= 0 {
		return
	}

	last := position + sp.Config.PrefetchSegments
	if last > len(segments) {
		last = len(segments)
	}
	for p := position + 1; p <= last; p++ {
		url := segments[p-1].URL
		err := sp.WorkerPool.Submit(func() {
			if sp.active.Load() != session {
				return
			}
			if _, err := sp.segmentBytes(context.Background(), session, url); err != nil {
				logger.Debug("{proxy/stream - prefetch} Prefetch of %s failed: %v", utils.LogURL(sp.Config, url), err)
			}
		})
		if err != nil {
			logger.Debug("{proxy/stream - prefetch} Worker pool rejected prefetch: %v", err)
			return
		}
	}
}

// Stats is a snapshot for the admin API.
type Stats struct {
	Uptime        string    `json:"uptime"`
	StartedAt     time.Time `json:"startedAt"`
	CacheEntries  int       `json:"cacheEntries"`
	CacheTTL      string    `json:"cacheTTL"`
	SessionID     string    `json:"sessionId,omitempty"`
	SessionTitle  string    `json:"sessionTitle,omitempty"`
	WorkersActive int       `json:"workersActive"`
}

// Stats reports cache and session state.
func (sp *StreamProxy) Stats() Stats {
	s := Stats{
		Uptime:       time.Since(sp.StartedAt).Round(time.Second).String(),
		StartedAt:    sp.StartedAt,
		CacheEntries: sp.Cache.Len(),
		CacheTTL:     sp.Cache.TTL().String(),
	}
	if session := sp.active.Load(); session != nil {
		s.SessionID = session.ID
		s.SessionTitle = session.Title
	}
	if sp.WorkerPool != nil {
		s.WorkersActive = sp.WorkerPool.Running()
	}
	return s
}
