// Package manifest builds the lazily compiled tree of playlists the relay
// serves. A root node wraps the remote master playlist and derives one channel
// node per exposed audio rendition and video variant; a channel node wraps a
// remote media playlist and derives its segment list. Each node compiles at
// most once per successful fetch and keeps the result for its lifetime.
package manifest

import (
	"context"
	"fmt"
	"sync"

	"streamrelay/work/logger"
	"streamrelay/work/metrics"
	"streamrelay/work/utils"

	"golang.org/x/sync/singleflight"
)

// Fetcher is the slice of the origin gateway the tree needs.
type Fetcher interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// Kind tags the two node variants.
type Kind int

const (
	KindRoot Kind = iota
	KindChannel
)

func (k Kind) String() string {
	if k == KindRoot {
		return "root"
	}
	return "channel"
}

// ChannelType is the first half of a channel's local name.
type ChannelType string

const (
	Audio ChannelType = "audio"
	Video ChannelType = "video"
)

// ParseChannelType accepts exactly "audio" or "video".
func ParseChannelType(s string) (ChannelType, bool) {
	switch ChannelType(s) {
	case Audio, Video:
		return ChannelType(s), true
	}
	return "", false
}

type state int

const (
	stateUnfetched state = iota
	stateCompiled
	stateFailed
)

// SegmentInfo is one segment of a compiled channel.
type SegmentInfo struct {
	Position int // 1-based
	URL      string
	Duration float64
}

// Compiled is the memoized output of a node. Root nodes fill Audio and
// Video; channel nodes fill Segments. Nothing in it changes once published.
type Compiled struct {
	Text     string
	Audio    []*Node
	Video    []*Node
	Segments []SegmentInfo
}

// Channel returns the child channel with the given 1-based index.
func (c *Compiled) Channel(t ChannelType, index int) (*Node, bool) {
	list := c.Video
	if t == Audio {
		list = c.Audio
	}
	if index < 1 || index > len(list) {
		return nil, false
	}
	return list[index-1], true
}

// Segment returns the segment with the given 1-based position.
func (c *Compiled) Segment(position int) (SegmentInfo, bool) {
	if position < 1 || position > len(c.Segments) {
		return SegmentInfo{}, false
	}
	return c.Segments[position-1], true
}

// Node is one playlist in the tree.
type Node struct {
	kind    Kind
	url     string
	fetcher Fetcher

	// root only
	audioNames []string

	// channel only
	channel ChannelType
	index   int
	caption string

	mu       sync.Mutex
	state    state
	compiled *Compiled
	lastErr  error
	flight   singleflight.Group
}

// NewRoot creates an unfetched root node for a master playlist. audioNames
// optionally supplies display names for the audio renditions in order.
func NewRoot(fetcher Fetcher, playlistURL string, audioNames []string) *Node {
	return &Node{
		kind:       KindRoot,
		url:        playlistURL,
		fetcher:    fetcher,
		audioNames: audioNames,
	}
}

func newChannel(fetcher Fetcher, t ChannelType, index int, playlistURL, caption string) *Node {
	return &Node{
		kind:    KindChannel,
		url:     playlistURL,
		fetcher: fetcher,
		channel: t,
		index:   index,
		caption: caption,
	}
}

func (n *Node) Kind() Kind { return n.kind }
func (n *Node) URL() string { return n.url }
func (n *Node) ChannelType() ChannelType { return n.channel }
func (n *Node) Index() int { return n.index }
func (n *Node) Caption() string { return n.caption }

// Name is the channel's local name, e.g. "video-00002". Empty for roots.
func (n *Node) Name() string {
	if n.kind == KindRoot {
		return ""
	}
	return string(n.channel) + "-" + utils.FormatIndex(n.index)
}

// IsCompiled reports whether the node has a memoized result.
func (n *Node) IsCompiled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == stateCompiled
}

// LastError returns the error of the most recent failed compile, if the node
// is currently failed.
func (n *Node) LastError() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != stateFailed {
		return nil
	}
	return n.lastErr
}

// Compiled returns the node's compiled output, fetching and compiling it on
// first use. Concurrent callers share one compile. A failed compile is
// reported to everyone waiting on it and retried by the next call. The
// shared fetch is not cancelled when ctx is; ctx only bounds this caller's
// wait.
func (n *Node) Compiled(ctx context.Context) (*Compiled, error) {
	if c := n.memoized(); c != nil {
		return c, nil
	}

	ch := n.flight.DoChan("compile", func() (any, error) {
		if c := n.memoized(); c != nil {
			return c, nil
		}

		c, err := n.compile(context.WithoutCancel(ctx))

		n.mu.Lock()
		defer n.mu.Unlock()
		if err != nil {
			n.state = stateFailed
			n.lastErr = err
			metrics.ManifestCompiles.WithLabelValues(n.kind.String(), "error").Inc()
			logger.Warn("{manifest/node - Compiled} Compiling %s %s failed: %v", n.kind, n.describe(), err)
			return nil, err
		}
		n.state = stateCompiled
		n.compiled = c
		n.lastErr = nil
		metrics.ManifestCompiles.WithLabelValues(n.kind.String(), "ok").Inc()
		logger.Debug("{manifest/node - Compiled} Compiled %s %s", n.kind, n.describe())
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Compiled), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Node) memoized() *Compiled {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == stateCompiled {
		return n.compiled
	}
	return nil
}

func (n *Node) compile(ctx context.Context) (*Compiled, error) {
	switch n.kind {
	case KindRoot:
		return n.compileRoot(ctx)
	case KindChannel:
		return n.compileChannel(ctx)
	default:
		return nil, fmt.Errorf("unknown node kind %d", n.kind)
	}
}

func (n *Node) describe() string {
	if n.kind == KindRoot {
		return "root"
	}
	return n.Name()
}
