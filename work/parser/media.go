package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"streamrelay/work/logger"
	"streamrelay/work/types"
	"streamrelay/work/utils"

	"github.com/grafov/m3u8"
)

// Segment is one media segment of a channel playlist. Position is 1-based
// and follows document order.
type Segment struct {
	Position int
	URL      string // absolute
	Duration float64
}

// MediaPlaylist is a parsed leaf playlist.
type MediaPlaylist struct {
	URL      string
	Segments []Segment
}

// MaxDuration returns the longest segment duration.
func (m *MediaPlaylist) MaxDuration() float64 {
	var max float64
	for _, s := range m.Segments {
		if s.Duration > max {
			max = s.Duration
		}
	}
	return max
}

// ParseMedia decodes a media playlist fetched from playlistURL and resolves
// every segment URI against it. A master playlist or a playlist without
// segments is a ParseError.
func ParseMedia(playlistURL string, data []byte) (*MediaPlaylist, error) {
	if err := checkHeader(playlistURL, data); err != nil {
		return nil, err
	}

	// grafov reads an unparseable EXTINF as 0 outside strict mode, so the
	// durations are checked on the raw text first
	if err := checkDurations(playlistURL, data); err != nil {
		return nil, err
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, &types.ParseError{URL: playlistURL, Reason: "decode failed", Err: err}
	}
	if listType != m3u8.MEDIA {
		return nil, &types.ParseError{URL: playlistURL, Reason: "expected media playlist, got master playlist"}
	}

	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, &types.ParseError{URL: playlistURL, Reason: fmt.Sprintf("unexpected playlist type %T", playlist)}
	}

	out := &MediaPlaylist{URL: playlistURL}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		resolved, err := utils.ResolveURL(playlistURL, seg.URI)
		if err != nil {
			return nil, &types.ParseError{URL: playlistURL, Reason: "bad segment URI", Err: err}
		}
		out.Segments = append(out.Segments, Segment{
			Position: len(out.Segments) + 1,
			URL:      resolved,
			Duration: seg.Duration,
		})
	}

	if len(out.Segments) == 0 {
		return nil, &types.ParseError{URL: playlistURL, Reason: "media playlist has no segments"}
	}

	logger.Debug("{parser/media - ParseMedia} %d segments in %s", len(out.Segments), playlistURL)
	return out, nil
}

// checkDurations rejects any #EXTINF whose duration is not a finite,
// non-negative number.
func checkDurations(playlistURL string, data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		value, ok := strings.CutPrefix(line, "#EXTINF:")
		if !ok {
			continue
		}
		value, _, _ = strings.Cut(value, ",")
		duration, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err == nil && (duration < 0 || math.IsNaN(duration) || math.IsInf(duration, 0)) {
			err = fmt.Errorf("duration %q out of range", value)
		}
		if err != nil {
			return &types.ParseError{
				URL:    playlistURL,
				Reason: fmt.Sprintf("bad EXTINF duration on line %d", lineNo),
				Err:    err,
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return &types.ParseError{URL: playlistURL, Reason: "read failed", Err: err}
	}
	return nil
}
