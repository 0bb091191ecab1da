package manifest

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"streamrelay/work/parser"
	"streamrelay/work/types"
	"streamrelay/work/utils"
)

// localAudioGroup is the GROUP-ID every local audio rendition is published under.
const localAudioGroup = "audio"

// streamAttributes are copied from each source variant, in this order, when present.
var streamAttributes = []string{
	"BANDWIDTH",
	"AVERAGE-BANDWIDTH",
	"CODECS",
	"RESOLUTION",
	"FRAME-RATE",
	"VIDEO-RANGE",
}

// compileRoot fetches the master playlist and derives one unfetched channel
// node per exposed audio rendition and video variant.
//
// Parameters:
//   - ctx: context for the origin fetch, detached from any single request
//
// Returns:
//   - *Compiled: root text plus the Audio and Video children
//   - error: NetworkError from the fetch, ParseError for an unusable document
func (n *Node) compileRoot(ctx context.Context) (*Compiled, error) {
	data, err := n.fetcher.FetchBytes(ctx, n.url)
	if err != nil {
		return nil, fmt.Errorf("fetch master playlist: %w", err)
	}

	master, err := parser.ParseMaster(n.url, data)
	if err != nil {
		return nil, err
	}

	// only the audio group the variants point at is exposed, and only the
	// variants that use it
	group := master.AudioGroup()
	renditions := master.AudioRenditions(group)
	variants := master.VideoVariants(group)
	if len(variants) == 0 && len(renditions) == 0 {
		return nil, &types.ParseError{URL: n.url, Reason: fmt.Sprintf("no playable channels for audio group %q", group)}
	}

	// children are numbered from 1 in document order
	c := &Compiled{}
	for i, r := range renditions {
		c.Audio = append(c.Audio, newChannel(n.fetcher, Audio, i+1, r.URI, n.audioCaption(i, r)))
	}
	for i, v := range variants {
		c.Video = append(c.Video, newChannel(n.fetcher, Video, i+1, v.URI, videoCaption(i+1, v)))
	}
	c.Text = renderRoot(c, renditions, variants)
	return c, nil
}

// compileChannel fetches a media playlist and records its segments.
//
// Parameters:
//   - ctx: context for the origin fetch
//
// Returns:
//   - *Compiled: channel text plus the absolute segment URLs by position
//   - error: NetworkError or ParseError; the node stays retryable either way
func (n *Node) compileChannel(ctx context.Context) (*Compiled, error) {
	data, err := n.fetcher.FetchBytes(ctx, n.url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s playlist: %w", n.Name(), err)
	}

	media, err := parser.ParseMedia(n.url, data)
	if err != nil {
		return nil, err
	}

	c := &Compiled{Segments: make([]SegmentInfo, len(media.Segments))}
	for i, s := range media.Segments {
		c.Segments[i] = SegmentInfo{Position: s.Position, URL: s.URL, Duration: s.Duration}
	}
	c.Text = renderChannel(n.Name(), c.Segments, media.MaxDuration())
	return c, nil
}

// audioCaption is "<name> (<language>)". The name comes from the scraper
// when it supplied one for this position, else from the rendition.
func (n *Node) audioCaption(i int, r parser.Rendition) string {
	name := r.Name
	if i < len(n.audioNames) && strings.TrimSpace(n.audioNames[i]) != "" {
		name = strings.TrimSpace(n.audioNames[i])
	}
	if name == "" {
		name = fmt.Sprintf("Audio %d", i+1)
	}
	if r.Language != "" {
		name += " (" + r.Language + ")"
	}
	return name
}

// videoCaption is "<WxH> <FRAME-RATE> <VIDEO-RANGE> <BANDWIDTH>bps" from
// whichever of those attributes the variant has.
func videoCaption(index int, v parser.Variant) string {
	var parts []string
	for _, key := range []string{"RESOLUTION", "FRAME-RATE", "VIDEO-RANGE"} {
		if value := v.Attrs.Value(key); value != "" {
			parts = append(parts, value)
		}
	}
	if bw := v.Attrs.Value("BANDWIDTH"); bw != "" {
		parts = append(parts, bw+"bps")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Video %d", index)
	}
	return strings.Join(parts, " ")
}

// defaultAudio is the index of the first rendition marked DEFAULT=YES, or 0.
func defaultAudio(renditions []parser.Rendition) int {
	for i, r := range renditions {
		if r.Default {
			return i
		}
	}
	return 0
}

// renderRoot writes the local master playlist. Audio renditions come first
// under one local group, then every video variant with its source attributes
// copied verbatim.
func renderRoot(c *Compiled, renditions []parser.Rendition, variants []parser.Variant) string {
	lines := []string{"#EXTM3U", "#EXT-X-VERSION:3"}

	// exactly one rendition is DEFAULT=YES
	def := defaultAudio(renditions)
	for i, ch := range c.Audio {
		flag := "NO"
		if i == def {
			flag = "YES"
		}
		attrs := []string{
			"TYPE=AUDIO",
			`GROUP-ID="` + localAudioGroup + `"`,
			`NAME="` + quoteSafe(ch.Caption()) + `"`,
		}
		if lang := renditions[i].Language; lang != "" {
			attrs = append(attrs, `LANGUAGE="`+quoteSafe(lang)+`"`)
		}
		attrs = append(attrs,
			"DEFAULT="+flag,
			"AUTOSELECT="+flag,
			`URI="`+ch.Name()+`.m3u8"`,
		)
		lines = append(lines, "#EXT-X-MEDIA:"+strings.Join(attrs, ","))
	}

	for i, ch := range c.Video {
		attrs := []string{"PROGRAM-ID=1", `NAME="` + quoteSafe(ch.Caption()) + `"`}
		for _, key := range streamAttributes {
			if raw, ok := variants[i].Attrs.Raw(key); ok {
				attrs = append(attrs, key+"="+raw)
			}
		}
		// the source AUDIO value names a remote group, so it is replaced
		if len(c.Audio) > 0 {
			attrs = append(attrs, `AUDIO="`+localAudioGroup+`"`)
		}
		lines = append(lines, "#EXT-X-STREAM-INF:"+strings.Join(attrs, ","), ch.Name()+".m3u8")
	}

	return strings.Join(lines, "\n") + "\n"
}

// renderChannel writes the local VOD playlist of one channel. The target
// duration is the longest segment rounded up.
func renderChannel(name string, segments []SegmentInfo, longest float64) string {
	lines := []string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-PLAYLIST-TYPE:VOD",
		"#EXT-X-MEDIA-SEQUENCE:1",
		"#EXT-X-TARGETDURATION:" + strconv.Itoa(int(math.Ceil(longest))),
	}
	for _, s := range segments {
		lines = append(lines,
			"#EXTINF:"+FormatDuration(s.Duration)+",",
			"segments/"+name+"/"+utils.FormatIndex(s.Position)+".ts",
		)
	}
	lines = append(lines, "#EXT-X-ENDLIST")

	return strings.Join(lines, "\n") + "\n"
}

// FormatDuration prints a duration in its shortest exact form: 6 -> "6",
// 6.006 -> "6.006".
func FormatDuration(d float64) string {
	return strconv.FormatFloat(d, 'f', -1, 64)
}

func quoteSafe(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}
