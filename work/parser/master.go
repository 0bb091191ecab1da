package parser

import (
	"bufio"
	"bytes"
	"strings"

	"streamrelay/work/logger"
	"streamrelay/work/types"
	"streamrelay/work/utils"

	"github.com/grafana/regexp"
)

// attributePattern matches KEY=VALUE pairs where VALUE is either a quoted
// string (which may contain commas) or runs to the next comma.
var attributePattern = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^,]*)`)

// Attribute is one KEY=VALUE pair of a tag, kept as written.
type Attribute struct {
	Key    string
	Value  string // without surrounding quotes
	Quoted bool
}

// Attributes keeps tag attributes in source order so they can be written
// back verbatim.
type Attributes []Attribute

// Get returns the unquoted value of key.
func (a Attributes) Get(key string) (string, bool) {
	for _, attr := range a {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// Value returns the unquoted value of key or "".
func (a Attributes) Value(key string) string {
	v, _ := a.Get(key)
	return v
}

// Raw returns key's value as it appeared in the source, quotes included.
func (a Attributes) Raw(key string) (string, bool) {
	for _, attr := range a {
		if attr.Key == key {
			if attr.Quoted {
				return `"` + attr.Value + `"`, true
			}
			return attr.Value, true
		}
	}
	return "", false
}

// Rendition is one #EXT-X-MEDIA entry.
type Rendition struct {
	Type       string
	GroupID    string
	Name       string
	Language   string
	Default    bool
	AutoSelect bool
	URI        string // absolute; empty when the rendition is muxed into the variants
	Attrs      Attributes
}

// Variant is one #EXT-X-STREAM-INF entry and the URI line after it.
type Variant struct {
	URI   string // absolute
	Audio string // GROUP-ID referenced by AUDIO, if any
	Attrs Attributes
}

// MasterPlaylist holds renditions and variants in document order.
type MasterPlaylist struct {
	URL        string
	Renditions []Rendition
	Variants   []Variant
}

// ParseAttributes splits the attribute list of a tag line (everything after
// the first ':').
func ParseAttributes(params string) Attributes {
	var attrs Attributes
	for _, match := range attributePattern.FindAllStringSubmatch(params, -1) {
		value := match[2]
		quoted := len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`)
		if quoted {
			value = value[1 : len(value)-1]
		}
		attrs = append(attrs, Attribute{Key: match[1], Value: value, Quoted: quoted})
	}
	return attrs
}

// ParseMaster parses a master playlist fetched from playlistURL. Relative
// URIs are resolved against playlistURL. A media playlist, a document without
// #EXTM3U, or a master with nothing playable is a ParseError.
func ParseMaster(playlistURL string, data []byte) (*MasterPlaylist, error) {
	if err := checkHeader(playlistURL, data); err != nil {
		return nil, err
	}
	if bytes.Contains(data, []byte("#EXTINF")) && !bytes.Contains(data, []byte("#EXT-X-STREAM-INF")) {
		return nil, &types.ParseError{URL: playlistURL, Reason: "expected master playlist, got media playlist"}
	}

	master := &MasterPlaylist{URL: playlistURL}
	var pending *Variant

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue

		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			r, err := parseRendition(playlistURL, strings.TrimPrefix(line, "#EXT-X-MEDIA:"))
			if err != nil {
				return nil, err
			}
			master.Renditions = append(master.Renditions, r)

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := ParseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			pending = &Variant{Attrs: attrs, Audio: attrs.Value("AUDIO")}

		case strings.HasPrefix(line, "#"):
			// other tags, including I-frame playlists, are not exposed

		case pending != nil:
			resolved, err := utils.ResolveURL(playlistURL, line)
			if err != nil {
				return nil, &types.ParseError{URL: playlistURL, Reason: "bad variant URI", Err: err}
			}
			pending.URI = resolved
			master.Variants = append(master.Variants, *pending)
			pending = nil

		default:
			logger.Debug("{parser/master - ParseMaster} Ignoring stray URI line %q", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &types.ParseError{URL: playlistURL, Reason: "read failed", Err: err}
	}

	if len(master.Variants) == 0 && len(master.Renditions) == 0 {
		return nil, &types.ParseError{URL: playlistURL, Reason: "master playlist has no variants"}
	}

	logger.Debug("{parser/master - ParseMaster} %d variants, %d renditions", len(master.Variants), len(master.Renditions))
	return master, nil
}

func parseRendition(playlistURL, params string) (Rendition, error) {
	attrs := ParseAttributes(params)
	r := Rendition{
		Type:       attrs.Value("TYPE"),
		GroupID:    attrs.Value("GROUP-ID"),
		Name:       attrs.Value("NAME"),
		Language:   attrs.Value("LANGUAGE"),
		Default:    attrs.Value("DEFAULT") == "YES",
		AutoSelect: attrs.Value("AUTOSELECT") == "YES",
		Attrs:      attrs,
	}
	if uri, ok := attrs.Get("URI"); ok && uri != "" {
		resolved, err := utils.ResolveURL(playlistURL, uri)
		if err != nil {
			return r, &types.ParseError{URL: playlistURL, Reason: "bad rendition URI", Err: err}
		}
		r.URI = resolved
	}
	return r, nil
}

// AudioGroup picks the audio group the relay exposes: the group referenced by
// the first variant that names one, else the first TYPE=AUDIO group.
func (m *MasterPlaylist) AudioGroup() string {
	for _, v := range m.Variants {
		if v.Audio != "" {
			return v.Audio
		}
	}
	for _, r := range m.Renditions {
		if r.Type == "AUDIO" {
			return r.GroupID
		}
	}
	return ""
}

// AudioRenditions returns the addressable audio renditions of group in
// document order.
func (m *MasterPlaylist) AudioRenditions(group string) []Rendition {
	var out []Rendition
	for _, r := range m.Renditions {
		if r.Type == "AUDIO" && r.GroupID == group && r.URI != "" {
			out = append(out, r)
		}
	}
	return out
}

// VideoVariants returns the variants that play with group. With no audio
// group every variant qualifies.
func (m *MasterPlaylist) VideoVariants(group string) []Variant {
	if group == "" {
		return append([]Variant(nil), m.Variants...)
	}
	var out []Variant
	for _, v := range m.Variants {
		if v.Audio == group {
			out = append(out, v)
		}
	}
	return out
}

func checkHeader(playlistURL string, data []byte) error {
	trimmed := bytes.TrimLeft(data, "\ufeff \t\r\n")
	if !bytes.HasPrefix(trimmed, []byte("#EXTM3U")) {
		return &types.ParseError{URL: playlistURL, Reason: "missing #EXTM3U header"}
	}
	return nil
}
