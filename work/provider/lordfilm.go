// Package provider scrapes the Lordfilm site: it discovers the current mirror,
// searches the catalogue and extracts the HLS sources of a title from the
// embedded player's configuration.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"streamrelay/work/client"
	"streamrelay/work/config"
	"streamrelay/work/logger"
	"streamrelay/work/types"
	"streamrelay/work/utils"

	"github.com/grafana/regexp"
	"golang.org/x/net/html"
)

// mediaTypePattern classifies a title by the catalogue section in its URL.
var mediaTypePattern = regexp.MustCompile(`(filmy|serialy|mult)`)

// Origin is the part of the gateway the scraper uses.
type Origin interface {
	Fetch(ctx context.Context, rawURL string, opts *client.FetchOptions) (*client.Response, error)
	PostForm(ctx context.Context, rawURL string, form url.Values) (*client.Response, error)
}

// Lordfilm is a scraper bound to one mirror at a time.
type Lordfilm struct {
	origin Origin
	cfg    *config.Config

	mu      sync.RWMutex
	baseURL string
}

// NewLordfilm returns a scraper that uses the configured domain until
// ResolveMirror finds something better.
func NewLordfilm(origin Origin, cfg *config.Config) *Lordfilm {
	return &Lordfilm{
		origin:  origin,
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.Domain, "/"),
	}
}

// BaseURL is the mirror currently in use, without a trailing slash.
func (l *Lordfilm) BaseURL() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.baseURL
}

// ResolveMirror reads the mirror announcement page and switches to the last
// advertised mirror, following one redirect by hand. On failure the current
// base URL is kept and the error is returned.
func (l *Lordfilm) ResolveMirror(ctx context.Context) (string, error) {
	resp, err := l.origin.Fetch(ctx, l.cfg.MirrorSourceURL, nil)
	if err != nil {
		return l.BaseURL(), fmt.Errorf("mirror source: %w", err)
	}

	doc, err := parseHTML(resp.Body)
	if err != nil {
		return l.BaseURL(), &types.ParseError{URL: l.cfg.MirrorSourceURL, Reason: "invalid html", Err: err}
	}
	buttons := findAll(doc, func(n *html.Node) bool {
		return tag("a", "href")(n) && hasClass(n, "url_button")
	})
	if len(buttons) == 0 {
		return l.BaseURL(), fmt.Errorf("mirror source has no mirror link: %w", types.ErrLayoutChanged)
	}
	href, _ := attr(buttons[len(buttons)-1], "href")

	candidate, err := utils.OriginOf(href)
	if err != nil {
		return l.BaseURL(), &types.ParseError{URL: l.cfg.MirrorSourceURL, Reason: "bad mirror link", Err: err}
	}

	probe, err := l.origin.Fetch(ctx, candidate+"/", &client.FetchOptions{NoRedirect: true})
	if err != nil {
		return l.BaseURL(), fmt.Errorf("mirror %s: %w", candidate, err)
	}
	if probe.StatusCode == http.StatusMovedPermanently || probe.StatusCode == http.StatusFound {
		if location := probe.Header.Get("Location"); location != "" {
			if resolved, err := utils.ResolveURL(candidate+"/", location); err == nil {
				if origin, err := utils.OriginOf(resolved); err == nil {
					candidate = origin
				}
			}
		}
	}

	l.mu.Lock()
	l.baseURL = candidate
	l.mu.Unlock()
	logger.Info("{provider/lordfilm - ResolveMirror} Current mirror is %s", utils.LogURL(l.cfg, candidate))
	return candidate, nil
}

// Search queries the catalogue. Results of unknown sections are skipped and at
// most MaxSearchResults items are returned.
func (l *Lordfilm) Search(ctx context.Context, query string) ([]types.MediaItem, error) {
	base := l.BaseURL()
	if base == "" {
		return nil, fmt.Errorf("no mirror: %w", types.ErrMediaNotFound)
	}

	searchURL := base + "/search-result"
	resp, err := l.origin.PostForm(ctx, searchURL, url.Values{
		"do":        {"search"},
		"subaction": {"search"},
		"story":     {strings.ToLower(strings.TrimSpace(query))},
	})
	if err != nil {
		return nil, err
	}

	doc, err := parseHTML(resp.Body)
	if err != nil {
		return nil, &types.ParseError{URL: searchURL, Reason: "invalid html", Err: err}
	}

	var items []types.MediaItem
	for _, el := range findAll(doc, class("th-item")) {
		if len(items) >= l.cfg.MaxSearchResults {
			break
		}
		link := findFirst(el, tag("a", "href"))
		if link == nil {
			continue
		}
		href, _ := attr(link, "href")
		itemURL, err := utils.ResolveURL(resp.URL, href)
		if err != nil {
			continue
		}

		mediaType := classify(itemURL)
		if mediaType == types.MediaTypeUnknown {
			logger.Debug("{provider/lordfilm - Search} Skipping %s: unknown section", itemURL)
			continue
		}

		title := ""
		if t := findFirst(el, class("th-title")); t != nil {
			title = strings.TrimSpace(textContent(t))
		}
		items = append(items, types.MediaItem{Title: title, URL: itemURL, Type: mediaType})
	}

	logger.Debug("{provider/lordfilm - Search} %q: %d results", query, len(items))
	return items, nil
}

func classify(itemURL string) types.MediaType {
	switch mediaTypePattern.FindString(itemURL) {
	case "filmy":
		return types.MediaTypeFilm
	case "serialy":
		return types.MediaTypeSeries
	case "mult":
		return types.MediaTypeCartoon
	}
	return types.MediaTypeUnknown
}

// playerConfig is the part of the embedded player's configuration we read.
type playerConfig struct {
	Source   *playerSource `json:"source"`
	Playlist *struct {
		Seasons []struct {
			Title    json.RawMessage `json:"title"`
			Season   json.RawMessage `json:"season"`
			Episodes []struct {
				Title string `json:"title"`
				playerSource
			} `json:"episodes"`
		} `json:"seasons"`
	} `json:"playlist"`
}

type playerSource struct {
	HLS   string `json:"hls"`
	Audio struct {
		Names []string `json:"names"`
	} `json:"audio"`
	CC json.RawMessage `json:"cc"`
}

func (s playerSource) stream() types.StreamSource {
	src := types.StreamSource{PlaylistURL: s.HLS, AudioNames: s.Audio.Names}
	if len(s.CC) > 0 {
		var text string
		if err := json.Unmarshal(s.CC, &text); err == nil {
			src.Subtitles = text
		} else if string(s.CC) != "null" {
			src.Subtitles = string(s.CC)
		}
	}
	return src
}

// MediaInfo follows the title page to its player and decodes the player's
// configuration.
func (l *Lordfilm) MediaInfo(ctx context.Context, item types.MediaItem) (*types.MediaInfo, error) {
	page, err := l.origin.Fetch(ctx, item.URL, nil)
	if err != nil {
		return nil, err
	}
	doc, err := parseHTML(page.Body)
	if err != nil {
		return nil, &types.ParseError{URL: item.URL, Reason: "invalid html", Err: err}
	}

	var frame *html.Node
	for _, box := range findAll(doc, class("tabs-b", "video-box")) {
		if frame = findFirst(box, tag("iframe", "src")); frame != nil {
			break
		}
	}
	if frame == nil {
		return nil, fmt.Errorf("%s: no player frame: %w", item.URL, types.ErrLayoutChanged)
	}
	src, _ := attr(frame, "src")
	if strings.HasPrefix(src, "//") {
		src = "https:" + src
	}
	playerURL, err := utils.ResolveURL(page.URL, src)
	if err != nil {
		return nil, &types.ParseError{URL: item.URL, Reason: "bad player frame", Err: err}
	}

	player, err := l.origin.Fetch(ctx, playerURL, nil)
	if err != nil {
		return nil, err
	}
	cfg, err := decodePlayer(playerURL, player.Body)
	if err != nil {
		return nil, err
	}

	info := &types.MediaInfo{Item: item}
	switch item.Type {
	case types.MediaTypeFilm, types.MediaTypeCartoon:
		if cfg.Source == nil || cfg.Source.HLS == "" {
			return nil, fmt.Errorf("%s: player has no source: %w", item.URL, types.ErrMediaNotFound)
		}
		s := cfg.Source.stream()
		info.Source = &s

	case types.MediaTypeSeries:
		if cfg.Playlist == nil || len(cfg.Playlist.Seasons) == 0 {
			return nil, fmt.Errorf("%s: player has no playlist: %w", item.URL, types.ErrMediaNotFound)
		}
		for i, season := range cfg.Playlist.Seasons {
			s := types.Season{Title: seasonTitle(i+1, season.Title, season.Season)}
			for _, ep := range season.Episodes {
				s.Episodes = append(s.Episodes, types.Episode{Title: ep.Title, Source: ep.stream()})
			}
			info.Seasons = append(info.Seasons, s)
		}

	default:
		return nil, fmt.Errorf("%s: unknown media type %s: %w", item.URL, item.Type, types.ErrMediaNotFound)
	}
	return info, nil
}

func decodePlayer(playerURL string, body []byte) (*playerConfig, error) {
	doc, err := parseHTML(body)
	if err != nil {
		return nil, &types.ParseError{URL: playerURL, Reason: "invalid html", Err: err}
	}
	script := findFirst(doc, func(n *html.Node) bool {
		name, ok := attr(n, "data-name")
		return n.Data == "script" && ok && name == "mk"
	})
	if script == nil {
		return nil, fmt.Errorf("%s: no player script: %w", playerURL, types.ErrLayoutChanged)
	}

	literal, err := callArgument(textContent(script), "makePlayer")
	if err != nil {
		return nil, &types.ParseError{URL: playerURL, Reason: "player script", Err: fmt.Errorf("%v: %w", err, types.ErrLayoutChanged)}
	}
	var cfg playerConfig
	if err := decodeLiteral(literal, &cfg); err != nil {
		return nil, &types.ParseError{URL: playerURL, Reason: "player config", Err: err}
	}
	return &cfg, nil
}

// seasonTitle prefers the player's own label and falls back to "Season N".
func seasonTitle(n int, raws ...json.RawMessage) string {
	for _, raw := range raws {
		if len(raw) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
		var num json.Number
		if err := json.Unmarshal(raw, &num); err == nil {
			return "Season " + num.String()
		}
	}
	return fmt.Sprintf("Season %d", n)
}
