package types

// MediaType represents the category of a title found on the origin site. The
// category decides how the media page is interpreted: films and cartoons carry
// a single stream, series carry a playlist of seasons and episodes.
type MediaType int

const (
	MediaTypeUnknown MediaType = iota
	MediaTypeFilm
	MediaTypeSeries
	MediaTypeCartoon
)

// String returns the lowercase display name used in prompts and history rows.
func (t MediaType) String() string {
	switch t {
	case MediaTypeFilm:
		return "film"
	case MediaTypeSeries:
		return "series"
	case MediaTypeCartoon:
		return "cartoon"
	default:
		return "unknown"
	}
}

// MediaItem is one search result. URL points at the title's page on the
// current mirror and is only meaningful while that mirror is reachable.
type MediaItem struct {
	Title string    `json:"title"`
	URL   string    `json:"url"`
	Type  MediaType `json:"type"`
}

// StreamSource describes one playable stream: the master playlist URL plus the
// display names of its audio tracks in playlist order. AudioNames may be
// shorter than the number of audio renditions (or empty), in which case the
// rendition's own NAME attribute is used for the remaining tracks.
type StreamSource struct {
	PlaylistURL string   `json:"playlistUrl"`
	AudioNames  []string `json:"audioNames,omitempty"`
	Subtitles   string   `json:"subtitles,omitempty"`
}

// Episode is one entry of a series playlist.
type Episode struct {
	Title  string       `json:"title"`
	Source StreamSource `json:"source"`
}

// Season groups the episodes of one season in site order.
type Season struct {
	Title    string    `json:"title"`
	Episodes []Episode `json:"episodes"`
}

// MediaInfo is everything the scraper knows about a title. Films and cartoons
// fill Source; series fill Seasons.
type MediaInfo struct {
	Item    MediaItem     `json:"item"`
	Source  *StreamSource `json:"source,omitempty"`
	Seasons []Season      `json:"seasons,omitempty"`
}

// Episode returns the stream for the given 1-based season and episode.
func (m *MediaInfo) Episode(season, episode int) (*StreamSource, bool) {
	if season < 1 || season > len(m.Seasons) {
		return nil, false
	}
	eps := m.Seasons[season-1].Episodes
	if episode < 1 || episode > len(eps) {
		return nil, false
	}
	return &eps[episode-1].Source, true
}
