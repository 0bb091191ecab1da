package handlers

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamrelay/work/cache"
	"streamrelay/work/client"
	"streamrelay/work/config"
	"streamrelay/work/proxy"
	"streamrelay/work/types"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOriginServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/hls/master.m3u8":
			fmt.Fprint(w, `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio0",NAME="default",DEFAULT=YES,AUTOSELECT=YES,URI="audio.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=439791,CODECS="avc1.64001e,mp4a.40.2",RESOLUTION=640x360,AUDIO="audio0",FRAME-RATE=24.000,VIDEO-RANGE=SDR
360.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1588690,CODECS="avc1.64001f,mp4a.40.2",RESOLUTION=1280x720,AUDIO="audio0",FRAME-RATE=24.000,VIDEO-RANGE=SDR
720.m3u8
`)
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/hls/"), ".m3u8")
			fmt.Fprintf(w, "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\n%[1]s/1.ts\n#EXTINF:6.0,\n%[1]s/2.ts\n#EXTINF:6.0,\n%[1]s/3.ts\n#EXT-X-ENDLIST\n", name)
		case strings.HasSuffix(r.URL.Path, ".ts"):
			fmt.Fprintf(w, "TS:%s", r.URL.Path)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type relay struct {
	*httptest.Server
	sp *proxy.StreamProxy
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	gw, err := client.NewGateway(client.Options{UserAgent: "test", Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(gw.Close)

	sp := proxy.New(&config.Config{}, gw, cache.NewSegmentCache(time.Minute), nil)
	router := mux.NewRouter()
	Routes(router, sp)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &relay{Server: srv, sp: sp}
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestNoSessionReturns404(t *testing.T) {
	r := newRelay(t)

	for _, path := range []string{"/media.m3u8", "/video-00001.m3u8", "/segments/video-00001/00001.ts"} {
		resp, _ := get(t, r.URL+path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestEndToEnd(t *testing.T) {
	origin := newOriginServer(t)
	r := newRelay(t)
	r.sp.Register(r.sp.NewRoot(types.StreamSource{PlaylistURL: origin.URL + "/hls/master.m3u8"}), "Film")

	resp, body := get(t, r.URL+"/media.m3u8")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, `URI="audio-00001.m3u8"`)
	assert.Contains(t, body, "\nvideo-00002.m3u8\n")

	resp, body = get(t, r.URL+"/video-00002.m3u8")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	assert.Equal(t, `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-PLAYLIST-TYPE:VOD
#EXT-X-MEDIA-SEQUENCE:1
#EXT-X-TARGETDURATION:6
#EXTINF:6,
segments/video-00002/00001.ts
#EXTINF:6,
segments/video-00002/00002.ts
#EXTINF:6,
segments/video-00002/00003.ts
#EXT-X-ENDLIST
`, body)

	for k := 1; k <= 3; k++ {
		resp, body = get(t, fmt.Sprintf("%s/segments/video-00002/%05d.ts", r.URL, k))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
		assert.Equal(t, fmt.Sprintf("TS:/hls/720/%d.ts", k), body)
	}

	resp, body = get(t, r.URL+"/segments/audio-00001/00002.ts")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mp2t", resp.Header.Get("Content-Type"))
	assert.Equal(t, "TS:/hls/audio/2.ts", body)
}

func TestOutOfRangeReturns404(t *testing.T) {
	origin := newOriginServer(t)
	r := newRelay(t)
	r.sp.Register(r.sp.NewRoot(types.StreamSource{PlaylistURL: origin.URL + "/hls/master.m3u8"}), "Film")

	for _, path := range []string{
		"/segments/video-00002/00000.ts",
		"/segments/video-00002/00004.ts",
		"/segments/video-00003/00001.ts",
		"/video-00000.m3u8",
		"/video-00003.m3u8",
		"/audio-00002.m3u8",
		"/subtitles-00001.m3u8",
		"/segments/subtitles-00001/00001.ts",
		"/nothing/here",
	} {
		resp, _ := get(t, r.URL+path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestOriginFailureReturns404(t *testing.T) {
	origin := newOriginServer(t)
	r := newRelay(t)
	r.sp.Register(r.sp.NewRoot(types.StreamSource{PlaylistURL: origin.URL + "/missing/master"}), "Broken")

	resp, body := get(t, r.URL+"/media.m3u8")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotContains(t, body, "HTTP 404")
}

func TestNonGetMethodsReturn404(t *testing.T) {
	r := newRelay(t)

	resp, err := http.Post(r.URL+"/media.m3u8", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlaylistsAreGzipped(t *testing.T) {
	origin := newOriginServer(t)
	r := newRelay(t)
	r.sp.Register(r.sp.NewRoot(types.StreamSource{PlaylistURL: origin.URL + "/hls/master.m3u8"}), "Film")

	req, err := http.NewRequest(http.MethodGet, r.URL+"/video-00001.m3u8", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")

	httpClient := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	gz, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "#EXTM3U\n"))
	assert.Contains(t, string(body), "segments/video-00001/00003.ts")
}
