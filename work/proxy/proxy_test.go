package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamrelay/work/cache"
	"streamrelay/work/client"
	"streamrelay/work/config"
	"streamrelay/work/manifest"
	"streamrelay/work/types"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// origin is an httptest HLS server: one audio track, two video variants,
// three segments per channel. Segment bodies carry a generation number that
// bumps on every request so refetches are observable.
type origin struct {
	*httptest.Server
	mu       sync.Mutex
	hits     map[string]int
	segments atomic.Int64
}

func newOrigin(t *testing.T) *origin {
	o := &origin{hits: map[string]int{}}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	n := o.hits[r.URL.Path]
	o.mu.Unlock()

	switch {
	case r.URL.Path == "/film/master.m3u8":
		fmt.Fprint(w, `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="Original",DEFAULT=YES,URI="audio/index.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=500000,RESOLUTION=640x360,AUDIO="aac"
360/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1500000,RESOLUTION=1280x720,AUDIO="aac"
720/index.m3u8
`)
	case strings.HasSuffix(r.URL.Path, "/index.m3u8"):
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg1.ts\n#EXTINF:6.0,\nseg2.ts\n#EXTINF:6.0,\nseg3.ts\n#EXT-X-ENDLIST\n")
	case strings.HasSuffix(r.URL.Path, ".ts"):
		o.segments.Add(1)
		fmt.Fprintf(w, "%s#%d", r.URL.Path, n)
	default:
		http.NotFound(w, r)
	}
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func newTestProxy(t *testing.T, ttl time.Duration, pool *ants.Pool) *StreamProxy {
	t.Helper()
	gw, err := client.NewGateway(client.Options{UserAgent: "test", Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(gw.Close)

	cfg := &config.Config{PrefetchSegments: 0}
	if pool != nil {
		cfg.PrefetchSegments = 2
	}
	return New(cfg, gw, cache.NewSegmentCache(ttl), pool)
}

func register(sp *StreamProxy, o *origin) *Session {
	root := sp.NewRoot(types.StreamSource{PlaylistURL: o.URL + "/film/master.m3u8"})
	return sp.Register(root, "Film")
}

func TestNoSessionIsNotFound(t *testing.T) {
	sp := newTestProxy(t, time.Minute, nil)

	_, err := sp.RootPlaylist(context.Background())
	assert.ErrorIs(t, err, types.ErrNoSession)
	_, err = sp.ChannelPlaylist(context.Background(), manifest.Video, 1)
	assert.ErrorIs(t, err, types.ErrNoSession)
	_, err = sp.Segment(context.Background(), manifest.Video, 1, 1)
	assert.ErrorIs(t, err, types.ErrNoSession)
}

func TestSegmentRoundTrip(t *testing.T) {
	o := newOrigin(t)
	sp := newTestProxy(t, time.Minute, nil)
	register(sp, o)
	ctx := context.Background()

	for k := 1; k <= 3; k++ {
		data, err := sp.Segment(ctx, manifest.Video, 2, k)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("/film/720/seg%d.ts#1", k), string(data))
	}

	_, err := sp.Segment(ctx, manifest.Video, 2, 0)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = sp.Segment(ctx, manifest.Video, 2, 4)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = sp.Segment(ctx, manifest.Video, 3, 1)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = sp.Segment(ctx, manifest.Audio, 2, 1)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSegmentCacheAvoidsRefetch(t *testing.T) {
	o := newOrigin(t)
	sp := newTestProxy(t, time.Minute, nil)
	register(sp, o)
	ctx := context.Background()

	first, err := sp.Segment(ctx, manifest.Audio, 1, 2)
	require.NoError(t, err)
	second, err := sp.Segment(ctx, manifest.Audio, 1, 2)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, o.hitCount("/film/audio/seg2.ts"))
}

func TestSegmentRefetchedAfterTTL(t *testing.T) {
	o := newOrigin(t)
	sp := newTestProxy(t, 100*time.Millisecond, nil)
	register(sp, o)
	ctx := context.Background()

	_, err := sp.Segment(ctx, manifest.Video, 1, 1)
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)

	data, err := sp.Segment(ctx, manifest.Video, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "/film/360/seg1.ts#2", string(data))
}

func TestConcurrentSegmentMissesShareOneFetch(t *testing.T) {
	o := newOrigin(t)
	sp := newTestProxy(t, time.Minute, nil)
	register(sp, o)
	ctx := context.Background()

	_, err := sp.ChannelPlaylist(ctx, manifest.Video, 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sp.Segment(ctx, manifest.Video, 1, 3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, o.hitCount("/film/360/seg3.ts"))
}

func TestSessionIsolation(t *testing.T) {
	o := newOrigin(t)
	sp := newTestProxy(t, time.Minute, nil)
	ctx := context.Background()

	a := register(sp, o)
	dataA, err := sp.Segment(ctx, manifest.Video, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "/film/360/seg1.ts#1", string(dataA))

	b := register(sp, o)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Same(t, b, sp.Active())

	dataB, err := sp.Segment(ctx, manifest.Video, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "/film/360/seg1.ts#2", string(dataB))
}

func TestUnregisterClearsSession(t *testing.T) {
	o := newOrigin(t)
	sp := newTestProxy(t, time.Minute, nil)
	session := register(sp, o)

	_, err := sp.Segment(context.Background(), manifest.Video, 1, 1)
	require.NoError(t, err)
	require.Equal(t, session, sp.Unregister())

	assert.Nil(t, sp.Active())
	_, err = sp.RootPlaylist(context.Background())
	assert.ErrorIs(t, err, types.ErrNoSession)
	assert.Nil(t, sp.Unregister())
}

func TestOriginFailureSurfaces(t *testing.T) {
	o := newOrigin(t)
	sp := newTestProxy(t, time.Minute, nil)
	sp.Register(sp.NewRoot(types.StreamSource{PlaylistURL: o.URL + "/gone/master.m3u8"}), "Gone")

	_, err := sp.RootPlaylist(context.Background())
	require.Error(t, err)
	var ne *types.NetworkError
	assert.True(t, errors.As(err, &ne))
}

func TestPrefetchWarmsFollowingSegments(t *testing.T) {
	pool, err := ants.NewPool(2, ants.WithNonblocking(true))
	require.NoError(t, err)
	defer pool.Release()

	o := newOrigin(t)
	sp := newTestProxy(t, time.Minute, pool)
	register(sp, o)

	_, err = sp.Segment(context.Background(), manifest.Video, 2, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return o.hitCount("/film/720/seg2.ts") == 1 && o.hitCount("/film/720/seg3.ts") == 1
	}, 2*time.Second, 20*time.Millisecond)

	_, err = sp.Segment(context.Background(), manifest.Video, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, o.hitCount("/film/720/seg2.ts"))
}

func TestStats(t *testing.T) {
	o := newOrigin(t)
	sp := newTestProxy(t, time.Minute, nil)
	register(sp, o)

	s := sp.Stats()
	assert.Equal(t, "Film", s.SessionTitle)
	assert.NotEmpty(t, s.SessionID)
	assert.Equal(t, "1m0s", s.CacheTTL)
}

func TestFetchFinishingAfterSwapIsNotCached(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "master.m3u8"):
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=500000\nindex.m3u8\n")
		case strings.HasSuffix(r.URL.Path, "index.m3u8"):
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg1.ts\n#EXT-X-ENDLIST\n")
		case strings.HasPrefix(r.URL.Path, "/slow/"):
			once.Do(func() { close(started) })
			<-release
			fmt.Fprint(w, "late bytes")
		default:
			fmt.Fprint(w, "fresh bytes")
		}
	}))
	defer srv.Close()

	sp := newTestProxy(t, time.Minute, nil)
	sp.Register(sp.NewRoot(types.StreamSource{PlaylistURL: srv.URL + "/slow/master.m3u8"}), "Old")

	type outcome struct {
		data []byte
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := sp.Segment(context.Background(), manifest.Video, 1, 1)
		done <- outcome{data, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("segment fetch never reached the origin")
	}
	sp.Register(sp.NewRoot(types.StreamSource{PlaylistURL: srv.URL + "/fast/master.m3u8"}), "New")
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "late bytes", string(res.data))
	assert.Equal(t, 0, sp.Cache.Len())

	// the new session still caches its own segments
	data, err := sp.Segment(context.Background(), manifest.Video, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "fresh bytes", string(data))
	assert.Equal(t, 1, sp.Cache.Len())
}
