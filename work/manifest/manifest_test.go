package manifest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"streamrelay/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOrigin serves canned documents and counts fetches per URL.
type fakeOrigin struct {
	mu    sync.Mutex
	docs  map[string]string
	fail  map[string]int // remaining failures per URL
	calls map[string]int
	delay time.Duration
}

func newFakeOrigin(docs map[string]string) *fakeOrigin {
	return &fakeOrigin{docs: docs, fail: map[string]int{}, calls: map[string]int{}}
}

func (f *fakeOrigin) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls[url]++
	failing := f.fail[url] > 0
	if failing {
		f.fail[url]--
	}
	doc, ok := f.docs[url]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if failing {
		return nil, &types.NetworkError{URL: url, StatusCode: 503, Err: errors.New("HTTP 503")}
	}
	if !ok {
		return nil, &types.NetworkError{URL: url, StatusCode: 404, Err: errors.New("HTTP 404")}
	}
	return []byte(doc), nil
}

func (f *fakeOrigin) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

const (
	rootURL  = "https://cdn.example/film/master.m3u8"
	audioURL = "https://cdn.example/film/audio/eng.m3u8"
	v360URL  = "https://cdn.example/film/360/index.m3u8"
	v720URL  = "https://cdn.example/film/720/index.m3u8"
)

const rootDoc = `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="Original",LANGUAGE="eng",DEFAULT=YES,AUTOSELECT=YES,URI="audio/eng.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=439791,CODECS="avc1.64001e,mp4a.40.2",RESOLUTION=640x360,FRAME-RATE=24.000,VIDEO-RANGE=SDR,AUDIO="aac"
360/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1588690,CODECS="avc1.64001f,mp4a.40.2",RESOLUTION=1280x720,FRAME-RATE=24.000,VIDEO-RANGE=SDR,AUDIO="aac"
720/index.m3u8
`

func mediaDoc(durations ...string) string {
	doc := "#EXTM3U\n#EXT-X-TARGETDURATION:10\n"
	for i, d := range durations {
		doc += fmt.Sprintf("#EXTINF:%s,\nseg-%d.ts\n", d, i+1)
	}
	return doc + "#EXT-X-ENDLIST\n"
}

func newFixture() *fakeOrigin {
	return newFakeOrigin(map[string]string{
		rootURL:  rootDoc,
		audioURL: mediaDoc("6.0", "6.0"),
		v360URL:  mediaDoc("6.0", "6.0", "6.0"),
		v720URL:  mediaDoc("6.0", "6.0", "6.0"),
	})
}

func TestRootRendering(t *testing.T) {
	origin := newFixture()
	root := NewRoot(origin, rootURL, []string{"Dubbed"})

	c, err := root.Compiled(context.Background())
	require.NoError(t, err)

	want := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",NAME="Dubbed (eng)",LANGUAGE="eng",DEFAULT=YES,AUTOSELECT=YES,URI="audio-00001.m3u8"
#EXT-X-STREAM-INF:PROGRAM-ID=1,NAME="640x360 24.000 SDR 439791bps",BANDWIDTH=439791,CODECS="avc1.64001e,mp4a.40.2",RESOLUTION=640x360,FRAME-RATE=24.000,VIDEO-RANGE=SDR,AUDIO="audio"
video-00001.m3u8
#EXT-X-STREAM-INF:PROGRAM-ID=1,NAME="1280x720 24.000 SDR 1588690bps",BANDWIDTH=1588690,CODECS="avc1.64001f,mp4a.40.2",RESOLUTION=1280x720,FRAME-RATE=24.000,VIDEO-RANGE=SDR,AUDIO="audio"
video-00002.m3u8
`
	assert.Equal(t, want, c.Text)
}

func TestEndToEndChannelPlaylist(t *testing.T) {
	origin := newFixture()
	root := NewRoot(origin, rootURL, nil)

	c, err := root.Compiled(context.Background())
	require.NoError(t, err)

	ch, ok := c.Channel(Video, 2)
	require.True(t, ok)
	assert.Equal(t, "video-00002", ch.Name())

	cc, err := ch.Compiled(context.Background())
	require.NoError(t, err)

	want := `#EXTM3U
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
`
	assert.Equal(t, want, cc.Text)

	seg, ok := cc.Segment(3)
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example/film/720/seg-3.ts", seg.URL)
	_, ok = cc.Segment(0)
	assert.False(t, ok)
	_, ok = cc.Segment(4)
	assert.False(t, ok)
}

func TestTargetDurationIsCeilingAndDurationsAreRaw(t *testing.T) {
	origin := newFakeOrigin(map[string]string{v360URL: mediaDoc("5.005", "6.006", "2.5")})
	ch := newChannel(origin, Video, 1, v360URL, "")

	c, err := ch.Compiled(context.Background())
	require.NoError(t, err)
	assert.Contains(t, c.Text, "#EXT-X-TARGETDURATION:7\n")
	assert.Contains(t, c.Text, "#EXTINF:5.005,\n")
	assert.Contains(t, c.Text, "#EXTINF:6.006,\n")
	assert.Contains(t, c.Text, "#EXTINF:2.5,\n")
}

func TestCompiledIsMemoized(t *testing.T) {
	origin := newFixture()
	root := NewRoot(origin, rootURL, nil)

	first, err := root.Compiled(context.Background())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := root.Compiled(context.Background())
		require.NoError(t, err)
		assert.Same(t, first, again)
	}
	assert.Equal(t, 1, origin.count(rootURL))
	assert.True(t, root.IsCompiled())
}

func TestConcurrentCallersShareOneFetch(t *testing.T) {
	origin := newFixture()
	origin.delay = 50 * time.Millisecond
	root := NewRoot(origin, rootURL, nil)

	var wg sync.WaitGroup
	results := make([]*Compiled, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := root.Compiled(context.Background())
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, origin.count(rootURL))
	for _, c := range results {
		assert.Same(t, results[0], c)
	}
}

func TestChildIndexFidelity(t *testing.T) {
	origin := newFixture()
	root := NewRoot(origin, rootURL, nil)

	c, err := root.Compiled(context.Background())
	require.NoError(t, err)

	require.Len(t, c.Video, 2)
	assert.Equal(t, v360URL, c.Video[0].URL())
	assert.Equal(t, v720URL, c.Video[1].URL())
	assert.Equal(t, 1, c.Video[0].Index())
	require.Len(t, c.Audio, 1)
	assert.Equal(t, audioURL, c.Audio[0].URL())
	assert.Equal(t, "Original (eng)", c.Audio[0].Caption())

	_, ok := c.Channel(Video, 3)
	assert.False(t, ok)
	_, ok = c.Channel(Audio, 0)
	assert.False(t, ok)
}

func TestChannelFailureIsIsolatedAndRetryable(t *testing.T) {
	origin := newFixture()
	origin.fail[v360URL] = 1
	root := NewRoot(origin, rootURL, nil)

	c, err := root.Compiled(context.Background())
	require.NoError(t, err)

	_, err = c.Video[0].Compiled(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsNetworkError(err))
	assert.Error(t, c.Video[0].LastError())

	_, err = c.Video[1].Compiled(context.Background())
	require.NoError(t, err)
	_, err = root.Compiled(context.Background())
	require.NoError(t, err)

	_, err = c.Video[0].Compiled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, origin.count(v360URL))
	assert.NoError(t, c.Video[0].LastError())
}

func TestRootFailureIsRetryable(t *testing.T) {
	origin := newFixture()
	origin.fail[rootURL] = 1
	root := NewRoot(origin, rootURL, nil)

	_, err := root.Compiled(context.Background())
	require.Error(t, err)
	assert.False(t, root.IsCompiled())

	_, err = root.Compiled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, origin.count(rootURL))
}

func TestEmptyChannelIsParseError(t *testing.T) {
	origin := newFakeOrigin(map[string]string{v360URL: "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXT-X-ENDLIST\n"})
	ch := newChannel(origin, Video, 1, v360URL, "")

	_, err := ch.Compiled(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsParseError(err))
}

func TestMalformedDurationFailsOnlyThatChannel(t *testing.T) {
	origin := newFixture()
	origin.docs[v720URL] = mediaDoc("abc", "6.0")
	root := NewRoot(origin, rootURL, nil)

	c, err := root.Compiled(context.Background())
	require.NoError(t, err)

	got, err := c.Video[1].Compiled(context.Background())
	require.Error(t, err)
	assert.Nil(t, got)
	assert.True(t, types.IsParseError(err))
	assert.False(t, c.Video[1].IsCompiled())

	_, err = c.Video[0].Compiled(context.Background())
	require.NoError(t, err)
}

func TestDefaultAudioFollowsSource(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="a",NAME="One",URI="one.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="a",NAME="Two",DEFAULT=YES,URI="two.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="a",NAME="Three",DEFAULT=YES,URI="three.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=1,AUDIO="a"
v.m3u8
`
	origin := newFakeOrigin(map[string]string{rootURL: doc})
	c, err := NewRoot(origin, rootURL, nil).Compiled(context.Background())
	require.NoError(t, err)

	assert.Contains(t, c.Text, `NAME="One",DEFAULT=NO,AUTOSELECT=NO,URI="audio-00001.m3u8"`)
	assert.Contains(t, c.Text, `NAME="Two",DEFAULT=YES,AUTOSELECT=YES,URI="audio-00002.m3u8"`)
	assert.Contains(t, c.Text, `NAME="Three",DEFAULT=NO,AUTOSELECT=NO,URI="audio-00003.m3u8"`)
}

func TestFirstAudioIsDefaultWhenNoneMarked(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="a",NAME="One",URI="one.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="a",NAME="Two",URI="two.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=1,AUDIO="a"
v.m3u8
`
	origin := newFakeOrigin(map[string]string{rootURL: doc})
	c, err := NewRoot(origin, rootURL, nil).Compiled(context.Background())
	require.NoError(t, err)

	assert.Contains(t, c.Text, `NAME="One",DEFAULT=YES,AUTOSELECT=YES`)
	assert.Contains(t, c.Text, `NAME="Two",DEFAULT=NO,AUTOSELECT=NO`)
}

func TestCallerCancellationDoesNotAbortSharedCompile(t *testing.T) {
	origin := newFixture()
	origin.delay = 100 * time.Millisecond
	root := NewRoot(origin, rootURL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := root.Compiled(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c, err := root.Compiled(context.Background())
	require.NoError(t, err)
	assert.Len(t, c.Video, 2)
	assert.Equal(t, 1, origin.count(rootURL))
}
