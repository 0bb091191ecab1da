package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"streamrelay/work/manifest"
	"streamrelay/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memOrigin struct {
	mu   sync.Mutex
	docs map[string]string
	seen []string
}

func (m *memOrigin) FetchBytes(_ context.Context, url string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, url)
	doc, ok := m.docs[url]
	if !ok {
		return nil, &types.NetworkError{URL: url, StatusCode: 404, Err: errors.New("HTTP 404")}
	}
	return []byte(doc), nil
}

// catJoiner concatenates its inputs instead of running ffmpeg.
type catJoiner struct{}

func (catJoiner) Join(_ context.Context, video, audio, output string) (<-chan float64, <-chan error) {
	progress := make(chan float64, 2)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		v, err := os.ReadFile(video)
		if err == nil {
			var a []byte
			a, err = os.ReadFile(audio)
			if err == nil {
				progress <- 0.5
				err = os.WriteFile(output, append(v, a...), 0o644)
				progress <- 1
			}
		}
		close(progress)
		errs <- err
	}()
	return progress, errs
}

const base = "https://cdn.example/film/"

func newOrigin() *memOrigin {
	return &memOrigin{docs: map[string]string{
		base + "master.m3u8": `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="Original",DEFAULT=YES,URI="audio/index.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=500000,RESOLUTION=640x360,AUDIO="aac"
360/index.m3u8
`,
		base + "360/index.m3u8":   "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4,\n1.ts\n#EXTINF:4,\n2.ts\n#EXT-X-ENDLIST\n",
		base + "audio/index.m3u8": "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4,\n1.ts\n#EXTINF:4,\n2.ts\n#EXT-X-ENDLIST\n",
		base + "360/1.ts":         "V1",
		base + "360/2.ts":         "V2",
		base + "audio/1.ts":       "A1",
		base + "audio/2.ts":       "A2",
	}}
}

func collect(ch <-chan Progress) []Progress {
	var all []Progress
	for p := range ch {
		all = append(all, p)
	}
	return all
}

func TestDownloadWritesJoinedOutput(t *testing.T) {
	origin := newOrigin()
	userData := t.TempDir()
	d := New(origin, catJoiner{}, userData)
	output := filepath.Join(t.TempDir(), "out", "film.mp4")

	reports := collect(d.Download(context.Background(), Request{
		Root:       manifest.NewRoot(origin, base+"master.m3u8", nil),
		VideoIndex: 1,
		AudioIndex: 1,
		Output:     output,
	}))

	require.NotEmpty(t, reports)
	last := reports[len(reports)-1]
	require.NoError(t, last.Err)
	assert.Equal(t, StageDone, last.Stage)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "V1V2A1A2", string(data))

	// video is drained before audio, segments in order
	assert.Equal(t, []string{
		base + "master.m3u8",
		base + "360/index.m3u8",
		base + "360/1.ts",
		base + "360/2.ts",
		base + "audio/index.m3u8",
		base + "audio/1.ts",
		base + "audio/2.ts",
	}, origin.seen)

	entries, err := os.ReadDir(filepath.Join(userData, "download"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadReportsStagesInOrder(t *testing.T) {
	origin := newOrigin()
	d := New(origin, catJoiner{}, t.TempDir())

	var stages []Stage
	var lastVideo Progress
	err := d.Run(context.Background(), Request{
		Root:       manifest.NewRoot(origin, base+"master.m3u8", nil),
		VideoIndex: 1,
		AudioIndex: 1,
		Output:     filepath.Join(t.TempDir(), "film.mp4"),
	}, func(p Progress) {
		if len(stages) == 0 || stages[len(stages)-1] != p.Stage {
			stages = append(stages, p.Stage)
		}
		if p.Stage == StageVideo {
			lastVideo = p
		}
	})

	require.NoError(t, err)
	assert.Equal(t, []Stage{StageVideo, StageAudio, StageJoin}, stages)
	assert.Equal(t, 2, lastVideo.Done)
	assert.Equal(t, 2, lastVideo.Total)
	assert.Equal(t, int64(4), lastVideo.Bytes)
	assert.Equal(t, 1.0, lastVideo.Ratio)
}

func TestDownloadFailureCleansUp(t *testing.T) {
	origin := newOrigin()
	delete(origin.docs, base+"audio/2.ts")
	userData := t.TempDir()
	d := New(origin, catJoiner{}, userData)
	output := filepath.Join(t.TempDir(), "film.mp4")

	reports := collect(d.Download(context.Background(), Request{
		Root:       manifest.NewRoot(origin, base+"master.m3u8", nil),
		VideoIndex: 1,
		AudioIndex: 1,
		Output:     output,
	}))

	last := reports[len(reports)-1]
	require.Error(t, last.Err)
	assert.True(t, types.IsNetworkError(last.Err))

	_, err := os.Stat(output)
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(filepath.Join(userData, "download"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadUnknownChannel(t *testing.T) {
	origin := newOrigin()
	d := New(origin, catJoiner{}, t.TempDir())

	err := d.Run(context.Background(), Request{
		Root:       manifest.NewRoot(origin, base+"master.m3u8", nil),
		VideoIndex: 2,
		AudioIndex: 1,
		Output:     filepath.Join(t.TempDir(), "film.mp4"),
	}, nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDownloadCancelled(t *testing.T) {
	origin := newOrigin()
	d := New(origin, catJoiner{}, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Run(ctx, Request{
		Root:       manifest.NewRoot(origin, base+"master.m3u8", nil),
		VideoIndex: 1,
		AudioIndex: 1,
		Output:     filepath.Join(t.TempDir(), "film.mp4"),
	}, nil)
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
}
