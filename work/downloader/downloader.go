// Package downloader saves a whole title to disk: every segment of one video
// channel and one audio channel is pulled through the origin gateway into
// scratch files, which ffmpeg then muxes into the output file.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"streamrelay/work/logger"
	"streamrelay/work/manifest"
	"streamrelay/work/types"
	"streamrelay/work/utils"
)

// Stage names the step a Progress report belongs to.
type Stage int

const (
	StageVideo Stage = iota
	StageAudio
	StageJoin
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageVideo:
		return "video"
	case StageAudio:
		return "audio"
	case StageJoin:
		return "join"
	case StageDone:
		return "done"
	}
	return "unknown"
}

// Progress is one report from a running download. The last report on the
// channel has Stage StageDone or a non-nil Err.
type Progress struct {
	Stage   Stage
	Caption string  // channel caption during StageVideo and StageAudio
	Done    int     // segments written
	Total   int     // segments in the channel
	Bytes   int64   // bytes written for the channel
	Ratio   float64 // 0..1 within the stage
	Err     error
}

// Joiner muxes a video file and an audio file into one output.
type Joiner interface {
	Join(ctx context.Context, video, audio, output string) (<-chan float64, <-chan error)
}

// Request selects what to download and where to put it.
type Request struct {
	Root       *manifest.Node
	VideoIndex int // 1-based
	AudioIndex int // 1-based
	Output     string
}

// Downloader runs downloads one segment at a time through Fetcher, so the
// gateway's per-host pacing applies to them like to any other request.
type Downloader struct {
	Fetcher manifest.Fetcher
	Joiner  Joiner
	TempDir string
}

// New returns a Downloader keeping scratch files under <userDataDir>/download.
func New(fetcher manifest.Fetcher, joiner Joiner, userDataDir string) *Downloader {
	return &Downloader{
		Fetcher: fetcher,
		Joiner:  joiner,
		TempDir: filepath.Join(userDataDir, "download"),
	}
}

// Download starts req in the background and streams its progress. The
// channel is closed after the final report.
func (d *Downloader) Download(ctx context.Context, req Request) <-chan Progress {
	progress := make(chan Progress, 32)

	go func() {
		defer close(progress)
		report := func(p Progress) {
			select {
			case progress <- p:
			case <-ctx.Done():
			}
		}
		if err := d.Run(ctx, req, report); err != nil {
			// ctx may be done; the final report must still get through
			progress <- Progress{Err: err}
			return
		}
		progress <- Progress{Stage: StageDone, Ratio: 1}
	}()

	return progress
}

// Run performs req synchronously, calling report as it goes. On failure the
// scratch directory and any partial output are removed.
func (d *Downloader) Run(ctx context.Context, req Request, report func(Progress)) (err error) {
	if report == nil {
		report = func(Progress) {}
	}

	root, err := req.Root.Compiled(ctx)
	if err != nil {
		return err
	}
	video, ok := root.Channel(manifest.Video, req.VideoIndex)
	if !ok {
		return fmt.Errorf("video channel %d: %w", req.VideoIndex, types.ErrNotFound)
	}
	audio, ok := root.Channel(manifest.Audio, req.AudioIndex)
	if !ok {
		return fmt.Errorf("audio channel %d: %w", req.AudioIndex, types.ErrNotFound)
	}

	if err := os.MkdirAll(d.TempDir, 0o755); err != nil {
		return err
	}
	scratch, err := os.MkdirTemp(d.TempDir, "job-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	if dir := filepath.Dir(req.Output); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	defer func() {
		if err != nil {
			os.Remove(req.Output)
			logger.Warn("{downloader/downloader - Run} Download to %s failed: %v", req.Output, err)
		}
	}()

	videoFile := filepath.Join(scratch, video.Name()+".ts")
	if err := d.drain(ctx, video, StageVideo, videoFile, report); err != nil {
		return err
	}
	audioFile := filepath.Join(scratch, audio.Name()+".ts")
	if err := d.drain(ctx, audio, StageAudio, audioFile, report); err != nil {
		return err
	}

	logger.Info("{downloader/downloader - Run} Joining %s and %s into %s", video.Name(), audio.Name(), req.Output)
	report(Progress{Stage: StageJoin})
	ratios, errs := d.Joiner.Join(ctx, videoFile, audioFile, req.Output)
	for r := range ratios {
		report(Progress{Stage: StageJoin, Ratio: r})
	}
	if err := <-errs; err != nil {
		return err
	}

	logger.Info("{downloader/downloader - Run} Downloaded %s", req.Output)
	return nil
}

// drain writes every segment of channel, in order, to path.
func (d *Downloader) drain(ctx context.Context, channel *manifest.Node, stage Stage, path string, report func(Progress)) error {
	c, err := channel.Compiled(ctx)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	p := Progress{Stage: stage, Caption: channel.Caption(), Total: len(c.Segments)}
	logger.Info("{downloader/downloader - drain} Downloading %s channel %s (%d segments)", stage, channel.Caption(), p.Total)
	report(p)

	for _, seg := range c.Segments {
		if err := ctx.Err(); err != nil {
			f.Close()
			return err
		}
		data, err := d.Fetcher.FetchBytes(ctx, seg.URL)
		if err != nil {
			f.Close()
			return fmt.Errorf("segment %d of %s: %w", seg.Position, channel.Name(), err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return err
		}

		p.Done++
		p.Bytes += int64(len(data))
		p.Ratio = float64(p.Done) / float64(p.Total)
		report(p)
	}

	if err := f.Close(); err != nil {
		return err
	}
	logger.Debug("{downloader/downloader - drain} Wrote %s to %s", utils.FormatBytes(p.Bytes), path)
	return nil
}

// IsCancelled reports whether err came from the download's context.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
