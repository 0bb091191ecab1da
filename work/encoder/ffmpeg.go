package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"streamrelay/work/logger"

	"github.com/grafana/regexp"
)

var clockPattern = regexp.MustCompile(`(\d+):(\d\d):(\d\d)(?:\.(\d+))?`)

// FFmpeg runs the ffmpeg executable at Path.
type FFmpeg struct {
	Path string
}

// New returns an FFmpeg for path, falling back to "ffmpeg" on $PATH.
func New(path string) *FFmpeg {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path}
}

func (f *FFmpeg) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, f.Path, append([]string{"-hide_banner"}, args...)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	// kill the whole group so children of ffmpeg go with it
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// CheckVersion runs "ffmpeg -version" and returns the reported version.
func (f *FFmpeg) CheckVersion(ctx context.Context) (string, error) {
	out, err := f.command(ctx, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg %s: %w", f.Path, err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		if version, ok := parseVersion(line); ok {
			logger.Debug("{encoder/ffmpeg - CheckVersion} ffmpeg version %s at %s", version, f.Path)
			return version, nil
		}
	}
	return "", fmt.Errorf("ffmpeg %s: no version in output", f.Path)
}

// Join muxes a video file and an audio file into output without re-encoding.
//
// The progress channel carries ratios in [0, 1] and is closed when ffmpeg
// exits. The error channel then receives exactly one value, nil on success.
// Cancelling ctx kills ffmpeg and its process group.
func (f *FFmpeg) Join(ctx context.Context, video, audio, output string) (<-chan float64, <-chan error) {
	progress := make(chan float64, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		err := f.join(ctx, video, audio, output, progress)
		close(progress)
		errs <- err
	}()

	return progress, errs
}

func (f *FFmpeg) join(ctx context.Context, video, audio, output string, progress chan<- float64) error {
	cmd := f.command(ctx, "-y", "-i", video, "-i", audio, "-c", "copy", "-progress", "pipe:1", output)
	logger.Debug("{encoder/ffmpeg - Join} Command: %s %s", f.Path, strings.Join(cmd.Args[1:], " "))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	t := &tracker{progress: progress, done: ctx.Done()}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stderr, t.stderrLine)
	}()
	go func() {
		defer wg.Done()
		scanLines(stdout, t.stdoutLine)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if line := t.lastError(); line != "" {
			return fmt.Errorf("ffmpeg: %s: %w", line, err)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// tracker turns ffmpeg output into progress ratios. The total comes from the
// first "Duration:" line on stderr, the position from "out_time=" on stdout.
type tracker struct {
	progress chan<- float64
	done     <-chan struct{}
	total    atomic.Int64

	mu       sync.Mutex
	errorMsg string
}

func (t *tracker) stderrLine(line string) {
	if strings.Contains(strings.ToLower(line), "error") {
		t.mu.Lock()
		t.errorMsg = strings.TrimSpace(line)
		t.mu.Unlock()
	}

	if t.total.Load() > 0 || !strings.Contains(line, "Duration:") {
		return
	}
	if d, ok := parseClock(line[strings.Index(line, "Duration:"):]); ok && d > 0 {
		t.total.Store(int64(d))
		t.send(0)
	}
}

func (t *tracker) stdoutLine(line string) {
	switch {
	case strings.HasPrefix(line, "out_time="):
		total := t.total.Load()
		if total <= 0 {
			return
		}
		d, ok := parseClock(strings.TrimPrefix(line, "out_time="))
		if !ok {
			return
		}
		ratio := float64(d) / float64(total)
		if ratio > 1 {
			ratio = 1
		}
		t.send(ratio)
	case strings.TrimSpace(line) == "progress=end":
		t.send(1)
	}
}

func (t *tracker) send(ratio float64) {
	select {
	case t.progress <- ratio:
	case <-t.done:
	}
}

func (t *tracker) lastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorMsg
}

func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	// ffmpeg rewrites its status line with bare carriage returns
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		for i, b := range data {
			if b == '\n' || b == '\r' {
				return i + 1, data[:i], nil
			}
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	})
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			fn(line)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		logger.Debug("{encoder/ffmpeg - scanLines} Read failed: %v", err)
	}
}

// parseClock finds the first h:mm:ss[.frac] in s.
func parseClock(s string) (time.Duration, bool) {
	m := clockPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	sec, _ := strconv.Atoi(m[3])
	d := time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(sec)*time.Second
	if m[4] != "" {
		frac, err := strconv.ParseFloat("0."+m[4], 64)
		if err == nil {
			d += time.Duration(frac * float64(time.Second))
		}
	}
	return d, true
}

func parseVersion(line string) (string, bool) {
	const marker = "ffmpeg version "
	i := strings.Index(strings.ToLower(line), marker)
	if i < 0 {
		return "", false
	}
	fields := strings.Fields(line[i+len(marker):])
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}
