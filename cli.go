package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"streamrelay/work/database"
	"streamrelay/work/downloader"
	"streamrelay/work/logger"
	"streamrelay/work/manifest"
	"streamrelay/work/types"
	"streamrelay/work/utils"
)

const shellHelp = `Commands:
  search <query>                                   search the catalogue
  info <n>                                         show seasons and episodes of result n
  channels <n> [season episode]                    list audio and video channels
  play <n> [season episode]                        serve result n and open the player
  download <n> [season episode] <video> <audio> <file>
                                                   save result n to file
  stop                                             stop serving the current session
  history                                          show recent sessions and downloads
  help                                             show this help
  quit                                             exit`

// shell is the interactive prompt on stdin.
type shell struct {
	app     *app
	in      *bufio.Scanner
	out     io.Writer
	results []types.MediaItem
}

func newShell(a *app, in io.Reader, out io.Writer) *shell {
	return &shell{app: a, in: bufio.NewScanner(in), out: out}
}

// run reads commands until quit, end of input or ctx is done.
func (s *shell) run(ctx context.Context) error {
	fmt.Fprintln(s.out, "Type help for commands.")
	for {
		fmt.Fprint(s.out, "> ")
		if !s.in.Scan() {
			return s.in.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		fields := strings.Fields(s.in.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := strings.ToLower(fields[0]), fields[1:]
		if cmd == "quit" || cmd == "exit" {
			return nil
		}
		if err := s.exec(ctx, cmd, args); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			addLogEntry("error", fmt.Sprintf("%s: %v", cmd, err))
		}
	}
}

func (s *shell) exec(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "search":
		return s.search(ctx, strings.Join(args, " "))
	case "info":
		return s.info(ctx, args)
	case "channels":
		return s.channels(ctx, args)
	case "play":
		return s.play(ctx, args)
	case "download":
		return s.download(ctx, args)
	case "stop":
		return s.stop()
	case "history":
		return s.history(ctx)
	case "help":
		fmt.Fprintln(s.out, shellHelp)
		return nil
	}
	return fmt.Errorf("unknown command %q, type help", cmd)
}

func (s *shell) search(ctx context.Context, query string) error {
	if strings.TrimSpace(query) == "" {
		return errors.New("usage: search <query>")
	}
	items, err := s.app.catalogue.Search(ctx, query)
	if err != nil {
		return err
	}
	s.results = items
	if len(items) == 0 {
		fmt.Fprintln(s.out, "Nothing found.")
		return nil
	}
	for i, item := range items {
		fmt.Fprintf(s.out, "%2d. [%s] %s\n", i+1, item.Type, item.Title)
	}
	return nil
}

func (s *shell) info(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: info <n>")
	}
	_, info, err := s.mediaInfo(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s (%s)\n", info.Item.Title, info.Item.Type)
	if info.Source != nil {
		fmt.Fprintf(s.out, "  audio: %s\n", strings.Join(info.Source.AudioNames, ", "))
	}
	for i, season := range info.Seasons {
		fmt.Fprintf(s.out, "  season %d: %s, %d episodes\n", i+1, season.Title, len(season.Episodes))
		for j, ep := range season.Episodes {
			fmt.Fprintf(s.out, "    %2d. %s\n", j+1, ep.Title)
		}
	}
	return nil
}

func (s *shell) channels(ctx context.Context, args []string) error {
	if len(args) != 1 && len(args) != 3 {
		return errors.New("usage: channels <n> [season episode]")
	}
	src, _, err := s.source(ctx, args)
	if err != nil {
		return err
	}
	root := s.app.sp.NewRoot(*src)
	c, err := root.Compiled(ctx)
	if err != nil {
		return err
	}
	printChannels(s.out, c)
	return nil
}

func (s *shell) play(ctx context.Context, args []string) error {
	if len(args) != 1 && len(args) != 3 {
		return errors.New("usage: play <n> [season episode]")
	}
	src, title, err := s.source(ctx, args)
	if err != nil {
		return err
	}

	session := s.app.sp.Register(s.app.sp.NewRoot(*src), title)
	c, err := session.Root.Compiled(ctx)
	if err != nil {
		s.app.sp.Unregister()
		return err
	}
	printChannels(s.out, c)

	if s.app.db != nil {
		if err := s.app.db.RecordSession(ctx, database.SessionRecord{
			ID:           session.ID,
			Title:        session.Title,
			PlaylistURL:  src.PlaylistURL,
			RegisteredAt: session.RegisteredAt,
		}); err != nil {
			logger.Warn("{main/cli - play} %v", err)
		}
	}
	addLogEntry("info", fmt.Sprintf("Playing %s", title))

	playlistURL := s.app.cfg.PlaylistURL()
	fmt.Fprintf(s.out, "Serving %s at %s\n", title, playlistURL)
	if s.app.cfg.PlayerPath != "" && s.app.launch != nil {
		if err := s.app.launch(s.app.cfg.PlayerPath, playlistURL); err != nil {
			return fmt.Errorf("launch player: %w", err)
		}
	}
	return nil
}

func (s *shell) download(ctx context.Context, args []string) error {
	if len(args) != 4 && len(args) != 6 {
		return errors.New("usage: download <n> [season episode] <video> <audio> <file>")
	}
	pick, rest := args[:len(args)-3], args[len(args)-3:]
	videoIndex, err := strconv.Atoi(rest[0])
	if err != nil {
		return fmt.Errorf("bad video channel %q", rest[0])
	}
	audioIndex, err := strconv.Atoi(rest[1])
	if err != nil {
		return fmt.Errorf("bad audio channel %q", rest[1])
	}
	output := rest[2]

	src, title, err := s.source(ctx, pick)
	if err != nil {
		return err
	}
	// a directory gets a file named after the title
	if fi, err := os.Stat(output); err == nil && fi.IsDir() {
		output = filepath.Join(output, utils.SanitizeFileName(title)+".mp4")
	}

	var last downloader.Progress
	reports := s.app.downloader.Download(ctx, downloader.Request{
		Root:       s.app.sp.NewRoot(*src),
		VideoIndex: videoIndex,
		AudioIndex: audioIndex,
		Output:     output,
	})
	for p := range reports {
		last = p
		switch p.Stage {
		case downloader.StageVideo, downloader.StageAudio:
			fmt.Fprintf(s.out, "\r%s %s: %d/%d segments, %s", p.Stage, p.Caption, p.Done, p.Total, utils.FormatBytes(p.Bytes))
			if p.Done == p.Total {
				fmt.Fprintln(s.out)
			}
		case downloader.StageJoin:
			fmt.Fprintf(s.out, "\rjoining: %5.1f%%", p.Ratio*100)
		}
	}
	fmt.Fprintln(s.out)

	record := &database.DownloadRecord{
		Title:        title,
		OutputPath:   output,
		VideoChannel: videoIndex,
		AudioChannel: audioIndex,
		Status:       database.StatusCompleted,
	}
	switch {
	case last.Err != nil && downloader.IsCancelled(last.Err):
		record.Status, record.Error = database.StatusCancelled, last.Err.Error()
	case last.Err != nil:
		record.Status, record.Error = database.StatusFailed, last.Err.Error()
	}
	if s.app.db != nil {
		if err := s.app.db.RecordDownload(context.WithoutCancel(ctx), record); err != nil {
			logger.Warn("{main/cli - download} %v", err)
		}
	}

	if last.Err != nil {
		return last.Err
	}
	fmt.Fprintf(s.out, "Saved %s to %s\n", title, output)
	addLogEntry("info", fmt.Sprintf("Downloaded %s to %s", title, output))
	return nil
}

func (s *shell) stop() error {
	session := s.app.sp.Unregister()
	if session == nil {
		fmt.Fprintln(s.out, "Nothing is playing.")
		return nil
	}
	fmt.Fprintf(s.out, "Stopped %s\n", session.Title)
	return nil
}

func (s *shell) history(ctx context.Context) error {
	if s.app.db == nil {
		return errors.New("history is disabled")
	}
	sessions, err := s.app.db.RecentSessions(ctx, 10)
	if err != nil {
		return err
	}
	downloads, err := s.app.db.RecentDownloads(ctx, 10)
	if err != nil {
		return err
	}

	fmt.Fprintln(s.out, "Recently played:")
	for _, r := range sessions {
		fmt.Fprintf(s.out, "  %s  %s\n", r.RegisteredAt.Format("2006-01-02 15:04"), r.Title)
	}
	fmt.Fprintln(s.out, "Recent downloads:")
	for _, r := range downloads {
		fmt.Fprintf(s.out, "  %s  %-9s %s -> %s\n", r.FinishedAt.Format("2006-01-02 15:04"), r.Status, r.Title, r.OutputPath)
	}
	return nil
}

// mediaInfo resolves a 1-based search result number.
func (s *shell) mediaInfo(ctx context.Context, arg string) (types.MediaItem, *types.MediaInfo, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(s.results) {
		return types.MediaItem{}, nil, fmt.Errorf("no search result %q", arg)
	}
	item := s.results[n-1]
	info, err := s.app.catalogue.MediaInfo(ctx, item)
	if err != nil {
		return item, nil, err
	}
	return item, info, nil
}

// source picks the stream for "<n>" or "<n> <season> <episode>".
func (s *shell) source(ctx context.Context, args []string) (*types.StreamSource, string, error) {
	item, info, err := s.mediaInfo(ctx, args[0])
	if err != nil {
		return nil, "", err
	}

	if len(args) == 1 {
		if info.Source == nil {
			return nil, "", fmt.Errorf("%s is a series, give a season and an episode", item.Title)
		}
		return info.Source, item.Title, nil
	}

	season, err1 := strconv.Atoi(args[1])
	episode, err2 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil {
		return nil, "", errors.New("season and episode must be numbers")
	}
	src, ok := info.Episode(season, episode)
	if !ok {
		return nil, "", fmt.Errorf("%s has no season %d episode %d", item.Title, season, episode)
	}
	title := fmt.Sprintf("%s S%02dE%02d", item.Title, season, episode)
	if ep := info.Seasons[season-1].Episodes[episode-1].Title; ep != "" {
		title += " " + ep
	}
	return src, title, nil
}

func printChannels(out io.Writer, c *manifest.Compiled) {
	fmt.Fprintln(out, "Video:")
	for _, n := range c.Video {
		fmt.Fprintf(out, "  %2d. %s\n", n.Index(), n.Caption())
	}
	fmt.Fprintln(out, "Audio:")
	for _, n := range c.Audio {
		fmt.Fprintf(out, "  %2d. %s\n", n.Index(), n.Caption())
	}
}
