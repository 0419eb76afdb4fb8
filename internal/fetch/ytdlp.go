package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mediaenhancer/internal/ffmpeg"
	"mediaenhancer/internal/log"
	"mediaenhancer/internal/metrics"
	"mediaenhancer/internal/progress"
)

// Config controls the yt-dlp invocation.
type Config struct {
	Binary      string        `yaml:"binary" env:"YTDLP_PATH" env-default:"yt-dlp" validate:"required"`
	Format      string        `yaml:"format" env:"YTDLP_FORMAT" env-default:"bestvideo+bestaudio/best" validate:"required"`
	MergeFormat string        `yaml:"merge_format" env:"YTDLP_MERGE_FORMAT" env-default:"mp4" validate:"oneof=mp4 mkv webm mov"`
	Timeout     time.Duration `yaml:"timeout" env:"FETCH_TIMEOUT" env-default:"30m"`
}

// DefaultConfig mirrors the env-default tags.
func DefaultConfig() Config {
	return Config{Binary: "yt-dlp", Format: "bestvideo+bestaudio/best", MergeFormat: "mp4", Timeout: 30 * time.Minute}
}

const (
	progressPrefix = "progress|"
	filePrefix     = "file|"
)

// YtDlp downloads with the yt-dlp command line tool into Dir.
type YtDlp struct {
	Config Config
	Dir    string
	FFmpeg string // passed as --ffmpeg-location when set
	Logger zerolog.Logger
}

// NewYtDlp returns a fetcher writing into dir.
func NewYtDlp(cfg Config, dir, ffmpegPath string) *YtDlp {
	return &YtDlp{Config: cfg, Dir: dir, FFmpeg: ffmpegPath, Logger: log.WithComponent("fetch")}
}

func (y *YtDlp) args(locator string) []string {
	args := []string{
		"--no-playlist",
		"--no-part",
		"--newline",
		"--quiet",
		"--no-warnings",
		"--progress",
		"--progress-template", "download:" + progressPrefix + "%(progress.downloaded_bytes)s|%(progress.total_bytes)s|%(progress.total_bytes_estimate)s|%(progress.eta)s",
		"--print", "after_move:" + filePrefix + "%(filepath)s",
		"-f", y.Config.Format,
		"--merge-output-format", y.Config.MergeFormat,
		"-P", y.Dir,
		"-o", "%(title)s.%(ext)s",
	}
	if y.FFmpeg != "" {
		args = append(args, "--ffmpeg-location", y.FFmpeg)
	}
	return append(args, "--", locator)
}

// Fetch downloads locator and returns the final merged file path.
func (y *YtDlp) Fetch(ctx context.Context, locator string, obs progress.Observer) (string, error) {
	if err := ValidateURL(locator); err != nil {
		return "", err
	}
	if y.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.Config.Timeout)
		defer cancel()
	}

	logger := log.WithContext(ctx, y.Logger).With().Str(log.FieldLocator, locator).Logger()
	start := time.Now()

	binary := y.Config.Binary
	if binary == "" {
		binary = "yt-dlp"
	}
	// #nosec G204 -- binary comes from configuration, locator follows "--"
	cmd := exec.CommandContext(ctx, binary, y.args(locator)...)
	stderr := ffmpeg.NewLineRing(20)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", &FetchError{Locator: locator, Err: err}
	}

	logger.Info().Str(log.FieldEvent, "fetch.start").Msg("download started")
	if err := cmd.Start(); err != nil {
		return "", &FetchError{Locator: locator, Err: fmt.Errorf("start %s: %w", binary, err)}
	}

	var (
		path    string
		counter byteCounter
	)
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, filePrefix):
			path = strings.TrimPrefix(line, filePrefix)
		case strings.HasPrefix(line, progressPrefix):
			ev, ok := ParseProgress(line)
			if !ok {
				continue
			}
			if n := counter.advance(ev.BytesDone); n > 0 {
				metrics.RecordFetchBytes(n)
			}
			progress.Emit(obs, ev)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &FetchError{Locator: locator, Err: fmt.Errorf("%s: %w: %s", binary, err, stderr)}
	}
	if path == "" {
		return "", &FetchError{Locator: locator, Err: errors.New("downloader did not report an output file")}
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", &FetchError{Locator: locator, Err: fmt.Errorf("downloaded file missing: %w", err)}
	}

	logger.Info().
		Str(log.FieldEvent, "fetch.done").
		Str(log.FieldPath, path).
		Int64("bytes", info.Size()).
		Dur("elapsed", time.Since(start)).
		Msg("download finished")
	progress.Emit(obs, progress.Event{Stage: progress.StageDownload, State: "done", BytesDone: info.Size(), BytesTotal: info.Size()})
	return path, nil
}

// byteCounter turns per-file downloaded_bytes reports into increments. yt-dlp downloads the video
// and audio streams one after the other and restarts the count for each file.
type byteCounter struct {
	reported int64
}

// advance returns the bytes downloaded since the previous report.
func (c *byteCounter) advance(done int64) int64 {
	if done < c.reported {
		// A new file started.
		c.reported = 0
	}
	n := done - c.reported
	c.reported = done
	return n
}

// ParseProgress decodes one progress-template line. Fields yt-dlp cannot fill are "NA".
func ParseProgress(line string) (progress.Event, bool) {
	rest, ok := strings.CutPrefix(line, progressPrefix)
	if !ok {
		return progress.Event{}, false
	}
	parts := strings.Split(rest, "|")
	if len(parts) != 4 {
		return progress.Event{}, false
	}

	done, ok := parseNumber(parts[0])
	if !ok {
		return progress.Event{}, false
	}
	total, ok := parseNumber(parts[1])
	if !ok {
		total, _ = parseNumber(parts[2])
	}
	ev := progress.Event{
		Stage:      progress.StageDownload,
		State:      "downloading",
		BytesDone:  int64(done),
		BytesTotal: int64(total),
	}
	if eta, ok := parseNumber(parts[3]); ok {
		ev.ETA = time.Duration(eta * float64(time.Second))
	}
	return ev, true
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "NA" || s == "None" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return f, true
}
