package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediaenhancer/internal/api"
	"mediaenhancer/internal/audio"
	"mediaenhancer/internal/config"
	"mediaenhancer/internal/fetch"
	"mediaenhancer/internal/ffmpeg"
	"mediaenhancer/internal/frames"
	"mediaenhancer/internal/jobs"
	"mediaenhancer/internal/log"
	"mediaenhancer/internal/pipeline"
	"mediaenhancer/internal/progress"
	"mediaenhancer/internal/ui"
	"mediaenhancer/internal/upscaling"
	"mediaenhancer/internal/validation"
	"mediaenhancer/internal/video"
)

type options struct {
	ConfigPath string
	Serve      bool
	URL        string
	File       string
}

var errUsage = errors.New("usage")

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("mediaenhancer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	fs.BoolVar(&opts.Serve, "serve", false, "run the HTTP API")
	fs.StringVar(&opts.URL, "url", "", "download and enhance this video URL")
	fs.StringVar(&opts.File, "file", "", "enhance this local video file")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: mediaenhancer [-config file] [-serve | -url URL | -file PATH]")
		fs.PrintDefaults()
		fmt.Fprintln(stderr, "\nEnvironment:")
		fmt.Fprintln(stderr, config.Usage())
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("%w: unexpected arguments %v", errUsage, fs.Args())
	}
	if opts.URL != "" && opts.File != "" {
		return opts, fmt.Errorf("%w: -url and -file are mutually exclusive", errUsage)
	}
	if opts.Serve && (opts.URL != "" || opts.File != "") {
		return opts, fmt.Errorf("%w: -serve cannot be combined with -url or -file", errUsage)
	}
	return opts, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, ui.TerminalPrompter{})
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, prompter ui.Prompter) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, ui.ErrorStyle.Render("❌ "+err.Error()))
		return 2
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintln(stderr, ui.ErrorStyle.Render(fmt.Sprintf("❌ Invalid configuration: %v", err)))
		return 1
	}
	log.Configure(log.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Output: stderr, Service: "mediaenhancer"})
	logger := log.WithComponent("main")

	bins := cfg.FFmpeg.Binaries.WithDefaults()
	if !ffmpeg.IsAvailable(bins.FFmpeg) || !ffmpeg.IsAvailable(bins.FFprobe) {
		fmt.Fprintln(stderr, ui.ErrorStyle.Render("❌ FFmpeg is not installed or not in PATH"))
		fmt.Fprintln(stderr, "Please install FFmpeg and try again.")
		return 1
	}
	if err := validation.ValidateLayout(cfg.Storage.DownloadsDir, cfg.Storage.ProcessedDir); err != nil {
		fmt.Fprintln(stderr, ui.ErrorStyle.Render(fmt.Sprintf("❌ %v", err)))
		return 1
	}

	device := upscaling.ProbeDevice(ctx, cfg.Upscaler, upscaling.ExecRunner{}, log.WithComponent("upscaler"))
	coordinator := newCoordinator(cfg, bins, device)

	if opts.Serve {
		manager := jobs.NewManager(jobsConfig(cfg), fetch.NewYtDlp(cfg.Fetch, cfg.Storage.DownloadsDir, bins.FFmpeg), coordinator)
		if err := serve(ctx, cfg.HTTP, manager); err != nil {
			logger.Error().Err(err).Msg("server stopped")
			return 1
		}
		return 0
	}

	fmt.Fprintln(stdout, ui.TitleStyle.Render("🎬 Media Enhancer"))

	var fetcher fetch.Fetcher = fetch.Local{}
	locator := opts.File
	if locator == "" {
		locator = opts.URL
		if locator == "" {
			if locator, err = ui.PromptForURL(prompter); err != nil {
				fmt.Fprintln(stderr, ui.ErrorStyle.Render(fmt.Sprintf("❌ %v", err)))
				return 1
			}
		}
		if err := fetch.ValidateURL(locator); err != nil {
			fmt.Fprintln(stderr, ui.RenderError(err))
			return 2
		}
		fetcher = fetch.NewYtDlp(cfg.Fetch, cfg.Storage.DownloadsDir, bins.FFmpeg)
	}

	manager := jobs.NewManager(jobsConfig(cfg), fetcher, coordinator)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		_ = manager.Shutdown(shutdownCtx)
	}()

	bars := ui.NewBars(stderr)
	prober := video.NewProber(bins.FFprobe)
	start := time.Now()
	res, source, err := runOnce(ctx, manager, locator, bars, func(path string) {
		describeSource(ctx, stdout, prober, path, cfg.Storage.MaxFileSize)
	})
	bars.Finish()
	if err != nil {
		fmt.Fprintln(stderr, ui.RenderError(err))
		return 1
	}
	fmt.Fprintln(stdout, ui.RenderSummary(ui.Summary{
		Source:  source,
		Device:  device.String(),
		Result:  res,
		Elapsed: time.Since(start),
	}))
	return 0
}

func jobsConfig(cfg *config.Config) jobs.Config {
	return jobs.Config{
		ProcessedDir:      cfg.Storage.ProcessedDir,
		MaxConcurrentJobs: cfg.Pipeline.MaxConcurrentJobs,
		EventHistory:      cfg.Pipeline.EventHistory,
		MaxFileSize:       cfg.Storage.MaxFileSize,
	}
}

func newCoordinator(cfg *config.Config, bins ffmpeg.Binaries, device upscaling.Device) *pipeline.Coordinator {
	return &pipeline.Coordinator{
		Video: &pipeline.VideoStage{
			Opener: frames.NewFFmpeg(bins, cfg.FFmpeg.Encoder, log.WithComponent("frames")),
			Loader: upscaling.NewLoader(cfg.Upscaler, device),
			Logger: log.WithComponent("video"),
		},
		Audio:   audio.NewStage(cfg.Audio, bins),
		Filter:  cfg.Audio.Filter,
		Timeout: cfg.Pipeline.Timeout,
		Logger:  log.WithComponent("pipeline"),
	}
}

// runOnce submits one job and relays its progress to obs until it finishes. onSource is called
// once the source is on disk, before enhancement starts.
func runOnce(ctx context.Context, m *jobs.Manager, locator string, obs progress.Observer, onSource func(path string)) (pipeline.Result, string, error) {
	job, err := m.Submit(locator)
	if err != nil {
		return pipeline.Result{}, "", err
	}
	replay, live, cancel := job.Events().Subscribe(256)
	defer cancel()

	handle := func(ev jobs.Event) {
		switch {
		case ev.Type == jobs.EventTypeProgress && ev.Progress != nil:
			progress.Emit(obs, *ev.Progress)
		case ev.Type == jobs.EventTypeStatus && ev.Status == jobs.StatusEnhancing && onSource != nil:
			onSource(job.Snapshot().SourcePath)
		}
	}
	for _, ev := range replay {
		handle(ev)
	}
loop:
	for {
		select {
		case ev, open := <-live:
			if !open {
				break loop
			}
			handle(ev)
		case <-ctx.Done():
			_ = m.Cancel(job.ID())
			// Wait for the stages to clean up before reporting.
			<-job.Done()
			break loop
		}
	}

	res, err := job.Wait(context.Background())
	return res, job.Snapshot().SourcePath, err
}

// describeSource prints the source's metadata and any validation warnings.
func describeSource(ctx context.Context, w io.Writer, prober *video.Prober, path string, maxBytes int64) {
	info, err := prober.Probe(ctx, path)
	if err != nil {
		return
	}
	ui.DisplayVideoInfo(w, info)
	if res, err := validation.Inspect(ctx, prober, path, maxBytes); err == nil && len(res.Warnings) > 0 {
		fmt.Fprintln(w, ui.RenderWarnings(res.Warnings))
	}
}

func serve(ctx context.Context, cfg config.HTTPConfig, manager *jobs.Manager) error {
	logger := log.WithComponent("http")
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(manager).Routes(),
		ReadHeaderTimeout: cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	httpErr := srv.Shutdown(shutdownCtx)
	jobsErr := manager.Shutdown(shutdownCtx)
	return errors.Join(httpErr, jobsErr)
}
