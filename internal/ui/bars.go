package ui

import (
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"mediaenhancer/internal/progress"
)

var barTheme = progressbar.Theme{
	Saucer:        "█",
	SaucerHead:    "█",
	SaucerPadding: "░",
	BarStart:      "▐",
	BarEnd:        "▌",
}

// Bars renders one progress bar per stage. It implements progress.Observer.
type Bars struct {
	w    io.Writer
	mu   sync.Mutex
	bars map[progress.Stage]*progressbar.ProgressBar
}

// NewBars returns an observer that draws on w.
func NewBars(w io.Writer) *Bars {
	return &Bars{w: w, bars: make(map[progress.Stage]*progressbar.ProgressBar)}
}

func (b *Bars) Observe(e progress.Event) {
	if e.Stage == progress.StagePipeline {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bar := b.bars[e.Stage]
	if bar == nil {
		bar = b.newBar(e)
		b.bars[e.Stage] = bar
	}

	switch e.Stage {
	case progress.StageDownload:
		if e.BytesTotal > 0 && bar.GetMax64() != e.BytesTotal {
			bar.ChangeMax64(e.BytesTotal)
		}
		_ = bar.Set64(e.BytesDone)
	case progress.StageVideo:
		if e.FramesTotal > 0 && bar.GetMax() != e.FramesTotal {
			bar.ChangeMax(e.FramesTotal)
		}
		_ = bar.Set(e.FramesDone)
	case progress.StageAudio:
		_ = bar.Set(int(e.Percent))
	}
	if e.State == "done" {
		_ = bar.Finish()
	}
}

func (b *Bars) newBar(e progress.Event) *progressbar.ProgressBar {
	opts := []progressbar.Option{
		progressbar.OptionSetWriter(b.w),
		progressbar.OptionSetTheme(barTheme),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(b.w, "\n") }),
	}
	switch e.Stage {
	case progress.StageDownload:
		total := e.BytesTotal
		if total <= 0 {
			total = -1
		}
		return progressbar.NewOptions64(total, append(opts,
			progressbar.OptionSetDescription("Downloading"),
			progressbar.OptionShowBytes(true))...)
	case progress.StageVideo:
		total := e.FramesTotal
		if total <= 0 {
			total = -1
		}
		return progressbar.NewOptions(total, append(opts,
			progressbar.OptionSetDescription("Enhancing video"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("frames"))...)
	default:
		return progressbar.NewOptions(100, append(opts,
			progressbar.OptionSetDescription("Filtering audio"))...)
	}
}

// Finish completes every bar still drawing.
func (b *Bars) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bar := range b.bars {
		if !bar.IsFinished() {
			_ = bar.Finish()
		}
	}
}
