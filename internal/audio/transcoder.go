package audio

import (
	"context"

	"github.com/floostack/transcoder/ffmpeg"

	ffbin "mediaenhancer/internal/ffmpeg"
)

// FloostackTranscoder runs ffmpeg through github.com/floostack/transcoder.
type FloostackTranscoder struct {
	Binaries ffbin.Binaries
}

func (t *FloostackTranscoder) Transcode(ctx context.Context, input, output string, opts *ffmpeg.Options, onProgress func(percent float64)) error {
	bins := t.Binaries.WithDefaults()
	cfg := &ffmpeg.Config{
		ProgressEnabled: true,
		FfmpegBinPath:   bins.FFmpeg,
		FfprobeBinPath:  bins.FFprobe,
	}

	progressChannel, err := ffmpeg.
		New(cfg).
		Input(input).
		Output(output).
		WithOptions(opts).
		WithContext(&ctx).
		Start(opts)
	if err != nil {
		return err
	}

	// The channel closes once ffmpeg exits.
	for p := range progressChannel {
		if onProgress != nil {
			onProgress(p.GetProgress())
		}
	}
	return nil
}
