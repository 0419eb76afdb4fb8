// Package ui renders the terminal interface.
package ui

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"mediaenhancer/internal/pipeline"
	"mediaenhancer/internal/video"
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			MarginBottom(1)

	PromptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#06B6D4")).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B"))

	infoStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7C3AED")).
			Padding(1, 2).
			MarginTop(1).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#111827"))
)

// RenderVideoInfo renders the probed source as a bordered box.
func RenderVideoInfo(info *video.VideoInfo) string {
	audio := "none"
	if info.HasAudio {
		audio = fmt.Sprintf("%s, %d Hz", info.AudioCodec, info.SampleRate)
	}
	rows := [][2]string{
		{"📁 File:", filepath.Base(info.Filepath)},
		{"📊 Size:", FormatFileSize(info.FileSize)},
		{"📐 Dimensions:", fmt.Sprintf("%dx%d → %dx%d", info.Width, info.Height, info.Width*4, info.Height*4)},
		{"🎞️  Frames:", fmt.Sprintf("%d @ %.2f fps", info.FrameCount, info.FrameRate)},
		{"🎬 Format:", info.Format},
		{"🔊 Audio:", audio},
		{"⚡ Bitrate:", formatBitrate(info.Bitrate)},
		{"⏱️  Duration:", FormatDuration(info.Duration)},
	}
	return infoStyle.Render(renderRows(rows))
}

// DisplayVideoInfo writes RenderVideoInfo to w.
func DisplayVideoInfo(w io.Writer, info *video.VideoInfo) {
	fmt.Fprintln(w, RenderVideoInfo(info))
}

// Summary describes a finished one-shot run.
type Summary struct {
	Source  string
	Device  string
	Result  pipeline.Result
	Elapsed time.Duration
}

// RenderSummary renders a successful run.
func RenderSummary(s Summary) string {
	rows := [][2]string{
		{"📁 Source:", filepath.Base(s.Source)},
		{"🖥️  Device:", s.Device},
		{"🎬 Video:", s.Result.VideoOutputPath},
		{"🔊 Audio:", s.Result.AudioOutputPath},
		{"⏱️  Elapsed:", s.Elapsed.Round(time.Millisecond).String()},
	}
	return SuccessStyle.Render("✅ Enhancement completed successfully!") + "\n" + infoStyle.Render(renderRows(rows))
}

// RenderError renders a failed run with its stage and kind.
func RenderError(err error) string {
	var b strings.Builder
	b.WriteString(ErrorStyle.Render("❌ Enhancement failed"))
	if stage := pipeline.StageOf(err); stage != "" {
		b.WriteString(" " + labelStyle.Render(fmt.Sprintf("[%s/%s]", stage, pipeline.Kind(err))))
	}
	b.WriteString("\n" + err.Error())
	return b.String()
}

// RenderWarnings renders validation warnings, one per line.
func RenderWarnings(warnings []string) string {
	lines := make([]string, len(warnings))
	for i, w := range warnings {
		lines[i] = WarningStyle.Render("⚠️  " + w)
	}
	return strings.Join(lines, "\n")
}

func renderRows(rows [][2]string) string {
	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = labelStyle.Render(r[0]) + " " + valueStyle.Render(r[1])
	}
	return strings.Join(lines, "\n")
}

// FormatFileSize converts bytes to human-readable format
func FormatFileSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration converts seconds to MM:SS format
func FormatDuration(seconds float64) string {
	totalSeconds := int(seconds)
	minutes := totalSeconds / 60
	remainingSeconds := totalSeconds % 60

	return fmt.Sprintf("%02d:%02d", minutes, remainingSeconds)
}

func formatBitrate(bitrate int64) string {
	if bitrate == 0 {
		return "Unknown"
	}
	return fmt.Sprintf("%.1f kbps", float64(bitrate)/1000)
}
