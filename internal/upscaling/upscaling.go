// Package upscaling loads super-resolution models that enlarge frames by a fixed factor of four.
package upscaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mediaenhancer/internal/ffmpeg"
	"mediaenhancer/internal/frames"
	"mediaenhancer/internal/log"
)

// Scale is the fixed super-resolution factor applied on both axes.
const Scale = 4

// Backend names accepted by Config.Backend.
const (
	BackendRealESRGAN = "realesrgan"
	BackendReference  = "reference"
)

// Config holds configuration for AI upscaling
type Config struct {
	Backend      string        `yaml:"backend" env:"UPSCALER_BACKEND" env-default:"realesrgan" validate:"oneof=realesrgan reference"`
	Model        string        `yaml:"model" env:"UPSCALER_MODEL" env-default:"general_4x" validate:"required"`
	WeightsDir   string        `yaml:"weights_dir" env:"UPSCALER_WEIGHTS_DIR"`
	PythonPath   string        `yaml:"python_path" env:"UPSCALER_PYTHON"`
	ScriptPath   string        `yaml:"script_path" env:"UPSCALER_SCRIPT" env-default:"scripts/upscale_frame.py"`
	Device       string        `yaml:"device" env:"UPSCALER_DEVICE" env-default:"auto" validate:"oneof=auto cuda mps cpu"`
	GPUDevice    int           `yaml:"gpu_device" env:"UPSCALER_GPU_DEVICE" env-default:"0" validate:"min=0"`
	ScratchDir   string        `yaml:"scratch_dir" env:"UPSCALER_SCRATCH_DIR"`
	FrameTimeout time.Duration `yaml:"frame_timeout" env:"UPSCALER_FRAME_TIMEOUT" env-default:"2m"`
	LoadTimeout  time.Duration `yaml:"load_timeout" env:"UPSCALER_LOAD_TIMEOUT" env-default:"5m"`
}

// UpscalingModels maps configured model keys to Real-ESRGAN model names. Only 4x models are listed.
var UpscalingModels = map[string]string{
	"general_4x": "RealESRGAN_x4plus",
	"anime_4x":   "RealESRGAN_x4plus_anime_6B",
}

// UpscalingModelDescriptions provides user-friendly descriptions
var UpscalingModelDescriptions = map[string]string{
	"general_4x": "General Purpose 4x (Best for photos/real content)",
	"anime_4x":   "Anime/Cartoon 4x (Optimized for animated content)",
}

// GetModelInfo returns information about available models
func GetModelInfo() map[string]string {
	return UpscalingModelDescriptions
}

// DefaultConfig returns the configuration used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Backend:      BackendRealESRGAN,
		Model:        "general_4x",
		ScriptPath:   "scripts/upscale_frame.py",
		Device:       "auto",
		FrameTimeout: 2 * time.Minute,
		LoadTimeout:  5 * time.Minute,
	}
}

// Model is a loaded super-resolution model bound to one device. It is used by a single video stage
// run and released when that run ends.
type Model interface {
	// Enhance returns frame upscaled by Scale on both axes, keeping its index.
	Enhance(ctx context.Context, frame frames.Frame) (frames.Frame, error)
	Name() string
	Device() Device
	// Release frees scratch storage and device state. Safe to call more than once.
	Release() error
}

// CommandRunner runs an external command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Process is a started long-lived command talking over its standard streams.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// StderrTail returns the last lines the process wrote to stderr.
	StderrTail() string
	Wait() error
	Kill() error
}

// ProcessStarter starts long-lived commands. The process outlives ctx; its owner stops it.
type ProcessStarter interface {
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

// StarterFunc adapts a function to ProcessStarter.
type StarterFunc func(ctx context.Context, name string, args ...string) (Process, error)

func (f StarterFunc) Start(ctx context.Context, name string, args ...string) (Process, error) {
	return f(ctx, name, args...)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204 -- interpreter and script come from configuration
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Start implements ProcessStarter.
func (ExecRunner) Start(ctx context.Context, name string, args ...string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// #nosec G204 -- interpreter and script come from configuration
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	ring := ffmpeg.NewLineRing(20)
	cmd.Stderr = ring
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: ring}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *ffmpeg.LineRing
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) StderrTail() string    { return strings.Join(p.stderr.LastN(8), "\n") }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }

// splitCommand separates a configured interpreter such as "py -3" into program and leading
// arguments.
func splitCommand(command string, args ...string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command, args
	}
	return fields[0], append(fields[1:len(fields):len(fields)], args...)
}

// Loader loads models for one configuration and device.
type Loader struct {
	Config  Config
	Device  Device
	Runner  CommandRunner
	Starter ProcessStarter
	Logger  zerolog.Logger
}

// NewLoader returns a Loader that runs commands with os/exec.
func NewLoader(cfg Config, dev Device) *Loader {
	return &Loader{
		Config:  cfg,
		Device:  dev,
		Runner:  ExecRunner{},
		Starter: ExecRunner{},
		Logger:  log.WithComponent("upscaler"),
	}
}

// Load acquires a model for cfg on dev.
func Load(ctx context.Context, cfg Config, dev Device) (Model, error) {
	return NewLoader(cfg, dev).Load(ctx)
}

// Load acquires a fresh model instance. Every call returns an independent model.
func (l *Loader) Load(ctx context.Context) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	var (
		m   Model
		err error
	)
	switch l.Config.Backend {
	case BackendReference:
		m = newReferenceModel(l.Device)
	case BackendRealESRGAN, "":
		m, err = l.loadRealESRGAN(ctx)
	default:
		err = &ModelLoadError{Model: l.Config.Model, Err: fmt.Errorf("unknown backend %q", l.Config.Backend)}
	}
	if err != nil {
		return nil, err
	}

	l.Logger.Info().
		Str(log.FieldModel, m.Name()).
		Str(log.FieldDevice, m.Device().String()).
		Dur("duration", time.Since(start)).
		Msg("model loaded")
	return m, nil
}

// ValidateConfig checks a configuration before any model is loaded.
func ValidateConfig(cfg Config) error {
	switch cfg.Backend {
	case BackendReference:
		return nil
	case BackendRealESRGAN, "":
	default:
		return fmt.Errorf("unknown upscaling backend %q", cfg.Backend)
	}

	if _, exists := UpscalingModels[cfg.Model]; !exists {
		return fmt.Errorf("invalid upscaling model: %s", cfg.Model)
	}
	if cfg.ScriptPath == "" {
		return errors.New("upscaling script path is required")
	}
	if cfg.GPUDevice < 0 {
		return fmt.Errorf("invalid GPU device ID: %d", cfg.GPUDevice)
	}
	if cfg.PythonPath != "" {
		// Compound interpreters like "py -3" are split before running, so only the program is looked up.
		baseCmd, _ := splitCommand(cfg.PythonPath)
		if _, err := exec.LookPath(baseCmd); err != nil {
			return fmt.Errorf("python executable not found: %s", cfg.PythonPath)
		}
	}
	return nil
}

// DetectPythonPath attempts to find a suitable Python executable
func DetectPythonPath(ctx context.Context, runner CommandRunner) string {
	candidates := []string{"python3", "python"}
	if runtime.GOOS == "windows" {
		candidates = append(candidates, "py")
	}

	versionRegex := regexp.MustCompile(`Python 3\.(\d+)`)
	for _, candidate := range candidates {
		output, err := runner.Run(ctx, candidate, "--version")
		if err != nil {
			continue
		}
		// Real-ESRGAN needs Python 3.7+
		if match := versionRegex.FindStringSubmatch(string(output)); len(match) > 1 {
			if minor, err := strconv.Atoi(match[1]); err == nil && minor >= 7 {
				return candidate
			}
		}
	}
	return ""
}

func pythonPath(ctx context.Context, cfg Config, runner CommandRunner) string {
	if cfg.PythonPath != "" {
		return cfg.PythonPath
	}
	if p := DetectPythonPath(ctx, runner); p != "" {
		return p
	}
	return "python3"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
