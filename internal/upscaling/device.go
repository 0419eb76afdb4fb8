package upscaling

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"mediaenhancer/internal/log"
)

// DeviceKind identifies the compute device a model runs on.
type DeviceKind string

const (
	DeviceCUDA DeviceKind = "cuda"
	DeviceMPS  DeviceKind = "mps"
	DeviceCPU  DeviceKind = "cpu"
)

// Device is the outcome of the start-up capability probe. It is passed into Load and never
// renegotiated afterwards.
type Device struct {
	Kind  DeviceKind
	Index int
	Name  string
}

// CPU is the fallback device.
func CPU() Device {
	return Device{Kind: DeviceCPU, Name: "cpu"}
}

// Accelerated reports whether the device is a GPU.
func (d Device) Accelerated() bool {
	return d.Kind == DeviceCUDA || d.Kind == DeviceMPS
}

func (d Device) String() string {
	switch d.Kind {
	case DeviceCUDA:
		if d.Name != "" {
			return fmt.Sprintf("cuda:%d (%s)", d.Index, d.Name)
		}
		return fmt.Sprintf("cuda:%d", d.Index)
	case "":
		return string(DeviceCPU)
	default:
		return string(d.Kind)
	}
}

// Prints "<kind>|<name>" for the best device torch can see, preferring CUDA, then MPS.
const probeScript = `import sys
try:
    import torch
except Exception:
    print("cpu|torch unavailable"); sys.exit(0)
i = int(sys.argv[1]) if len(sys.argv) > 1 else 0
if torch.cuda.is_available() and i < torch.cuda.device_count():
    print("cuda|" + torch.cuda.get_device_name(i))
elif getattr(torch.backends, "mps", None) is not None and torch.backends.mps.is_available():
    print("mps|Apple Silicon")
else:
    print("cpu|cpu")
`

// ProbeDevice selects the device models will run on. It is meant to run once at start-up. An
// explicitly requested accelerator that is not available falls back to CPU with a warning.
func ProbeDevice(ctx context.Context, cfg Config, runner CommandRunner, logger zerolog.Logger) Device {
	if cfg.Backend == BackendReference || cfg.Device == string(DeviceCPU) {
		dev := CPU()
		logDevice(logger, cfg, dev)
		return dev
	}

	python := pythonPath(ctx, cfg, runner)
	program, args := splitCommand(python, "-c", probeScript, strconv.Itoa(cfg.GPUDevice))
	output, err := runner.Run(ctx, program, args...)
	if err != nil {
		logger.Warn().Err(err).Str("python", python).Msg("device probe failed, using cpu")
		return CPU()
	}
	found := parseProbe(string(output), cfg.GPUDevice)

	requested := DeviceKind(cfg.Device)
	if requested != "" && cfg.Device != "auto" && requested != found.Kind {
		logger.Warn().
			Str("requested", cfg.Device).
			Str("available", found.String()).
			Msg("requested device unavailable, falling back to cpu")
		return CPU()
	}

	logDevice(logger, cfg, found)
	return found
}

func logDevice(logger zerolog.Logger, cfg Config, dev Device) {
	logger.Info().
		Str(log.FieldDevice, dev.String()).
		Str("backend", cfg.Backend).
		Msg("compute device selected")
}

// parseProbe reads the last "<kind>|<name>" line of the probe output.
func parseProbe(output string, index int) Device {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	kind, name, _ := strings.Cut(last, "|")

	switch DeviceKind(strings.ToLower(kind)) {
	case DeviceCUDA:
		return Device{Kind: DeviceCUDA, Index: index, Name: name}
	case DeviceMPS:
		return Device{Kind: DeviceMPS, Name: name}
	default:
		return CPU()
	}
}
