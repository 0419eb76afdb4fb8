// Package config loads the service configuration from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"

	"mediaenhancer/internal/audio"
	"mediaenhancer/internal/fetch"
	"mediaenhancer/internal/ffmpeg"
	"mediaenhancer/internal/upscaling"
)

// Config is the whole service configuration. Environment variables override file values.
type Config struct {
	Log      LogConfig        `yaml:"log"`
	HTTP     HTTPConfig       `yaml:"http"`
	Storage  StorageConfig    `yaml:"storage"`
	FFmpeg   FFmpegConfig     `yaml:"ffmpeg"`
	Upscaler upscaling.Config `yaml:"upscaler"`
	Audio    audio.Config     `yaml:"audio"`
	Pipeline PipelineConfig   `yaml:"pipeline"`
	Fetch    fetch.Config     `yaml:"fetch"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Pretty bool   `yaml:"pretty" env:"LOG_PRETTY"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"30s"`
}

// StorageConfig is the on-disk layout: downloaded sources and processed outputs.
type StorageConfig struct {
	DownloadsDir string `yaml:"downloads_dir" env:"DOWNLOADS_DIR" env-default:"downloads" validate:"required"`
	ProcessedDir string `yaml:"processed_dir" env:"PROCESSED_DIR" env-default:"processed" validate:"required"`
	MaxFileSize  int64  `yaml:"max_file_size" env:"MAX_FILE_SIZE" env-default:"4294967296" validate:"gt=0"`
}

type FFmpegConfig struct {
	Binaries ffmpeg.Binaries      `yaml:"binaries"`
	Encoder  ffmpeg.EncoderConfig `yaml:"encoder"`
}

type PipelineConfig struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" env:"PIPELINE_MAX_CONCURRENT_JOBS" env-default:"1" validate:"min=1"`
	// Timeout bounds a whole job after download; zero disables it.
	Timeout time.Duration `yaml:"timeout" env:"PIPELINE_TIMEOUT" env-default:"0s"`
	// EventHistory is how many progress events each job keeps for late subscribers.
	EventHistory int `yaml:"event_history" env:"PIPELINE_EVENT_HISTORY" env-default:"256" validate:"min=1"`
}

var validate = validator.New()

// Load reads path (when non-empty) and then the environment, applies defaults and validates the
// result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid configuration: %s", describe(verrs))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Audio.Filter.Validate(0); err != nil {
		return fmt.Errorf("invalid configuration: audio.filter: %w", err)
	}
	if err := upscaling.ValidateConfig(c.Upscaler); err != nil {
		return fmt.Errorf("invalid configuration: upscaler: %w", err)
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
	}
	return msg
}

// Usage returns the environment variables understood by Load, for -help output.
func Usage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return text
}
