package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rendis/tagflow/internal/engine"
	"github.com/rendis/tagflow/internal/observe"
	"github.com/rendis/tagflow/pkg/schema"
)

// Config holds the process settings.
// Priority: flags > TAGFLOW_* env vars > settings file > defaults.
type Config struct {
	LogLevel   string              `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat  string              `mapstructure:"log_format" validate:"oneof=text json"`
	Pipeline   string              `mapstructure:"pipeline"`
	DBPath     string              `mapstructure:"db_path"`
	ListenAddr string              `mapstructure:"listen_addr" validate:"required"`
	Panel      bool                `mapstructure:"panel"`
	Observe    observe.Settings    `mapstructure:"observe"`
	Loop       engine.LoopSettings `mapstructure:"loop"`
	Report     ReportConfig        `mapstructure:"report"`
}

// ReportConfig drives the periodic metrics reporter.
type ReportConfig struct {
	// Schedule is a cron spec; empty disables the reporter.
	Schedule string `mapstructure:"schedule"`
	Mode     string `mapstructure:"mode" validate:"omitempty,oneof=table ascii markdown md none"`
}

// flagKeys maps command-line flags onto config keys. Only flags present on
// the running command are bound.
var flagKeys = map[string]string{
	"log-level":  "log_level",
	"log-format": "log_format",
	"pipeline":   "pipeline",
	"db":         "db_path",
	"listen":     "listen_addr",
	"panel":      "panel",
	"trace":      "observe.enable_tracing",
	"traces-max": "observe.traces_max",
	"errors-max": "observe.errors_max",
	"workers":    "loop.workers",
	"rate":       "loop.rate",
	"duration":   "loop.duration",
	"schedule":   "report.schedule",
	"report":     "report.mode",
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

func setDefaults(v *viper.Viper) {
	obs := observe.DefaultSettings()
	loop := engine.DefaultLoopSettings()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pipeline", "")
	v.SetDefault("db_path", filepath.Join(tagflowDir(), "archive.db"))
	v.SetDefault("listen_addr", ":4100")
	v.SetDefault("panel", false)
	v.SetDefault("observe.enable_tracing", obs.EnableTracing)
	v.SetDefault("observe.traces_max", obs.TracesMax)
	v.SetDefault("observe.errors_max", obs.ErrorsMax)
	v.SetDefault("loop.workers", loop.Workers)
	v.SetDefault("loop.rate", loop.Rate)
	v.SetDefault("loop.duration", loop.Duration)
	v.SetDefault("report.schedule", "@every 10s")
	v.SetDefault("report.mode", "table")
}

func tagflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tagflow"
	}
	return filepath.Join(home, ".tagflow")
}

// loadConfig layers defaults, the settings file, TAGFLOW_* env vars and
// the changed flags of fs. An explicit settingsFile must exist; the default
// one is optional.
func loadConfig(v *viper.Viper, settingsFile string, fs *pflag.FlagSet) (Config, error) {
	setDefaults(v)

	v.SetConfigType("yaml")
	if settingsFile != "" {
		v.SetConfigFile(settingsFile)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(tagflowDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if settingsFile != "" || !errors.As(err, &notFound) {
			return Config{}, schema.NewError(schema.ErrCodeConfiguration, "read settings").WithCause(err)
		}
	}

	v.SetEnvPrefix("tagflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for flag, key := range flagKeys {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, schema.NewErrorf(schema.ErrCodeConfiguration, "bind flag --%s", flag).WithCause(err)
				}
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, schema.NewError(schema.ErrCodeConfiguration, "decode settings").WithCause(err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks every section, nested settings included.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return schema.NewError(schema.ErrCodeConfiguration, "invalid settings").WithCause(err)
	}
	return nil
}
