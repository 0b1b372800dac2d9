package observe

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Settings controls tracing and the capacity of the bounded buffers.
type Settings struct {
	EnableTracing bool `json:"enable_tracing" mapstructure:"enable_tracing"`
	TracesMax     int  `json:"traces_max" mapstructure:"traces_max" validate:"min=1,max=1000000"`
	ErrorsMax     int  `json:"errors_max" mapstructure:"errors_max" validate:"min=1,max=1000000"`
}

// DefaultSettings mirrors the CLI defaults: tracing off, 1000 traces, 500 errors.
func DefaultSettings() Settings {
	return Settings{
		EnableTracing: false,
		TracesMax:     1000,
		ErrorsMax:     500,
	}
}

var settingsValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks capacity bounds.
func (s Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		return fmt.Errorf("observe: invalid settings: %w", err)
	}
	return nil
}
