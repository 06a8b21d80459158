package threadreg

import (
	"github.com/joeycumines/logiface"
)

type (
	// Option configures a Registry, see New.
	Option func(c *registryConfig)

	registryConfig struct {
		logger  *logiface.Logger[logiface.Event]
		step    uint64
		initial uint64
	}
)

// WithGenerationStep configures the amount each block's generation is
// incremented by, on retirement. Defaults to 1. New will panic if step is 0.
func WithGenerationStep(step uint64) Option {
	return func(c *registryConfig) {
		c.step = step
	}
}

// WithInitialGeneration configures the generation of freshly allocated
// blocks. Defaults to 0.
func WithInitialGeneration(generation uint64) Option {
	return func(c *registryConfig) {
		c.initial = generation
	}
}

// WithLogger configures a logger, used to log lifecycle events at the debug
// level, and misuse at the warning level. Logging is disabled by default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *registryConfig) {
		c.logger = logger
	}
}

func resolveOptions(opts []Option) registryConfig {
	c := registryConfig{step: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	return c
}
