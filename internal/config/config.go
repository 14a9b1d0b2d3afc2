// Package config loads kernel limits from the environment and the boot
// manifest from YAML.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"

	"ward/wardos/kernel"
)

// Prefix is the environment variable prefix, e.g. WARD_KERNEL_PAGES.
const Prefix = "ward"

// Config holds all host runner configuration.
type Config struct {
	Kernel      KernelConfig
	Log         LogConfig
	Manifest    string `envconfig:"MANIFEST"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`
}

// KernelConfig mirrors kernel.Config.
type KernelConfig struct {
	Pages                int    `envconfig:"PAGES" default:"1024"`
	MaxProcesses         int    `envconfig:"MAX_PROCESSES" default:"32"`
	MaxThreads           int    `envconfig:"MAX_THREADS" default:"128"`
	MaxServers           int    `envconfig:"MAX_SERVERS" default:"64"`
	MaxConnections       int    `envconfig:"MAX_CONNECTIONS" default:"32"`
	MaxServerConnections int    `envconfig:"MAX_SERVER_CONNECTIONS" default:"32"`
	MailboxDepth         int    `envconfig:"MAILBOX_DEPTH" default:"8"`
	PriorityBands        int    `envconfig:"PRIORITY_BANDS" default:"8"`
	Cores                int    `envconfig:"CORES" default:"1"`
	InterruptSources     int    `envconfig:"INTERRUPT_SOURCES" default:"32"`
	InterruptStormLimit  uint32 `envconfig:"INTERRUPT_STORM_LIMIT" default:"4294967295"`
	DefaultStackPages    int    `envconfig:"DEFAULT_STACK_PAGES" default:"4"`
	KillOnViolation      bool   `envconfig:"KILL_ON_VIOLATION" default:"true"`
	ABIConstraint        string `envconfig:"ABI_CONSTRAINT" default:"^1.0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Kernel converts the loaded limits.
func (c KernelConfig) Kernel() kernel.Config {
	return kernel.Config{
		Pages:                c.Pages,
		MaxProcesses:         c.MaxProcesses,
		MaxThreads:           c.MaxThreads,
		MaxServers:           c.MaxServers,
		MaxConnections:       c.MaxConnections,
		MaxServerConnections: c.MaxServerConnections,
		MailboxDepth:         c.MailboxDepth,
		PriorityBands:        c.PriorityBands,
		Cores:                c.Cores,
		InterruptSources:     c.InterruptSources,
		InterruptStormLimit:  c.InterruptStormLimit,
		DefaultStackPages:    c.DefaultStackPages,
		KillOnViolation:      c.KillOnViolation,
		ABIConstraint:        c.ABIConstraint,
	}
}
