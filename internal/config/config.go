// Package config loads repowatch settings.
// Precedence: defaults < YAML file < environment variables.
package config

import (
	"time"

	gitbackend "github.com/thiagokokada/repowatch/internal/git/backend"
)

// Config holds all runtime configuration for repowatch.
type Config struct {
	Watch Watch   `yaml:"watch"`
	Git   Git     `yaml:"git"`
	Queue Queue   `yaml:"queue"`
	Log   Logging `yaml:"log"`
	NATS  NATS    `yaml:"nats"`
}

// Watch holds change detection settings.
type Watch struct {
	Debounce     time.Duration `yaml:"debounce"`
	DedupeWindow time.Duration `yaml:"dedupeWindow"`
	ActorName    string        `yaml:"actorName"`
	Source       string        `yaml:"source"`
}

// Git holds settings for the git executable.
type Git struct {
	Binary             string        `yaml:"binary"`
	Timeout            time.Duration `yaml:"timeout"`
	MaxConcurrentReads int           `yaml:"maxConcurrentReads"`
}

type Queue struct {
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

type Logging struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// NATS enables the NATS sink when URL is set.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// Runner returns the git runner described by g.
func (g Git) Runner() gitbackend.Runner {
	return gitbackend.Runner{Binary: g.Binary, Timeout: g.Timeout}
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Watch: Watch{
			Debounce:     200 * time.Millisecond,
			DedupeWindow: 900 * time.Millisecond,
			Source:       "repowatch",
		},
		Git: Git{
			Binary:             gitbackend.DefaultBinary,
			Timeout:            gitbackend.DefaultTimeout,
			MaxConcurrentReads: 4,
		},
		Queue: Queue{IdleTimeout: 30 * time.Second},
		Log:   Logging{Level: "info", Format: "text"},
		NATS:  NATS{SubjectPrefix: "repowatch.events"},
	}
}
