package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "repowatch.yaml"

// LoadFrom returns a Config using the hierarchy defaults < YAML < ENV. A
// missing YAML file is not an error.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if cfg.Watch.ActorName == "" {
		cfg.Watch.ActorName = defaultActor()
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays non-empty environment variables onto cfg. Values that do
// not parse are ignored.
func loadEnv(cfg *Config) {
	setDuration(&cfg.Watch.Debounce, "REPOWATCH_WATCH_DEBOUNCE")
	setDuration(&cfg.Watch.DedupeWindow, "REPOWATCH_WATCH_DEDUPE_WINDOW")
	setString(&cfg.Watch.ActorName, "REPOWATCH_ACTOR_NAME")
	setString(&cfg.Watch.Source, "REPOWATCH_SOURCE")

	setString(&cfg.Git.Binary, "REPOWATCH_GIT_BINARY")
	setDuration(&cfg.Git.Timeout, "REPOWATCH_GIT_TIMEOUT")
	setInt(&cfg.Git.MaxConcurrentReads, "REPOWATCH_GIT_MAX_CONCURRENT_READS")

	setDuration(&cfg.Queue.IdleTimeout, "REPOWATCH_QUEUE_IDLE_TIMEOUT")

	setString(&cfg.Log.Level, "REPOWATCH_LOG_LEVEL")
	setString(&cfg.Log.Format, "REPOWATCH_LOG_FORMAT")

	setString(&cfg.NATS.URL, "REPOWATCH_NATS_URL")
	setString(&cfg.NATS.SubjectPrefix, "REPOWATCH_NATS_SUBJECT_PREFIX")
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Watch.Debounce <= 0 {
		errs = append(errs, errors.New("watch.debounce must be > 0"))
	}
	if cfg.Watch.DedupeWindow <= 0 {
		errs = append(errs, errors.New("watch.dedupeWindow must be > 0"))
	}
	if cfg.Git.Binary == "" {
		errs = append(errs, errors.New("git.binary is required"))
	}
	if cfg.Git.Timeout <= 0 {
		errs = append(errs, errors.New("git.timeout must be > 0"))
	}
	if cfg.Git.MaxConcurrentReads < 1 {
		errs = append(errs, errors.New("git.maxConcurrentReads must be >= 1"))
	}
	if cfg.Queue.IdleTimeout <= 0 {
		errs = append(errs, errors.New("queue.idleTimeout must be > 0"))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format))
	}
	if cfg.NATS.URL != "" && cfg.NATS.SubjectPrefix == "" {
		errs = append(errs, errors.New("nats.subjectPrefix is required when nats.url is set"))
	}
	return errors.Join(errs...)
}

// defaultActor falls back to the login name for Event.ActorName.
func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
