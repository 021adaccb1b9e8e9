package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/b-open-io/topicq/store"
	"github.com/b-open-io/topicq/subscriber"
	"github.com/b-open-io/topicq/topic"
	"github.com/joho/godotenv"
)

// Config holds everything needed to build a Queue
type Config struct {
	StoreURL      string
	PubSubURL     string
	Namespace     string
	StartPosition subscriber.StartPosition
	Retry         store.RetryPolicy
	PollInterval  time.Duration
	Port          int
}

// Default returns a configuration with no external dependencies
func Default() Config {
	return Config{
		PubSubURL:     "channels://",
		Namespace:     topic.DefaultNamespace,
		StartPosition: subscriber.StartLatest,
		Retry:         store.DefaultRetryPolicy(),
		PollInterval:  subscriber.DefaultPollInterval,
		Port:          3000,
	}
}

// Load reads the environment on top of Default. Files are loaded with godotenv first
// (".env" when none are given); missing files are ignored and variables already set
// in the environment win.
//
// Recognized variables: STORE_URL, PUBSUB_URL, NAMESPACE, START_POSITION,
// MAX_ATTEMPTS, MIN_BACKOFF, MAX_BACKOFF, POLL_INTERVAL, PORT.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	cfg := Default()
	if v := os.Getenv("STORE_URL"); v != "" {
		cfg.StoreURL = v
	}
	if v := os.Getenv("PUBSUB_URL"); v != "" {
		cfg.PubSubURL = v
	}
	if v := os.Getenv("NAMESPACE"); v != "" {
		cfg.Namespace = v
	}

	var err error
	if cfg.StartPosition, err = subscriber.ParseStartPosition(os.Getenv("START_POSITION")); err != nil {
		return Config{}, err
	}
	if err := envInt("MAX_ATTEMPTS", &cfg.Retry.MaxAttempts); err != nil {
		return Config{}, err
	}
	if err := envInt("PORT", &cfg.Port); err != nil {
		return Config{}, err
	}
	if err := envDuration("MIN_BACKOFF", &cfg.Retry.MinBackoff); err != nil {
		return Config{}, err
	}
	if err := envDuration("MAX_BACKOFF", &cfg.Retry.MaxBackoff); err != nil {
		return Config{}, err
	}
	if err := envDuration("POLL_INTERVAL", &cfg.PollInterval); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid %s %q", name, v)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fmt.Errorf("invalid %s %q", name, v)
	}
	*dst = d
	return nil
}
