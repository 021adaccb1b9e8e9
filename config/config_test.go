package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/b-open-io/topicq/subscriber"
	"github.com/b-open-io/topicq/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envVars = []string{
	"STORE_URL", "PUBSUB_URL", "NAMESPACE", "START_POSITION",
	"MAX_ATTEMPTS", "MIN_BACKOFF", "MAX_BACKOFF", "POLL_INTERVAL", "PORT",
}

// clearEnv unsets every recognized variable for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range envVars {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, topic.DefaultNamespace, cfg.Namespace)
	assert.Equal(t, subscriber.StartLatest, cfg.StartPosition)
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_URL", "redis://localhost:6379")
	t.Setenv("PUBSUB_URL", "redis://localhost:6379")
	t.Setenv("NAMESPACE", "orders")
	t.Setenv("START_POSITION", "earliest")
	t.Setenv("MAX_ATTEMPTS", "0")
	t.Setenv("MIN_BACKOFF", "5ms")
	t.Setenv("MAX_BACKOFF", "1s")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("PORT", "8080")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379", cfg.StoreURL)
	assert.Equal(t, "orders", cfg.Namespace)
	assert.Equal(t, subscriber.StartEarliest, cfg.StartPosition)
	assert.Equal(t, 0, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Millisecond, cfg.Retry.MinBackoff)
	assert.Equal(t, time.Second, cfg.Retry.MaxBackoff)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 8080, cfg.Port)
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")

	file := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(file, []byte("NAMESPACE=fromfile\nPORT=1234\n"), 0644))

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "fromfile", cfg.Namespace)
	assert.Equal(t, 9000, cfg.Port)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	for name, value := range map[string]string{
		"START_POSITION": "middle",
		"MAX_ATTEMPTS":   "many",
		"MIN_BACKOFF":    "soon",
		"POLL_INTERVAL":  "-1s",
		"PORT":           "-80",
	} {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(name, value)
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}

func TestNewWiresQueue(t *testing.T) {
	ctx := context.Background()
	cfg := Default()
	cfg.StoreURL = "memory://"
	cfg.StartPosition = subscriber.StartEarliest

	q, err := New(cfg)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Producer.Publish(ctx, "orders", "first", "")
	require.NoError(t, err)

	msg, ok, err := q.Consumer("orders", "billing").ConsumeOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", msg.Content)

	_, err = q.Store.Get(ctx, topic.NewKeys(cfg.Namespace).Cursor("orders", "billing"))
	assert.NoError(t, err)
}

func TestNewRejectsUnknownPubSub(t *testing.T) {
	cfg := Default()
	cfg.StoreURL = "memory://"
	cfg.PubSubURL = "nats://localhost:4222"

	_, err := New(cfg)
	assert.Error(t, err)
}
