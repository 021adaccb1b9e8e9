package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/b-open-io/topicq/config"
	"github.com/b-open-io/topicq/pubsub"
	"github.com/b-open-io/topicq/store"
	"github.com/b-open-io/topicq/subscriber"
	"github.com/b-open-io/topicq/topic"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, ctx context.Context) (*fiber.App, *config.Queue) {
	t.Helper()
	cfg := config.Default()
	cfg.StartPosition = subscriber.StartEarliest
	cfg.PollInterval = 20 * time.Millisecond

	ps := pubsub.NewChannelPubSub()
	q := config.NewQueue(cfg, store.NewMemoryStore(), ps)
	t.Cleanup(func() { q.Close() })

	manager := pubsub.NewSSEManager(ctx, ps)
	t.Cleanup(func() { manager.Stop() })

	app := fiber.New()
	RegisterRoutes(app, &RoutesConfig{Queue: q})
	RegisterSubmitRoutes(app, &RoutesConfig{Queue: q})
	RegisterSSERoutes(app, &SSERoutesConfig{Queue: q, SSEManager: manager, Context: ctx})
	return app, q
}

func do(t *testing.T, app *fiber.App, method, target, body string) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func publish(t *testing.T, app *fiber.App, topicName, content string) topic.Message {
	t.Helper()
	status, body := do(t, app, http.MethodPost, "/topics/"+topicName+"/messages", `{"content":"`+content+`","extraInfo":"test"}`)
	require.Equal(t, http.StatusCreated, status, body)

	var msg topic.Message
	require.NoError(t, json.Unmarshal([]byte(body), &msg))
	return msg
}

func TestPublishAndReadTopic(t *testing.T) {
	app, _ := newTestApp(t, context.Background())

	first := publish(t, app, "orders", "one")
	second := publish(t, app, "orders", "two")
	assert.Equal(t, int64(0), first.ID)
	assert.Equal(t, int64(1), second.ID)
	assert.Equal(t, "orders", second.Topic)
	assert.Equal(t, "test", second.ExtraInfo)

	status, body := do(t, app, http.MethodGet, "/topics/orders", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"topic":"orders","count":2}`, body)

	status, body = do(t, app, http.MethodGet, "/topics/orders/messages/1", "")
	require.Equal(t, http.StatusOK, status)
	var msg topic.Message
	require.NoError(t, json.Unmarshal([]byte(body), &msg))
	assert.Equal(t, "two", msg.Content)

	status, _ = do(t, app, http.MethodGet, "/topics/orders/messages/9", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, app, http.MethodGet, "/topics/orders/messages/abc", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, app, http.MethodGet, "/topics/orders/messages?from=1&limit=10", "")
	require.Equal(t, http.StatusOK, status)
	var listed []topic.Message
	require.NoError(t, json.Unmarshal([]byte(body), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "two", listed[0].Content)
}

func TestPublishRejectsBadInput(t *testing.T) {
	app, _ := newTestApp(t, context.Background())

	status, _ := do(t, app, http.MethodPost, "/topics/orders/messages", `{"content":`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, http.MethodPost, "/topics/a:b/messages", `{"content":"x"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSubscriberRoutes(t *testing.T) {
	app, _ := newTestApp(t, context.Background())
	publish(t, app, "orders", "one")
	publish(t, app, "orders", "two")

	next := "/topics/orders/subscribers/billing/next"
	status, body := do(t, app, http.MethodPost, next, "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"content":"one"`)

	status, body = do(t, app, http.MethodGet, "/topics/orders/subscribers/billing", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"cursor":1,"count":2,"lag":1}`, body)

	status, body = do(t, app, http.MethodPost, next, "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"content":"two"`)

	status, _ = do(t, app, http.MethodPost, next, "")
	assert.Equal(t, http.StatusNoContent, status)

	status, body = do(t, app, http.MethodPut, "/topics/orders/subscribers/billing/cursor", `{"offset":1}`)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"cursor":1}`, body)

	status, body = do(t, app, http.MethodPost, next, "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"content":"two"`)

	status, _ = do(t, app, http.MethodPut, "/topics/orders/subscribers/billing/cursor", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, http.MethodDelete, "/topics/orders/subscribers/billing", "")
	assert.Equal(t, http.StatusNoContent, status)

	status, body = do(t, app, http.MethodGet, "/topics/orders/subscribers/billing", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"cursor":0,"count":2,"lag":2}`, body)
}

func TestStreamDrainsWithoutFollow(t *testing.T) {
	app, q := newTestApp(t, context.Background())
	publish(t, app, "orders", "one")
	publish(t, app, "orders", "two")

	status, body := do(t, app, http.MethodGet, "/topics/orders/subscribers/billing/stream?follow=false", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "id: 0\ndata: ")
	assert.Contains(t, body, "id: 1\ndata: ")
	assert.Contains(t, body, `"content":"two"`)

	pos, err := q.Cursor.Position(context.Background(), "orders", "billing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos.Lag)
}

func TestStreamFollowsUntilShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	app, q := newTestApp(t, ctx)
	publish(t, app, "orders", "before")

	go func() {
		time.Sleep(100 * time.Millisecond)
		q.Producer.Publish(context.Background(), "orders", "after", "")
	}()

	status, body := do(t, app, http.MethodGet, "/topics/orders/subscribers/billing/stream", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"content":"before"`)
	assert.Contains(t, body, `"content":"after"`)
}

func TestNotificationStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	app, q := newTestApp(t, ctx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		q.Producer.Publish(context.Background(), "orders", "hello", "")
	}()

	status, body := do(t, app, http.MethodGet, "/subscribe/orders,audit", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "data: Connected to topics: orders,audit")
	assert.Contains(t, body, "event: orders\ndata: 0\nid: 0\n\n")

	status, _ = do(t, app, http.MethodGet, "/subscribe/orders,a:b", "")
	assert.Equal(t, http.StatusBadRequest, status)
}
