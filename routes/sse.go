package routes

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/b-open-io/topicq/config"
	"github.com/b-open-io/topicq/pubsub"
	"github.com/b-open-io/topicq/topic"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

const pingInterval = 15 * time.Second

// SSERoutesConfig holds the configuration for SSE streaming routes
type SSERoutesConfig struct {
	Queue      *config.Queue
	SSEManager *pubsub.SSEManager
	Context    context.Context // streams end when it is done
}

func setSSEHeaders(c *fiber.Ctx) {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")
	c.Set("X-Accel-Buffering", "no")
	c.Set("Access-Control-Allow-Origin", "*")
}

// sseWriter serializes writes from the delivery loop and the keep-alive pinger
type sseWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (s *sseWriter) send(format string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
	return s.w.Flush()
}

// ping keeps the connection alive until ctx is done, cancelling on write failure
func (s *sseWriter) ping(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(": ping\n\n"); err != nil {
				cancel()
				return
			}
		}
	}
}

// RegisterSSERoutes registers Server-Sent Events streaming routes
func RegisterSSERoutes(group fiber.Router, cfg *SSERoutesConfig) {
	if cfg == nil || cfg.Queue == nil || cfg.SSEManager == nil || cfg.Context == nil {
		log.Fatal().Msg("RegisterSSERoutes: config, queue, SSEManager, and context are required")
	}

	q := cfg.Queue
	sseManager := cfg.SSEManager
	ctx := cfg.Context

	// Consumes as the named subscriber and streams every claimed message.
	// With follow=false the stream ends once the subscriber has caught up.
	// A message whose write fails is still consumed.
	group.Get("/topics/:topic/subscribers/:subscriber/stream", func(c *fiber.Ctx) error {
		topicName, subscriber, err := subscriberParams(c)
		if err != nil {
			return err
		}
		follow := c.QueryBool("follow", true)
		log.Info().Str("topic", topicName).Str("subscriber", subscriber).Bool("follow", follow).Msg("stream opened")

		setSSEHeaders(c)
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			streamCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			out := &sseWriter{w: w}

			handler := func(_ context.Context, msg *topic.Message) error {
				data, err := topic.Encode(msg)
				if err != nil {
					return err
				}
				if err := out.send("id: %d\ndata: %s\n\n", msg.ID, data); err != nil {
					cancel() // Connection closed
					return err
				}
				return nil
			}

			if !follow {
				if _, err := q.Consumer(topicName, subscriber).Consume(streamCtx, handler); err != nil && streamCtx.Err() == nil {
					out.send("event: error\ndata: %s\n\n", err.Error())
				}
				return
			}

			go out.ping(streamCtx, cancel)
			q.Listener(topicName, subscriber, handler).Run(streamCtx)
			log.Info().Str("topic", topicName).Str("subscriber", subscriber).Msg("stream closed")
		})
		return nil
	})

	// Notification stream: one event per append to any of the comma separated topics,
	// carrying the new offset. Nothing is consumed.
	group.Get("/subscribe/:topics", func(c *fiber.Ctx) error {
		topicsParam := strings.Clone(c.Params("topics"))
		byChannel := make(map[string]string)
		channels := make([]string, 0)
		for _, name := range strings.Split(topicsParam, ",") {
			name = strings.TrimSpace(name)
			if !validName(name) {
				return fiber.NewError(fiber.StatusBadRequest, "Invalid topic name")
			}
			channel := q.Log.Keys().Notify(name)
			if _, dup := byChannel[channel]; !dup {
				byChannel[channel] = name
				channels = append(channels, channel)
			}
		}
		log.Debug().Strs("channels", channels).Msg("notification subscription")

		setSSEHeaders(c)
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			out := &sseWriter{w: w}

			clientID, events := sseManager.RegisterClient(channels)
			defer sseManager.DeregisterClient(clientID)

			// Send initial connection message
			if err := out.send("data: Connected to topics: %s\n\n", topicsParam); err != nil {
				return // Connection closed
			}

			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case event, ok := <-events:
					if !ok {
						return
					}
					if err := out.send("event: %s\ndata: %d\nid: %d\n\n", byChannel[event.Topic], event.Offset, event.Offset); err != nil {
						return // Connection closed
					}
				case <-ticker.C:
					if err := out.send(": ping\n\n"); err != nil {
						return // Connection closed
					}
				case <-ctx.Done():
					return
				}
			}
		})
		return nil
	})
}
