package routes

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/b-open-io/topicq/config"
	"github.com/b-open-io/topicq/store"
	"github.com/b-open-io/topicq/topic"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// RoutesConfig holds the configuration for the queue routes
type RoutesConfig struct {
	Queue *config.Queue
}

// RangeQuery is the paging window of a message listing
type RangeQuery struct {
	From  int64
	Limit int
}

// ParseRangeQuery parses the from and limit query parameters
func ParseRangeQuery(c *fiber.Ctx) RangeQuery {
	q := RangeQuery{Limit: 100} // default limit

	if fromParam := c.Query("from"); fromParam != "" {
		if from, err := strconv.ParseInt(fromParam, 10, 64); err == nil && from > 0 {
			q.From = from
		}
	}

	if limitParam := c.Query("limit"); limitParam != "" {
		if l, err := strconv.Atoi(limitParam); err == nil && l > 0 {
			q.Limit = min(l, 1000) // cap at 1000
		}
	}
	return q
}

// validName rejects names that would break the key layout
func validName(name string) bool {
	return name != "" && !strings.Contains(name, ":")
}

// Path parameters are cloned because fiber reuses their memory once the handler
// returns, and streaming handlers keep them longer.
func topicParam(c *fiber.Ctx) (string, error) {
	topicName := strings.Clone(c.Params("topic"))
	if !validName(topicName) {
		return "", fiber.NewError(fiber.StatusBadRequest, "Invalid topic name")
	}
	return topicName, nil
}

func subscriberParams(c *fiber.Ctx) (topicName, subscriber string, err error) {
	if topicName, err = topicParam(c); err != nil {
		return "", "", err
	}
	subscriber = strings.Clone(c.Params("subscriber"))
	if !validName(subscriber) {
		return "", "", fiber.NewError(fiber.StatusBadRequest, "Invalid subscriber name")
	}
	return topicName, subscriber, nil
}

// storeError answers a failed queue operation
func storeError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrContention), errors.Is(err, store.ErrUnavailable):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = fiber.StatusGatewayTimeout
	}
	log.Error().Err(err).Str("path", c.Path()).Msg("queue operation failed")
	return c.Status(status).JSON(fiber.Map{
		"message": err.Error(),
	})
}

// RegisterRoutes registers topic and subscriber routes
func RegisterRoutes(group fiber.Router, cfg *RoutesConfig) {
	if cfg == nil || cfg.Queue == nil {
		log.Fatal().Msg("RegisterRoutes: config and queue are required")
	}

	q := cfg.Queue

	group.Get("/topics/:topic", func(c *fiber.Ctx) error {
		topicName, err := topicParam(c)
		if err != nil {
			return err
		}

		count, err := q.Log.Count(c.UserContext(), topicName)
		if err != nil {
			return storeError(c, err)
		}
		return c.JSON(fiber.Map{
			"topic": topicName,
			"count": count,
		})
	})

	group.Get("/topics/:topic/messages", func(c *fiber.Ctx) error {
		topicName, err := topicParam(c)
		if err != nil {
			return err
		}

		query := ParseRangeQuery(c)
		messages, err := q.Log.Range(c.UserContext(), topicName, query.From, query.Limit)
		if err != nil {
			return storeError(c, err)
		}
		return c.JSON(messages)
	})

	group.Get("/topics/:topic/messages/:offset", func(c *fiber.Ctx) error {
		topicName, err := topicParam(c)
		if err != nil {
			return err
		}
		offset, err := strconv.ParseInt(c.Params("offset"), 10, 64)
		if err != nil || offset < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"message": "Invalid offset parameter",
			})
		}

		msg, err := q.Log.Get(c.UserContext(), topicName, offset)
		if errors.Is(err, topic.ErrNotFound) || errors.Is(err, topic.ErrMalformed) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"message": "Message not found",
			})
		}
		if err != nil {
			return storeError(c, err)
		}
		return c.JSON(msg)
	})

	// Single-shot consumption, 204 once the subscriber has caught up
	group.Post("/topics/:topic/subscribers/:subscriber/next", func(c *fiber.Ctx) error {
		topicName, subscriber, err := subscriberParams(c)
		if err != nil {
			return err
		}

		msg, ok, err := q.Consumer(topicName, subscriber).ConsumeOne(c.UserContext())
		if err != nil {
			return storeError(c, err)
		}
		if !ok {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.JSON(msg)
	})

	group.Get("/topics/:topic/subscribers/:subscriber", func(c *fiber.Ctx) error {
		topicName, subscriber, err := subscriberParams(c)
		if err != nil {
			return err
		}

		pos, err := q.Cursor.Position(c.UserContext(), topicName, subscriber)
		if err != nil {
			return storeError(c, err)
		}
		return c.JSON(pos)
	})

	group.Put("/topics/:topic/subscribers/:subscriber/cursor", func(c *fiber.Ctx) error {
		topicName, subscriber, err := subscriberParams(c)
		if err != nil {
			return err
		}

		var body struct {
			Offset *int64 `json:"offset"`
		}
		if err := c.BodyParser(&body); err != nil || body.Offset == nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"message": "Invalid request body",
			})
		}

		cursor, err := q.Cursor.Seek(c.UserContext(), topicName, subscriber, *body.Offset)
		if err != nil {
			return storeError(c, err)
		}
		return c.JSON(fiber.Map{
			"cursor": cursor,
		})
	})

	group.Delete("/topics/:topic/subscribers/:subscriber", func(c *fiber.Ctx) error {
		topicName, subscriber, err := subscriberParams(c)
		if err != nil {
			return err
		}

		if err := q.Cursor.Reset(c.UserContext(), topicName, subscriber); err != nil {
			return storeError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}
