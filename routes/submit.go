package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// PublishRequest is the body of a publish call
type PublishRequest struct {
	Content   string `json:"content"`
	ExtraInfo string `json:"extraInfo"`
}

// RegisterSubmitRoutes registers the publish route
func RegisterSubmitRoutes(group fiber.Router, cfg *RoutesConfig) {
	if cfg == nil || cfg.Queue == nil {
		log.Fatal().Msg("RegisterSubmitRoutes: config and queue are required")
	}

	producer := cfg.Queue.Producer

	group.Post("/topics/:topic/messages", func(c *fiber.Ctx) error {
		topicName, err := topicParam(c)
		if err != nil {
			return err
		}

		var req PublishRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"message": "Invalid request body",
			})
		}

		msg, err := producer.Publish(c.UserContext(), topicName, req.Content, req.ExtraInfo)
		if err != nil {
			return storeError(c, err)
		}

		log.Debug().Str("topic", topicName).Int64("offset", msg.ID).Msg("published message")
		return c.Status(fiber.StatusCreated).JSON(msg)
	})
}
