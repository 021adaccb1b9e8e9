package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/b-open-io/topicq/config"
	"github.com/b-open-io/topicq/processor"
	"github.com/b-open-io/topicq/pubsub"
	"github.com/b-open-io/topicq/routes"
	"github.com/b-open-io/topicq/subscriber"
	"github.com/b-open-io/topicq/topic"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	CFG     config.Config
	LISTEN  string
	WORKERS int
)

func init() {
	if level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var err error
	if CFG, err = config.Load(".env"); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	start := CFG.StartPosition.String()

	// Define command-line flags with env var defaults
	flag.StringVar(&CFG.StoreURL, "store", CFG.StoreURL, "Store connection string")
	flag.StringVar(&CFG.PubSubURL, "pubsub", CFG.PubSubURL, "PubSub connection string")
	flag.StringVar(&CFG.Namespace, "ns", CFG.Namespace, "Key namespace")
	flag.StringVar(&start, "start", start, "Start position of new subscribers: latest, earliest or tail")
	flag.IntVar(&CFG.Port, "p", CFG.Port, "Port to listen on")
	flag.DurationVar(&CFG.PollInterval, "poll", CFG.PollInterval, "Listener poll interval")
	flag.StringVar(&LISTEN, "listen", os.Getenv("LISTEN"), "Comma separated topic/subscriber pairs to consume and log")
	flag.IntVar(&WORKERS, "workers", 0, "Run each -listen pair as a pool of this many polling workers instead of a listener")
	flag.Parse()

	if CFG.StartPosition, err = subscriber.ParseStartPosition(start); err != nil {
		log.Fatal().Err(err).Msg("invalid start position")
	}
}

// parseListen parses "orders/billing,orders/audit"
func parseListen(value string) ([][2]string, error) {
	var pairs [][2]string
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		topicName, name, ok := strings.Cut(pair, "/")
		if !ok || topicName == "" || name == "" {
			return nil, fmt.Errorf("invalid listener %q, want topic/subscriber", pair)
		}
		pairs = append(pairs, [2]string{topicName, name})
	}
	return pairs, nil
}

func main() {
	log.Info().Int("port", CFG.Port).Msg("Starting topicq")

	// Create context with cancellation on OS signals
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	q, err := config.New(CFG)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create queue")
	}
	defer q.Close()

	listeners, err := parseListen(LISTEN)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -listen")
	}

	sseManager := pubsub.NewSSEManager(ctx, q.PubSub)
	defer sseManager.Stop()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	routes.RegisterRoutes(app, &routes.RoutesConfig{Queue: q})
	routes.RegisterSubmitRoutes(app, &routes.RoutesConfig{Queue: q})
	routes.RegisterSSERoutes(app, &routes.SSERoutesConfig{Queue: q, SSEManager: sseManager, Context: ctx})

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		topicName, name := l[0], l[1]
		handler := func(ctx context.Context, msg *topic.Message) error {
			log.Info().
				Str("topic", msg.Topic).
				Str("subscriber", name).
				Int64("offset", msg.ID).
				Str("content", msg.Content).
				Msg("received")
			return nil
		}

		var run func(context.Context) error
		if WORKERS > 0 {
			cfg := processor.DefaultProcessorConfig()
			cfg.Topic = topicName
			cfg.Subscriber = name
			cfg.Concurrency = WORKERS
			cfg.EmptyQueueSleep = CFG.PollInterval
			run = processor.NewQueueProcessor(cfg, q.Advancer, handler).Start
		} else {
			run = q.Listener(topicName, name, handler).Run
		}

		g.Go(func() error {
			if err := run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", CFG.Port))
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		return app.ShutdownWithTimeout(5 * time.Second)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped")
	}
}
