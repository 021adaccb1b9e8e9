package pubsub

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// sseClient is one streaming connection
type sseClient struct {
	topics []string
	events chan Event
}

// SSEManager shares a single notifier subscription between many streaming clients.
// The subscription is rebuilt whenever the set of requested topics changes.
type SSEManager struct {
	pubsub             PubSub
	mu                 sync.Mutex
	clients            map[string]*sseClient          // clientID -> client
	topicClients       map[string]map[string]struct{} // topic -> clientIDs
	events             atomic.Value                   // <-chan Event of the current subscription
	subscriptionCancel context.CancelFunc
	nextID             atomic.Uint64
	ctx                context.Context
	cancel             context.CancelFunc
}

// NewSSEManager creates a new SSE manager
func NewSSEManager(ctx context.Context, pubsub PubSub) *SSEManager {
	managerCtx, cancel := context.WithCancel(ctx)

	manager := &SSEManager{
		pubsub:       pubsub,
		clients:      make(map[string]*sseClient),
		topicClients: make(map[string]map[string]struct{}),
		ctx:          managerCtx,
		cancel:       cancel,
	}
	manager.events.Store((<-chan Event)(nil))

	// Start broadcast loop immediately
	go manager.broadcastLoop()

	return manager
}

// RegisterClient registers a client for topics and returns its ID and event channel.
// Events are dropped for a client that is not keeping up.
func (s *SSEManager) RegisterClient(topics []string) (string, <-chan Event) {
	clientID := "sse_" + strconv.FormatUint(s.nextID.Add(1), 10)
	client := &sseClient{topics: topics, events: make(chan Event, 100)}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[clientID] = client
	for _, topic := range topics {
		if s.topicClients[topic] == nil {
			s.topicClients[topic] = make(map[string]struct{})
		}
		s.topicClients[topic][clientID] = struct{}{}
	}

	log.Debug().Str("client", clientID).Strs("topics", topics).Msg("SSEManager: registered client")
	s.updateSubscriptions()
	return clientID, client.events
}

// DeregisterClient removes a client and closes its event channel
func (s *SSEManager) DeregisterClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, exists := s.clients[clientID]
	if !exists {
		return // Already removed
	}

	for _, topic := range client.topics {
		delete(s.topicClients[topic], clientID)
		if len(s.topicClients[topic]) == 0 {
			delete(s.topicClients, topic)
		}
	}
	delete(s.clients, clientID)
	close(client.events)

	log.Debug().Str("client", clientID).Msg("SSEManager: deregistered client")
	s.updateSubscriptions()
}

// updateSubscriptions resubscribes to the topics of the current clients (must be called with lock held).
// The new subscription is stored before the old one is cancelled so the broadcast
// loop never waits on a closed channel with nothing to replace it.
func (s *SSEManager) updateSubscriptions() {
	topics := make([]string, 0, len(s.topicClients))
	for topic := range s.topicClients {
		topics = append(topics, topic)
	}

	oldCancel := s.subscriptionCancel
	s.subscriptionCancel = nil

	if len(topics) > 0 {
		subCtx, subCancel := context.WithCancel(s.ctx)
		events, err := s.pubsub.Subscribe(subCtx, topics)
		if err != nil {
			subCancel()
			log.Error().Err(err).Strs("topics", topics).Msg("SSEManager: failed to update subscriptions")
			events = nil
		} else {
			s.subscriptionCancel = subCancel
		}
		s.events.Store(events)
	} else {
		s.events.Store((<-chan Event)(nil))
	}

	if oldCancel != nil {
		oldCancel()
	}
}

// broadcastLoop distributes events to clients
func (s *SSEManager) broadcastLoop() {
	for {
		events := s.events.Load().(<-chan Event)
		if events == nil {
			// No subscription yet, wait for first client
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		select {
		case event, ok := <-events:
			if !ok {
				// Replaced or cancelled subscription
				s.events.CompareAndSwap(events, (<-chan Event)(nil))
				continue
			}
			s.broadcastToClients(event)
		case <-s.ctx.Done():
			return
		}
	}
}

// broadcastToClients sends an event to every client registered for its topic
func (s *SSEManager) broadcastToClients(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for clientID := range s.topicClients[event.Topic] {
		select {
		case s.clients[clientID].events <- event:
		default:
			log.Debug().Str("client", clientID).Str("topic", event.Topic).Msg("SSEManager: skipping slow client")
		}
	}
}

// Stop stops the SSE manager
func (s *SSEManager) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
