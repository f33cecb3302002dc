package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"triptrack/internal/metrics"
	"triptrack/internal/session"
)

// Channel is the redis channel snapshots are relayed on.
const Channel = "triptrack:snapshots"

// Hub fans session snapshots out to local clients and, when redis is
// configured, to other processes. Snapshots relayed from other processes are
// delivered to local clients too.
type Hub struct {
	id     string
	redis  *redis.Client
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	latest  []byte

	outbox chan []byte
	done   chan struct{}
}

// Client is one local subscriber. Send is closed on Unregister.
type Client struct {
	ID   string
	Send chan []byte
}

type envelope struct {
	Origin   string           `json:"origin"`
	Snapshot session.Snapshot `json:"snapshot"`
}

// NewHub starts the redis relay goroutines when redisClient is set. They run
// until ctx is done.
func NewHub(ctx context.Context, redisClient *redis.Client, logger zerolog.Logger) *Hub {
	h := &Hub{
		id:      uuid.NewString(),
		redis:   redisClient,
		logger:  logger.With().Str("component", "stream").Logger(),
		clients: map[*Client]struct{}{},
		outbox:  make(chan []byte, 64),
		done:    make(chan struct{}),
	}

	if redisClient != nil {
		ready := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.publishRedis(ctx)
		}()
		go func() {
			defer wg.Done()
			h.subscribeRedis(ctx, ready)
		}()
		go func() {
			wg.Wait()
			close(h.done)
		}()
		<-ready
	} else {
		close(h.done)
	}
	return h
}

// Register adds a client. The latest snapshot, if any, is queued first.
func (h *Hub) Register() *Client {
	client := &Client{
		ID:   uuid.NewString(),
		Send: make(chan []byte, 64),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	if h.latest != nil {
		client.Send <- h.latest
	}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.StreamSubscribers.Set(float64(count))
	h.logger.Debug().Str("client", client.ID).Msg("Client registered")
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.Send)
	count := len(h.clients)
	h.mu.Unlock()

	metrics.StreamSubscribers.Set(float64(count))
	h.logger.Debug().Str("client", client.ID).Msg("Client unregistered")
}

// Publish delivers snap to local clients and queues it for redis. It never
// blocks; slow clients and a full redis queue drop messages.
func (h *Hub) Publish(snap session.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode snapshot")
		return
	}
	h.broadcast(payload)

	if h.redis == nil {
		return
	}
	relayed, err := json.Marshal(envelope{Origin: h.id, Snapshot: snap})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode relayed snapshot")
		return
	}
	select {
	case h.outbox <- relayed:
	default:
		h.logger.Warn().Msg("Redis relay queue full, dropping snapshot")
	}
}

// Latest returns the most recent encoded snapshot.
func (h *Hub) Latest() ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.latest != nil
}

// Done is closed once both redis relay goroutines have returned. The redis
// client must stay open until then.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = payload
	for client := range h.clients {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) publishRedis(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-h.outbox:
			if err := h.redis.Publish(ctx, Channel, payload).Err(); err != nil && ctx.Err() == nil {
				h.logger.Warn().Err(err).Msg("Redis publish failed")
			}
		}
	}
}

func (h *Hub) subscribeRedis(ctx context.Context, ready chan<- struct{}) {
	pubsub := h.redis.Subscribe(ctx, Channel)
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	close(ready)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Redis subscribe failed, relaying outbound only")
		return
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn().Err(err).Msg("Ignoring malformed relayed snapshot")
				continue
			}
			if env.Origin == h.id {
				continue
			}
			payload, err := json.Marshal(env.Snapshot)
			if err != nil {
				continue
			}
			h.broadcast(payload)
		}
	}
}
