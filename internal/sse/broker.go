package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/openclaw/file-relay-go/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second

	clientBufferSize = 16
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client receives the events of one topic. Done is closed when the client is
// unsubscribed or the broker shuts down.
type Client struct {
	Topic  string
	Events chan Event
	Done   chan struct{}
}

// Broker fans lifecycle events out to subscribed clients. With a redis client
// events travel over pubsub so every replica sees them; without one they are
// delivered in process.
type Broker struct {
	redis   *redisclient.Client
	clients map[string]map[*Client]bool // topic -> set of clients
	subs    map[string]*redisSub
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		subs:    make(map[string]*redisSub),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// redisSub is the pubsub subscription of one topic, from its first subscriber
// to its last unsubscribe. ready is closed once the subscription is confirmed
// or has failed.
type redisSub struct {
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
}

func (b *Broker) Subscribe(topic string) *Client {
	client := &Client{
		Topic:  topic,
		Events: make(chan Event, clientBufferSize),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	first := b.clients[topic] == nil
	if first {
		b.clients[topic] = make(map[*Client]bool)
	}
	b.clients[topic][client] = true
	clientCount := len(b.clients[topic])

	var sub *redisSub
	if b.redis != nil {
		if first {
			ctx, cancel := context.WithCancel(b.ctx)
			b.subs[topic] = &redisSub{ctx: ctx, cancel: cancel, ready: make(chan struct{})}
		}
		sub = b.subs[topic]
	}
	b.mu.Unlock()

	if sub != nil {
		if first {
			b.subscribeToRedis(topic, sub)
		} else {
			<-sub.ready
		}
	}

	log.Debug().
		Str("topic", topic).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients, ok := b.clients[client.Topic]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.Done)

	if len(clients) == 0 {
		delete(b.clients, client.Topic)
		if sub, ok := b.subs[client.Topic]; ok {
			sub.cancel()
			delete(b.subs, client.Topic)
		}
	}

	log.Debug().
		Str("topic", client.Topic).
		Int("clientCount", len(clients)).
		Msg("sse client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, topic string, event Event) error {
	if b.redis == nil {
		b.broadcast(topic, event)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.EventChannel(topic), data).Err()
}

// subscribeToRedis returns once the subscription is confirmed so that events
// published afterwards are not missed. The subscription lives until sub is
// canceled.
func (b *Broker) subscribeToRedis(topic string, sub *redisSub) {
	defer close(sub.ready)

	channel := redisclient.EventChannel(topic)
	pubsub := b.redis.Subscribe(sub.ctx, channel)
	if _, err := pubsub.Receive(sub.ctx); err != nil {
		if sub.ctx.Err() == nil {
			log.Error().Err(err).Str("channel", channel).Msg("redis pubsub subscribe failed")
		}
		sub.cancel()
		pubsub.Close()
		return
	}

	// The last client may have left while the subscription was pending.
	if sub.ctx.Err() != nil {
		pubsub.Close()
		return
	}

	log.Debug().
		Str("topic", topic).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	go b.forward(sub.ctx, topic, pubsub.Channel(), pubsub.Close)
}

func (b *Broker) forward(ctx context.Context, topic string, ch <-chan *goredis.Message, closeFn func() error) {
	defer closeFn()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(topic, event)
		}
	}
}

func (b *Broker) broadcast(topic string, event Event) {
	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients[topic]))
	for client := range b.clients[topic] {
		clients = append(clients, client)
	}
	b.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("topic", topic).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
	b.subs = make(map[string]*redisSub)
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, clients := range b.clients {
		total += len(clients)
	}
	return total
}
