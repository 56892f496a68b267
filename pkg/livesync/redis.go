package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/consortium/pkg/async"
)

// DefaultChannelPrefix prefixes the pub/sub channel of every collection
const DefaultChannelPrefix = "livesync"

const publishTimeout = 5 * time.Second

type hint struct {
	Collection string `json:"collection"`
	Origin     string `json:"origin"`
}

// RedisInvalidator relays TriggerUpdate hints between processes. Local hints
// reach the local hub at once and are published on <prefix>:<collection>;
// hints published by other processes are fed into the local hub.
type RedisInvalidator struct {
	client *redis.Client
	hub    *Hub
	prefix string
	origin string
	log    logrus.FieldLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisInvalidator creates an invalidator for hub
func NewRedisInvalidator(client *redis.Client, hub *Hub, prefix string, log logrus.FieldLogger) *RedisInvalidator {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if log == nil {
		log = logrus.New()
	}
	return &RedisInvalidator{
		client: client,
		hub:    hub,
		prefix: prefix,
		origin: uuid.NewString(),
		log:    log.WithField("component", "livesync-redis"),
	}
}

// Channel returns the pub/sub channel of collection
func (r *RedisInvalidator) Channel(collection string) string {
	return r.prefix + ":" + collection
}

// TriggerUpdate implements workflow.Invalidator
func (r *RedisInvalidator) TriggerUpdate(collection string) {
	r.hub.TriggerUpdate(collection)

	payload, err := json.Marshal(hint{Collection: collection, Origin: r.origin})
	if err != nil {
		r.log.WithError(err).Warn("Failed to encode invalidation hint")
		return
	}
	async.SafeGo(context.Background(), r.log, publishTimeout, "livesync.publish", func(ctx context.Context) error {
		return r.client.Publish(ctx, r.Channel(collection), payload).Err()
	})
}

// Start subscribes to remote hints and relays them until Close is called or
// ctx ends
func (r *RedisInvalidator) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return fmt.Errorf("invalidator already started")
	}

	ps := r.client.PSubscribe(ctx, r.prefix+":*")
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to invalidation hints: %w", err)
	}
	r.pubsub = ps
	r.done = make(chan struct{})

	go r.relay(ctx, ps.Channel(), r.done)
	return nil
}

func (r *RedisInvalidator) relay(ctx context.Context, msgs <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			r.handle(msg)
		}
	}
}

func (r *RedisInvalidator) handle(msg *redis.Message) {
	var h hint
	if err := json.Unmarshal([]byte(msg.Payload), &h); err != nil {
		r.log.WithError(err).WithField("channel", msg.Channel).Debug("Ignoring malformed invalidation hint")
		return
	}
	if h.Origin == r.origin {
		return
	}
	collection := h.Collection
	if collection == "" {
		collection = strings.TrimPrefix(msg.Channel, r.prefix+":")
	}
	r.hub.TriggerUpdate(collection)
}

// Close stops relaying remote hints
func (r *RedisInvalidator) Close() error {
	r.mu.Lock()
	ps, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
