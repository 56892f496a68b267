package livesync

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/consortium/pkg/observability"
	"github.com/platinummonkey/consortium/pkg/store"
)

// MinInterval is the shortest poll interval accepted by Subscribe
const MinInterval = 100 * time.Millisecond

// fetchTimeout bounds one shared store read
const fetchTimeout = 30 * time.Second

// Snapshot is the latest state of a subscription. Err is the error of the
// most recent fetch; Items is always the last successful result. Version
// grows with every successful fetch and when a healthy subscription starts
// failing, so waiters see both new data and a newly stale state.
type Snapshot struct {
	Items     []store.Document
	Err       error
	FetchedAt time.Time
	Version   uint64
}

// HubConfig configures a hub
type HubConfig struct {
	Metrics *observability.Metrics
	Logger  logrus.FieldLogger
}

// Hub polls collections on behalf of subscribers
type Hub struct {
	store   store.Store
	metrics *observability.Metrics
	log     logrus.FieldLogger
	group   singleflight.Group

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewHub creates a hub reading from s
func NewHub(s store.Store, cfg HubConfig) *Hub {
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Hub{
		store:   s,
		metrics: cfg.Metrics,
		log:     log.WithField("component", "livesync"),
		subs:    make(map[string]map[*Subscription]struct{}),
	}
}

// fetch lists collection, sharing the read with concurrent callers. The read
// is not tied to the cancellation of whichever caller started it.
func (h *Hub) fetch(ctx context.Context, collection string) ([]store.Document, error) {
	v, err, _ := h.group.Do(collection, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		start := time.Now()
		docs, err := h.store.List(ctx, collection)
		h.metrics.RecordSyncFetch(collection, err, time.Since(start))
		return docs, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.Document), nil
}

// Subscribe starts polling collection every interval. The first fetch has
// completed when Subscribe returns.
func (h *Hub) Subscribe(ctx context.Context, collection string, interval time.Duration) (*Subscription, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	if interval < MinInterval {
		return nil, fmt.Errorf("poll interval %v is below the minimum of %v", interval, MinInterval)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		hub:        h,
		collection: collection,
		interval:   interval,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		changes:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("hub is closed")
	}
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[*Subscription]struct{})
	}
	h.subs[collection][sub] = struct{}{}
	h.mu.Unlock()
	h.metrics.AddSubscribers(collection, 1)

	docs, err := h.fetch(subCtx, collection)
	sub.apply(docs, err)

	go sub.loop(subCtx)
	return sub, nil
}

func (h *Hub) subscribers(collection string) []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Subscription, 0, len(h.subs[collection]))
	for sub := range h.subs[collection] {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	set := h.subs[sub.collection]
	_, ok := set[sub]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.collection)
	}
	h.mu.Unlock()
	if ok {
		h.metrics.AddSubscribers(sub.collection, -1)
	}
}

// ForceRefresh fetches collection now and applies the result to every
// subscriber of it. It returns the fetch error, if any.
func (h *Hub) ForceRefresh(ctx context.Context, collection string) error {
	docs, err := h.fetch(ctx, collection)
	for _, sub := range h.subscribers(collection) {
		sub.apply(docs, err)
	}
	return err
}

// TriggerUpdate hints that collection changed. Subscribers schedule a fetch;
// hints arriving before that fetch starts are merged into it.
func (h *Hub) TriggerUpdate(collection string) {
	for _, sub := range h.subscribers(collection) {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions of collection
func (h *Hub) Subscribers(collection string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[collection])
}

// Close stops every subscription and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.Unsubscribe()
	}
}

// Subscription is one polling consumer of a collection
type Subscription struct {
	hub        *Hub
	collection string
	interval   time.Duration
	cancel     context.CancelFunc
	wake       chan struct{}
	changes    chan struct{}
	done       chan struct{}
	once       sync.Once

	mu   sync.RWMutex
	snap Snapshot
}

// Collection returns the subscribed collection
func (s *Subscription) Collection() string {
	return s.collection
}

// Snapshot returns the current snapshot. The item slice is shared between
// readers and must not be modified.
func (s *Subscription) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Changes signals after each fetch. Signals are coalesced; read Snapshot
// for the state.
func (s *Subscription) Changes() <-chan struct{} {
	return s.changes
}

// Done is closed once the subscription stopped
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe stops polling and waits for the poll loop to exit
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.hub.remove(s)
	})
	<-s.done
}

func (s *Subscription) apply(docs []store.Document, err error) {
	s.mu.Lock()
	if err != nil {
		if s.snap.Err == nil {
			s.snap.Version++
		}
		s.snap.Err = err
	} else {
		s.snap = Snapshot{
			Items:     docs,
			FetchedAt: time.Now(),
			Version:   s.snap.Version + 1,
		}
	}
	s.mu.Unlock()

	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Subscription) loop(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.hub.log.WithFields(logrus.Fields{
				"collection": s.collection,
				"panic":      r,
				"stack":      string(debug.Stack()),
			}).Error("PANIC recovered in live-sync poll loop")
		}
	}()
	// a cancelled parent context also has to unregister the subscription
	defer s.once.Do(func() {
		s.cancel()
		s.hub.remove(s)
	})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}

		docs, err := s.hub.fetch(ctx, s.collection)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.hub.log.WithError(err).WithField("collection", s.collection).Warn("Live-sync fetch failed, keeping last snapshot")
		}
		s.apply(docs, err)
	}
}
