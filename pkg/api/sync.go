package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/consortium/pkg/auth"
	"github.com/platinummonkey/consortium/pkg/errs"
	"github.com/platinummonkey/consortium/pkg/httputil"
	"github.com/platinummonkey/consortium/pkg/livesync"
	"github.com/platinummonkey/consortium/pkg/moderation"
	"github.com/platinummonkey/consortium/pkg/passwordreset"
	"github.com/platinummonkey/consortium/pkg/rbac"
	"github.com/platinummonkey/consortium/pkg/registration"
	"github.com/platinummonkey/consortium/pkg/store"
)

const (
	defaultSyncInterval = 5 * time.Second
	defaultSyncWait     = 25 * time.Second
	maxSyncWait         = 55 * time.Second
)

// feedSpec maps a public feed name onto a collection and renders its
// documents for one reader
type feedSpec struct {
	collection string
	perm       rbac.Permission
	render     func(actor *auth.Principal, docs []store.Document) (interface{}, error)
}

var feedSpecs = map[string]feedSpec{
	"registrations": {
		collection: store.CollectionRegistrationRequests,
		perm:       rbac.PermListRegistrations,
		render: func(_ *auth.Principal, docs []store.Document) (interface{}, error) {
			reqs, err := decodeAll[registration.Request](docs)
			if err != nil {
				return nil, err
			}
			return registrationViews(reqs), nil
		},
	},
	"password-resets": {
		collection: store.CollectionPasswordChangeRequests,
		perm:       rbac.PermListPasswordResets,
		render: func(_ *auth.Principal, docs []store.Document) (interface{}, error) {
			reqs, err := decodeAll[passwordreset.Request](docs)
			if err != nil {
				return nil, err
			}
			return passwordResetViews(reqs), nil
		},
	},
	"uploads": {
		collection: store.CollectionUploads,
		perm:       rbac.PermListUploads,
		render: func(actor *auth.Principal, docs []store.Document) (interface{}, error) {
			recs, err := decodeAll[moderation.Record](docs)
			if err != nil {
				return nil, err
			}
			return uploadViews(store.Filter(recs, func(r moderation.Record) bool {
				switch {
				case actor.IsSuperAdmin():
					return true
				case actor.IsLibrarian():
					return rbac.SameCollege(actor, r.CollegeName)
				default:
					return r.ApprovalStatus == moderation.StatusApproved
				}
			})), nil
		},
	},
}

func decodeAll[T any](docs []store.Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		rec, err := store.Decode[T](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// feed shares one hub subscription between all HTTP readers of a collection.
// changed is closed and replaced after every fetch so any number of long
// polls can wait on it.
type feed struct {
	sub *livesync.Subscription

	mu      sync.Mutex
	changed chan struct{}
}

func (f *feed) state() (livesync.Snapshot, <-chan struct{}) {
	f.mu.Lock()
	ch := f.changed
	f.mu.Unlock()
	return f.sub.Snapshot(), ch
}

func (f *feed) relay() {
	for {
		select {
		case <-f.sub.Changes():
			f.mu.Lock()
			close(f.changed)
			f.changed = make(chan struct{})
			f.mu.Unlock()
		case <-f.sub.Done():
			f.mu.Lock()
			close(f.changed)
			f.changed = make(chan struct{})
			f.mu.Unlock()
			return
		}
	}
}

type feeds struct {
	hub      *livesync.Hub
	interval time.Duration
	log      logrus.FieldLogger
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	byName map[string]*feed
}

func newFeeds(hub *livesync.Hub, interval time.Duration, log logrus.FieldLogger) *feeds {
	if interval < livesync.MinInterval {
		interval = defaultSyncInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &feeds{
		hub:      hub,
		interval: interval,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		byName:   make(map[string]*feed),
	}
}

// get returns the live feed of collection, subscribing on first use or after
// the previous subscription stopped
func (fs *feeds) get(collection string) (*feed, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if f, ok := fs.byName[collection]; ok {
		select {
		case <-f.sub.Done():
		default:
			return f, nil
		}
	}

	sub, err := fs.hub.Subscribe(fs.ctx, collection, fs.interval)
	if err != nil {
		return nil, err
	}
	f := &feed{sub: sub, changed: make(chan struct{})}
	go f.relay()
	fs.byName[collection] = f
	fs.log.WithField("collection", collection).Debug("Started live-sync feed")
	return f, nil
}

func (fs *feeds) close() {
	fs.cancel()
	fs.mu.Lock()
	all := make([]*feed, 0, len(fs.byName))
	for _, f := range fs.byName {
		all = append(all, f)
	}
	fs.byName = make(map[string]*feed)
	fs.mu.Unlock()

	for _, f := range all {
		f.sub.Unsubscribe()
	}
}

// SyncResponse is one state of a live-sync feed
type SyncResponse struct {
	Feed      string      `json:"feed"`
	Version   uint64      `json:"version"`
	FetchedAt time.Time   `json:"fetchedAt"`
	Items     interface{} `json:"items"`
	Stale     bool        `json:"stale,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// lookupFeed resolves the feed path variable and checks the reader may see it
func (s *Server) lookupFeed(w http.ResponseWriter, r *http.Request) (string, feedSpec, bool) {
	name, ok := httputil.ParsePathStringOrError(w, r, "feed")
	if !ok {
		return "", feedSpec{}, false
	}
	spec, ok := feedSpecs[name]
	if !ok {
		httputil.WriteDomainError(w, errs.NotFound("feed", name))
		return "", feedSpec{}, false
	}
	if err := rbac.Require(principal(r), spec.perm); err != nil {
		httputil.WriteDomainError(w, err)
		return "", feedSpec{}, false
	}
	return name, spec, true
}

// syncFeed answers with the current state of a feed once its version is
// newer than since, waiting up to wait for a change
func (s *Server) syncFeed(w http.ResponseWriter, r *http.Request) {
	name, spec, ok := s.lookupFeed(w, r)
	if !ok {
		return
	}
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			httputil.WriteBadRequest(w, "since must be a version number")
			return
		}
		since = n
	}
	wait, err := httputil.ParseQueryDuration(r, "wait", defaultSyncWait)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if wait > maxSyncWait {
		wait = maxSyncWait
	}

	f, err := s.feeds.get(spec.collection)
	if err != nil {
		httputil.WriteDomainError(w, errs.Transport("subscribe "+spec.collection, err))
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	snap, changed := f.state()
poll:
	for snap.Version <= since {
		select {
		case <-changed:
			snap, changed = f.state()
		case <-timer.C:
			break poll
		case <-r.Context().Done():
			return
		}
	}

	items, err := spec.render(principal(r), snap.Items)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	resp := SyncResponse{
		Feed:      name,
		Version:   snap.Version,
		FetchedAt: snap.FetchedAt,
		Items:     items,
	}
	if snap.Err != nil {
		resp.Stale = true
		resp.Error = errs.UserMessage(snap.Err)
	}
	httputil.WriteSuccess(w, resp)
}

// refreshFeed fetches a feed now instead of waiting for the next poll
func (s *Server) refreshFeed(w http.ResponseWriter, r *http.Request) {
	_, spec, ok := s.lookupFeed(w, r)
	if !ok {
		return
	}
	if _, err := s.feeds.get(spec.collection); err != nil {
		httputil.WriteDomainError(w, errs.Transport("subscribe "+spec.collection, err))
		return
	}
	if err := s.feeds.hub.ForceRefresh(r.Context(), spec.collection); err != nil {
		httputil.WriteDomainError(w, errs.Transport("refresh "+spec.collection, err))
		return
	}
	httputil.WriteNoContent(w)
}
