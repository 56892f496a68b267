package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/consortium/pkg/errs"
)

// maxWatchRetries bounds optimistic retries when a watched key changes under us
const maxWatchRetries = 5

type redisEnvelope struct {
	Seq     int64           `json:"seq"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// RedisStore keeps one hash per collection, keyed by record id
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store on an existing client. Keys are namespaced by prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "consortium"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(collection string) string {
	return fmt.Sprintf("%s:records:%s", r.prefix, collection)
}

func (r *RedisStore) seqKey() string {
	return r.prefix + ":records:seq"
}

// List implements Store
func (r *RedisStore) List(ctx context.Context, collection string) ([]Document, error) {
	fields, err := r.client.HGetAll(ctx, r.key(collection)).Result()
	if err != nil {
		return nil, errs.Transport("store.list", err)
	}

	type seqDoc struct {
		seq int64
		doc Document
	}
	items := make([]seqDoc, 0, len(fields))
	for id, raw := range fields {
		var env redisEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
		}
		items = append(items, seqDoc{seq: env.Seq, doc: Document{ID: id, Version: env.Version, Data: env.Data}})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })

	docs := make([]Document, len(items))
	for i, item := range items {
		docs[i] = item.doc
	}
	return docs, nil
}

// Get implements Store
func (r *RedisStore) Get(ctx context.Context, collection, id string) (Document, error) {
	env, err := r.load(ctx, r.client, collection, id)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Version: env.Version, Data: env.Data}, nil
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (r *RedisStore) load(ctx context.Context, c hashGetter, collection, id string) (redisEnvelope, error) {
	var env redisEnvelope
	raw, err := c.HGet(ctx, r.key(collection), id).Bytes()
	if err == redis.Nil {
		return env, errs.NotFound(collection, id)
	}
	if err != nil {
		return env, errs.Transport("store.get", err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	return env, nil
}

// Create implements Store
func (r *RedisStore) Create(ctx context.Context, collection string, doc Document) (Document, error) {
	data, err := prepareCreate(collection, doc)
	if err != nil {
		return Document{}, err
	}

	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return Document{}, errs.Transport("store.create", err)
	}

	raw, err := json.Marshal(redisEnvelope{Seq: seq, Version: 1, Data: data})
	if err != nil {
		return Document{}, err
	}

	created, err := r.client.HSetNX(ctx, r.key(collection), doc.ID, raw).Result()
	if err != nil {
		return Document{}, errs.Transport("store.create", err)
	}
	if !created {
		return Document{}, errs.Conflict(collection, doc.ID)
	}
	return Document{ID: doc.ID, Version: 1, Data: data}, nil
}

// Update implements Store using WATCH/MULTI on the collection hash
func (r *RedisStore) Update(ctx context.Context, collection, id string, patch Patch) (Document, error) {
	key := r.key(collection)
	var result Document

	txf := func(tx *redis.Tx) error {
		env, err := r.load(ctx, tx, collection, id)
		if err != nil {
			return err
		}

		data, err := applyPatch(collection, id, env.Version, env.Data, patch)
		if err != nil {
			return err
		}

		next := redisEnvelope{Seq: env.Seq, Version: env.Version + 1, Data: data}
		raw, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, raw)
			return nil
		})
		if err != nil {
			return err
		}

		result = Document{ID: id, Version: next.Version, Data: data}
		return nil
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			// the hash changed between read and exec; re-evaluate the preconditions
			continue
		}
		var kindErr *errs.Error
		if errors.As(err, &kindErr) || errors.Is(err, errs.ErrTransport) {
			return Document{}, err
		}
		return Document{}, errs.Transport("store.update", err)
	}

	return Document{}, errs.Conflict(collection, id)
}

// Delete implements Store
func (r *RedisStore) Delete(ctx context.Context, collection, id string) error {
	n, err := r.client.HDel(ctx, r.key(collection), id).Result()
	if err != nil {
		return errs.Transport("store.delete", err)
	}
	if n == 0 {
		return errs.NotFound(collection, id)
	}
	return nil
}
