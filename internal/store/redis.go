package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/actrun/pkg/schema"
)

// RedisStore implements Store on Redis. Documents are stored as JSON strings;
// sorted sets and sets keep the listing order.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "actrun"

// NewRedisStore wraps a go-redis client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Migrate verifies connectivity; Redis has no schema.
func (s *RedisStore) Migrate(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "redis unreachable").WithCause(err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }

// --- Acts ---

func (s *RedisStore) GetAct(ctx context.Context, id string) (*schema.Act, error) {
	act := &schema.Act{}
	if err := s.getDoc(ctx, s.key("act", id), act); err != nil {
		return nil, notFoundOr(err, "act", id)
	}
	return act, nil
}

func (s *RedisStore) SetAct(ctx context.Context, act *schema.Act) error {
	doc, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("marshal act: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("act", act.ID), doc, 0)
		pipe.ZAddNX(ctx, s.key("acts"), redis.Z{Score: score(act.CreatedAt), Member: act.ID})
		return nil
	})
	return err
}

func (s *RedisStore) ListActs(ctx context.Context, filter ActFilter) ([]*schema.Act, error) {
	ids, err := s.client.ZRevRange(ctx, s.key("acts"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	all, err := mgetDocs[schema.Act](ctx, s, "act", ids)
	if err != nil {
		return nil, err
	}
	var out []*schema.Act
	skipped := 0
	for _, act := range all {
		if !filter.Matches(act) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, act)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// --- Generations ---

func (s *RedisStore) GetGeneration(ctx context.Context, id string) (*schema.Generation, error) {
	gen := &schema.Generation{}
	if err := s.getDoc(ctx, s.key("gen", id), gen); err != nil {
		return nil, notFoundOr(err, "generation", id)
	}
	return gen, nil
}

func (s *RedisStore) SetGeneration(ctx context.Context, gen *schema.Generation) error {
	doc, err := json.Marshal(gen)
	if err != nil {
		return fmt.Errorf("marshal generation: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("gen", gen.ID), doc, 0)
		if actID := gen.Context.Origin.ActID; actID != "" {
			pipe.ZAddNX(ctx, s.key("act", actID, "gens"), redis.Z{Score: score(gen.CreatedAt), Member: gen.ID})
		}
		return nil
	})
	return err
}

func (s *RedisStore) ListGenerations(ctx context.Context, actID string) ([]*schema.Generation, error) {
	ids, err := s.client.ZRange(ctx, s.key("act", actID, "gens"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return mgetDocs[schema.Generation](ctx, s, "gen", ids)
}

// --- Node generation index ---

func (s *RedisStore) GetNodeGenerationIndex(ctx context.Context, scope, nodeID string) (*schema.NodeGenerationIndex, error) {
	idx := &schema.NodeGenerationIndex{}
	if err := s.getDoc(ctx, s.key("node", scope, nodeID), idx); err != nil {
		return nil, notFoundOr(err, "node index", scope+"/"+nodeID)
	}
	return idx, nil
}

func (s *RedisStore) SetNodeGenerationIndex(ctx context.Context, idx *schema.NodeGenerationIndex) error {
	doc, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshal node index: %w", err)
	}
	return s.client.Set(ctx, s.key("node", idx.Scope, idx.NodeID), doc, 0).Err()
}

// --- Act events ---

// AppendEvent assigns the next per-act sequence and appends the event. The
// list position of an event is its sequence minus one.
func (s *RedisStore) AppendEvent(ctx context.Context, event *Event) error {
	seq, err := s.client.Incr(ctx, s.key("act", event.ActID, "eventseq")).Result()
	if err != nil {
		return fmt.Errorf("next event sequence: %w", err)
	}
	event.Sequence = seq
	event.ID = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	doc, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.client.RPush(ctx, s.key("act", event.ActID, "events"), doc).Err()
}

func (s *RedisStore) GetEvents(ctx context.Context, actID string, since int64) ([]*Event, error) {
	raw, err := s.client.LRange(ctx, s.key("act", actID, "events"), since, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]*Event, 0, len(raw))
	for _, r := range raw {
		e := &Event{}
		if err := json.Unmarshal([]byte(r), e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		if e.Sequence > since {
			events = append(events, e)
		}
	}
	return events, nil
}

// --- Triggers ---

func (s *RedisStore) CreateTrigger(ctx context.Context, t *schema.Trigger) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key("trigger", t.ID), doc, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return storeConflict("trigger", t.ID)
	}
	return s.client.SAdd(ctx, s.key("triggers"), t.ID).Err()
}

func (s *RedisStore) GetTrigger(ctx context.Context, id string) (*schema.Trigger, error) {
	t := &schema.Trigger{}
	if err := s.getDoc(ctx, s.key("trigger", id), t); err != nil {
		return nil, notFoundOr(err, "trigger", id)
	}
	return t, nil
}

// UpdateTrigger applies the update under WATCH so concurrent writers retry
// against the latest document.
func (s *RedisStore) UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error {
	key := s.key("trigger", id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return storeNotFound("trigger", id)
		}
		if err != nil {
			return err
		}
		t := &schema.Trigger{}
		if err := json.Unmarshal(raw, t); err != nil {
			return fmt.Errorf("unmarshal trigger %s: %w", id, err)
		}
		update.Apply(t)
		t.UpdatedAt = time.Now().UTC()
		doc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*schema.Trigger, error) {
	ids, err := s.client.SMembers(ctx, s.key("triggers")).Result()
	if err != nil {
		return nil, err
	}
	all, err := mgetDocs[schema.Trigger](ctx, s, "trigger", ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	var out []*schema.Trigger
	for _, t := range all {
		if !filter.Matches(t) {
			continue
		}
		out = append(out, t)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteTrigger(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key("trigger", id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound("trigger", id)
	}
	return s.client.SRem(ctx, s.key("triggers"), id).Err()
}

// --- Secrets ---

func (s *RedisStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	return s.client.HSet(ctx, s.key("secrets"), key, value).Err()
}

func (s *RedisStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.HGet(ctx, s.key("secrets"), key).Bytes()
	if err != nil {
		return nil, notFoundOr(err, "secret", key)
	}
	return v, nil
}

func (s *RedisStore) DeleteSecret(ctx context.Context, key string) error {
	n, err := s.client.HDel(ctx, s.key("secrets"), key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound("secret", key)
	}
	return nil
}

func (s *RedisStore) ListSecrets(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.key("secrets")).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// --- Helpers ---

func (s *RedisStore) getDoc(ctx context.Context, key string, v any) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func mgetDocs[T any](ctx context.Context, s *RedisStore, kind string, ids []string) ([]*T, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(kind, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(vals))
	for i, raw := range vals {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		v := new(T)
		if err := json.Unmarshal([]byte(str), v); err != nil {
			return nil, fmt.Errorf("unmarshal %s %s: %w", kind, ids[i], err)
		}
		out = append(out, v)
	}
	return out, nil
}

func notFoundOr(err error, resource, id string) error {
	if errors.Is(err, redis.Nil) {
		return storeNotFound(resource, id)
	}
	return err
}

// score orders members by creation time with microsecond resolution, which
// stays exact within float64.
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}
