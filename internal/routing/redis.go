package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hassett-logistics/lanecast/internal/api"
)

// RedisTable shares the routing table across forecast workers.
//
// Each publish writes a fresh versioned hash and then swaps a pointer key to
// it. The pointer swap is the commit point: until it happens, readers keep
// resolving the previous version, so a failed publish leaves the old table
// live. The version two behind the new one is deleted to bound storage.
type RedisTable struct {
	client *redis.Client
	prefix string
}

const (
	versionCounterKey = "version_seq"
	currentPointerKey = "current"
)

// NewRedisTable connects to Redis and verifies the connection. prefix
// namespaces all keys, e.g. "lanecast:routing".
func NewRedisTable(ctx context.Context, addr, password string, db int, prefix string) (*RedisTable, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	if prefix == "" {
		prefix = "lanecast:routing"
	}
	return &RedisTable{client: client, prefix: prefix}, nil
}

func (t *RedisTable) key(parts ...string) string {
	k := t.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (t *RedisTable) versionKey(v int64) string {
	return t.key(fmt.Sprintf("v%d", v))
}

type redisMeta struct {
	Version   int64      `json:"version"`
	Period    api.Period `json:"period"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (t *RedisTable) currentVersion(ctx context.Context) (int64, bool, error) {
	v, err := t.client.Get(ctx, t.key(currentPointerKey)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read table pointer: %w", err)
	}
	return v, true, nil
}

func (t *RedisTable) Lookup(ctx context.Context, route api.Route) (api.RoutingEntry, bool, error) {
	version, ok, err := t.currentVersion(ctx)
	if err != nil || !ok {
		return api.RoutingEntry{}, false, err
	}

	raw, err := t.client.HGet(ctx, t.versionKey(version), route.Key()).Result()
	if err == redis.Nil {
		return api.RoutingEntry{}, false, nil
	}
	if err != nil {
		return api.RoutingEntry{}, false, fmt.Errorf("failed to read routing entry: %w", err)
	}

	var entry api.RoutingEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return api.RoutingEntry{}, false, fmt.Errorf("failed to unmarshal routing entry: %w", err)
	}
	return entry, true, nil
}

func (t *RedisTable) Current(ctx context.Context) (*Snapshot, error) {
	version, ok, err := t.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	rawMeta, err := t.client.Get(ctx, t.versionKey(version)+":meta").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read table meta: %w", err)
	}
	var meta redisMeta
	if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal table meta: %w", err)
	}

	raw, err := t.client.HGetAll(ctx, t.versionKey(version)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read routing table: %w", err)
	}

	snap := &Snapshot{
		Version:   meta.Version,
		Period:    meta.Period,
		UpdatedAt: meta.UpdatedAt,
		Entries:   make(map[string]api.RoutingEntry, len(raw)),
	}
	for routeKey, rawEntry := range raw {
		var entry api.RoutingEntry
		if err := json.Unmarshal([]byte(rawEntry), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry %s: %w", routeKey, err)
		}
		snap.Entries[routeKey] = entry
	}
	return snap, nil
}

func (t *RedisTable) Publish(ctx context.Context, snap *Snapshot) (int64, error) {
	version, err := t.client.Incr(ctx, t.key(versionCounterKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate table version: %w", err)
	}

	snap.Version = version
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}

	fields := make(map[string]interface{}, len(snap.Entries))
	for routeKey, entry := range snap.Entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal entry %s: %w", routeKey, err)
		}
		fields[routeKey] = data
	}

	metaData, err := json.Marshal(redisMeta{
		Version:   version,
		Period:    snap.Period,
		UpdatedAt: snap.UpdatedAt,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal table meta: %w", err)
	}

	// Write the versioned hash and meta first. The pointer stays on the old
	// version until everything landed.
	pipe := t.client.TxPipeline()
	if len(fields) > 0 {
		pipe.HSet(ctx, t.versionKey(version), fields)
	}
	pipe.Set(ctx, t.versionKey(version)+":meta", metaData, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to write routing snapshot v%d: %w", version, err)
	}

	if err := t.client.Set(ctx, t.key(currentPointerKey), version, 0).Err(); err != nil {
		return 0, fmt.Errorf("failed to swap table pointer: %w", err)
	}

	// Keep the previous version for readers mid-lookup, drop anything older.
	if stale := version - 2; stale > 0 {
		t.client.Del(ctx, t.versionKey(stale), t.versionKey(stale)+":meta")
	}

	return version, nil
}

func (t *RedisTable) Close() error {
	return t.client.Close()
}
