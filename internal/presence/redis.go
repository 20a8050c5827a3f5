package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"easel/internal/util"
)

// RedisStore broadcasts presence through Redis pub/sub, with plain keys
// holding current values so late subscribers can replay state.
//
// Disconnect cleanup has no server-side hook in Redis, so each process
// maintains a heartbeat key with a TTL and a set of paths it owns.
// Every store also runs a low-frequency reaper that sweeps the owned
// paths of sessions whose heartbeat has expired. Any process can reap
// any dead session; the operations are idempotent.
type RedisStore struct {
	client    *redis.Client
	sessionID string
	cancel    context.CancelFunc
}

const (
	dataPrefix    = "easel:p:"
	ownedPrefix   = "easel:owned:"
	alivePrefix   = "easel:alive:"
	channelPrefix = "easel:ch:"

	heartbeatTTL   = 15 * time.Second
	heartbeatEvery = 5 * time.Second
	sweepEvery     = 15 * time.Second
)

// wireEvent is the pub/sub payload. A null value announces removal.
type wireEvent struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client. Tests pair it with
// miniredis.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	s := &RedisStore{
		client:    client,
		sessionID: util.SessionID(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.heartbeat(ctx)
	go s.reaper(ctx)
	return s
}

func (s *RedisStore) Write(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal presence value: %w", err)
	}
	if err := s.client.Set(ctx, dataPrefix+path, data, 0).Err(); err != nil {
		return fmt.Errorf("write presence %s: %w", path, err)
	}
	s.publish(ctx, path, data)
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, path string) error {
	if err := s.client.Del(ctx, dataPrefix+path).Err(); err != nil {
		return fmt.Errorf("remove presence %s: %w", path, err)
	}
	s.publish(ctx, path, nil)
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, prefix string, fn EventFunc) (func(), error) {
	ps := s.client.Subscribe(ctx, channelFor(prefix))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe presence %s: %w", prefix, err)
	}
	ch := ps.Channel()

	go func() {
		// Replay current state first. Events racing the scan arrive
		// afterwards through the channel; duplicates are harmless under
		// last-writer-wins.
		iter := s.client.Scan(ctx, 0, dataPrefix+prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			value, err := s.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				log.Printf("presence: replay %s: %v", key, err)
				continue
			}
			fn(strings.TrimPrefix(key, dataPrefix), value)
		}
		if err := iter.Err(); err != nil && ctx.Err() == nil {
			log.Printf("presence: scan %s: %v", prefix, err)
		}

		for msg := range ch {
			var ev wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("presence: bad event payload: %v", err)
				continue
			}
			if !strings.HasPrefix(ev.Path, prefix) {
				continue
			}
			if len(ev.Value) == 0 || string(ev.Value) == "null" {
				fn(ev.Path, nil)
			} else {
				fn(ev.Path, ev.Value)
			}
		}
	}()

	stop := func() { _ = ps.Close() }
	return stop, nil
}

func (s *RedisStore) RemoveOnDisconnect(ctx context.Context, path string) error {
	if err := s.client.SAdd(ctx, ownedPrefix+s.sessionID, path).Err(); err != nil {
		return fmt.Errorf("register disconnect cleanup %s: %w", path, err)
	}
	return nil
}

// Close cleans this session's paths up the way the reaper would, then
// releases the connection.
func (s *RedisStore) Close(ctx context.Context) error {
	s.cancel()
	s.cleanupSession(ctx, s.sessionID)
	return s.client.Close()
}

func (s *RedisStore) publish(ctx context.Context, path string, value []byte) {
	payload, err := json.Marshal(wireEvent{Path: path, Value: value})
	if err != nil {
		log.Printf("presence: marshal event %s: %v", path, err)
		return
	}
	if err := s.client.Publish(ctx, channelFor(path), payload).Err(); err != nil {
		log.Printf("presence: publish %s: %v", path, err)
	}
}

func (s *RedisStore) heartbeat(ctx context.Context) {
	beat := func() {
		if err := s.client.Set(ctx, alivePrefix+s.sessionID, "1", heartbeatTTL).Err(); err != nil && ctx.Err() == nil {
			log.Printf("presence: heartbeat: %v", err)
		}
	}
	beat()
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

func (s *RedisStore) reaper(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep removes every path owned by sessions whose heartbeat expired.
func (s *RedisStore) sweep(ctx context.Context) {
	iter := s.client.Scan(ctx, 0, ownedPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		sid := strings.TrimPrefix(iter.Val(), ownedPrefix)
		if sid == s.sessionID {
			continue
		}
		alive, err := s.client.Exists(ctx, alivePrefix+sid).Result()
		if err != nil {
			log.Printf("presence: sweep check %s: %v", sid, err)
			continue
		}
		if alive == 0 {
			log.Printf("presence: reaping dead session %s", sid)
			s.cleanupSession(ctx, sid)
		}
	}
	if err := iter.Err(); err != nil && ctx.Err() == nil {
		log.Printf("presence: sweep scan: %v", err)
	}
}

func (s *RedisStore) cleanupSession(ctx context.Context, sid string) {
	paths, err := s.client.SMembers(ctx, ownedPrefix+sid).Result()
	if err != nil {
		log.Printf("presence: cleanup %s: %v", sid, err)
		return
	}
	for _, path := range paths {
		if err := s.client.Del(ctx, dataPrefix+path).Err(); err != nil {
			log.Printf("presence: cleanup del %s: %v", path, err)
			continue
		}
		s.publish(ctx, path, nil)
	}
	s.client.Del(ctx, ownedPrefix+sid, alivePrefix+sid)
}

// channelFor maps a path to its canvas-scoped pub/sub channel so
// unrelated canvases do not share fan-out.
func channelFor(path string) string {
	parts := strings.SplitN(path, "/", 3)
	if len(parts) >= 2 {
		return channelPrefix + parts[0] + "/" + parts[1]
	}
	return channelPrefix + "global"
}
