package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/contract-drafting/internal/model"
)

const (
	sessionKeyPrefix = "session:"
	userIndexPrefix  = "user_sessions:"
	lockKeyPrefix    = "session_lock:"

	// lockTTL bounds how long a crashed holder can block a session;
	// lockWait bounds how long a caller polls before giving up.
	lockTTL      = 10 * time.Second
	lockWait     = 5 * time.Second
	lockPollStep = 50 * time.Millisecond
)

// RedisStore persists sessions as JSON values with a TTL, maintains a
// per-user ZSET index for listing, and implements the critical section as
// a SET NX lock released only by the holder (token-checked delete).
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an already-connected client. ttl controls how long
// idle sessions survive; expiry is owned by Redis, not the engine.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func sessionKey(id string) string   { return sessionKeyPrefix + id }
func userIndexKey(uid string) string { return userIndexPrefix + uid }
func lockKey(id string) string      { return lockKeyPrefix + id }

// unavailable wraps backend failures so the tiered store can recognize
// them with errors.Is and fall back.
func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %v: %w", op, err, ErrRepositoryUnavailable)
}

func (r *RedisStore) load(ctx context.Context, id string) (*model.Session, error) {
	raw, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	var s model.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("redis: decode session %s: %w", id, err)
	}
	s.EnsureMaps()
	return &s, nil
}

func (r *RedisStore) save(ctx context.Context, s *model.Session) error {
	s.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, sessionKey(s.SessionID), raw, r.ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	// Index the session for every participant so ListByOwner stays a
	// ZSET read instead of a key scan.
	score := float64(s.UpdatedAt.UnixNano())
	for _, uid := range participants(s) {
		if err := r.client.ZAdd(ctx, userIndexKey(uid), redis.Z{Score: score, Member: s.SessionID}).Err(); err != nil {
			log.Printf("redis: index update for user %s failed: %v", uid, err)
		}
	}
	return nil
}

// GetOrCreate loads the session or creates an empty one.
func (r *RedisStore) GetOrCreate(ctx context.Context, id, ownerUserID string) (*model.Session, error) {
	s, err := r.load(ctx, id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	s = model.NewSession(id, ownerUserID)
	if err := r.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Load returns the session or ErrSessionNotFound.
func (r *RedisStore) Load(ctx context.Context, id string) (*model.Session, error) {
	return r.load(ctx, id)
}

// Save persists the session with a refreshed TTL.
func (r *RedisStore) Save(ctx context.Context, s *model.Session) error {
	return r.save(ctx, s)
}

// unlockScript releases the session lock only while it still carries the
// caller's token, in one atomic step. A GET followed by DEL could delete a
// successor's lock when the TTL expires between the two calls.
var unlockScript = redis.NewScript(`
    if redis.call('GET', KEYS[1]) == ARGV[1] then
        return redis.call('DEL', KEYS[1])
    end
    return 0
`)

// RunExclusive acquires the session lock, runs fn on a fresh load and
// saves on success. The lock value is a random token so that only the
// holder releases it; a lock held past its TTL expires on its own.
func (r *RedisStore) RunExclusive(ctx context.Context, id string, fn func(*model.Session) error) error {
	token := uuid.NewString()
	key := lockKey(id)
	deadline := time.Now().Add(lockWait)

	acquired := false
	for time.Now().Before(deadline) {
		ok, err := r.client.SetNX(ctx, key, token, lockTTL).Result()
		if err != nil {
			return unavailable("lock", err)
		}
		if ok {
			acquired = true
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollStep):
		}
	}
	if !acquired {
		return unavailable("lock", fmt.Errorf("could not acquire lock for session %s", id))
	}
	defer func() {
		// Best-effort release; the script refuses to touch a lock the
		// token no longer owns.
		if err := unlockScript.Run(context.WithoutCancel(ctx), r.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Printf("redis: lock release for session %s failed: %v", id, err)
		}
	}()

	s, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	return r.save(ctx, s)
}

// Delete removes the session value. Index entries are cleaned lazily by
// ListByOwner.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

// ListByOwner walks the user's ZSET index newest-first, dropping entries
// whose sessions expired or no longer include the user.
func (r *RedisStore) ListByOwner(ctx context.Context, userID string) ([]model.SessionSummary, error) {
	if userID == "" {
		return nil, nil
	}
	key := userIndexKey(userID)
	ids, err := r.client.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, unavailable("zrevrange", err)
	}
	var out []model.SessionSummary
	var stale []interface{}
	for _, id := range ids {
		s, err := r.load(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		member := false
		for _, uid := range participants(s) {
			if uid == userID {
				member = true
				break
			}
		}
		if !member {
			stale = append(stale, id)
			continue
		}
		out = append(out, summaryOf(s))
	}
	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, key, stale...).Err(); err != nil {
			log.Printf("redis: stale index cleanup for user %s failed: %v", userID, err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
