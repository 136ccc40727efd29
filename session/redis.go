package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// minRecordTTL keeps a rewritten record alive briefly even when its
// ExpiresAt already passed, so the caller's read-after-write is consistent.
const minRecordTTL = time.Second

const sweepBatch = 256

const createSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local ttl = tonumber(ARGV[2])
redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
redis.call("SADD", KEYS[2], ARGV[3])
if redis.call("PTTL", KEYS[2]) < ttl then
  redis.call("PEXPIRE", KEYS[2], ttl)
end
return 1
`

const compareAndSetScript = `
local function read_be64(s, i)
  local b1, b2, b3, b4, b5, b6, b7, b8 = string.byte(s, i, i + 7)
  if not b8 then
    return nil
  end
  return ((((((((b1 * 256) + b2) * 256 + b3) * 256 + b4) * 256 + b5) * 256 + b6) * 256 + b7) * 256 + b8)
end

local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
if string.byte(data, 1) ~= 1 then
  return 3
end
local current = read_be64(data, 2)
if not current then
  return 3
end
if current ~= tonumber(ARGV[1]) then
  return 2
end
redis.call("SET", KEYS[1], ARGV[2], "PX", tonumber(ARGV[3]))
return 1
`

const incrWindowScript = `
local count = redis.call("INCR", KEYS[1])
local ttl = tonumber(ARGV[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ttl)
  return {count, ttl}
end
local remaining = redis.call("PTTL", KEYS[1])
if remaining < 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
  remaining = ttl
end
return {count, remaining}
`

const (
	casStatusNotFound int64 = 0
	casStatusOK       int64 = 1
	casStatusConflict int64 = 2
	casStatusCorrupt  int64 = 3
)

var (
	createSessionLua = redis.NewScript(createSessionScript)
	compareAndSetLua = redis.NewScript(compareAndSetScript)
	incrWindowLua    = redis.NewScript(incrWindowScript)
)

// RedisStore is the Redis implementation of Store. It works with any
// redis.UniversalClient; all multi-key writes touch keys of one session and
// its user index only.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key, e.g. "edulink:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRedisClock replaces time.Now when computing record TTLs.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStore wraps client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{redis: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) sessionKey(id string) string  { return s.prefix + "session:" + id }
func (s *RedisStore) revokedKey(jti string) string { return s.prefix + "revoked:" + jti }
func (s *RedisStore) tokensKey(id string) string   { return s.prefix + "session_tokens:" + id }
func (s *RedisStore) userKey(userID string) string { return s.prefix + "user_sessions:" + userID }
func (s *RedisStore) counterKey(key string) string { return s.prefix + key }

func (s *RedisStore) idFromKey(key string) string {
	return strings.TrimPrefix(key, s.sessionKey(""))
}

func (s *RedisStore) recordTTL(r *Record) time.Duration {
	ttl := r.Remaining(s.now())
	if ttl < minRecordTTL {
		ttl = minRecordTTL
	}
	return ttl
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, r *Record) error {
	r.Version = 1
	data, err := Encode(r)
	if err != nil {
		return err
	}

	keys := []string{s.sessionKey(r.SessionID), s.userKey(r.UserID)}
	created, err := createSessionLua.Run(ctx, s.redis, keys, data, s.recordTTL(r).Milliseconds(), r.SessionID).Int64()
	if err != nil {
		return unavailable(err)
	}
	if created == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return Decode(data)
}

// CompareAndUpdate implements Store. The mutation runs client side; the
// version check and write run in one script so a concurrent writer between
// the read and the write is reported as ErrVersionConflict.
func (s *RedisStore) CompareAndUpdate(ctx context.Context, sessionID string, expectedVersion uint64, mutate Mutator) (*Record, error) {
	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	next, changed, err := applyMutation(current, mutate)
	if err != nil || !changed {
		return next, err
	}
	data, err := Encode(next)
	if err != nil {
		return nil, err
	}

	status, err := compareAndSetLua.Run(ctx, s.redis, []string{s.sessionKey(sessionID)},
		expectedVersion, data, s.recordTTL(next).Milliseconds()).Int64()
	if err != nil {
		return nil, unavailable(err)
	}

	switch status {
	case casStatusOK:
		return next, nil
	case casStatusNotFound:
		return nil, ErrNotFound
	case casStatusConflict:
		return nil, ErrVersionConflict
	case casStatusCorrupt:
		return nil, ErrCorrupt
	default:
		return nil, unavailable(fmt.Errorf("unexpected cas status %d", status))
	}
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	userID := ""
	r, err := s.Get(ctx, sessionID)
	switch {
	case err == nil:
		userID = r.UserID
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCorrupt):
	default:
		return err
	}
	return s.remove(ctx, sessionID, userID)
}

func (s *RedisStore) remove(ctx context.Context, sessionID, userID string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(sessionID), s.tokensKey(sessionID))
		if userID != "" {
			pipe.SRem(ctx, s.userKey(userID), sessionID)
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// MarkRevoked implements Store with SET NX, which is the single atomic
// check-and-insert that refresh rotation relies on.
func (s *RedisStore) MarkRevoked(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if ttl < minRecordTTL {
		ttl = minRecordTTL
	}
	inserted, err := s.redis.SetNX(ctx, s.revokedKey(jti), 1, ttl).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return inserted, nil
}

// IsRevoked implements Store.
func (s *RedisStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.revokedKey(jti)).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

// Lookup implements Store with a single pipelined round trip.
func (s *RedisStore) Lookup(ctx context.Context, jti, sessionID string) (bool, *Record, error) {
	pipe := s.redis.Pipeline()
	existsCmd := pipe.Exists(ctx, s.revokedKey(jti))
	var getCmd *redis.StringCmd
	if sessionID != "" {
		getCmd = pipe.Get(ctx, s.sessionKey(sessionID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, nil, unavailable(err)
	}

	n, err := existsCmd.Result()
	if err != nil {
		return false, nil, unavailable(err)
	}
	revoked := n == 1
	if getCmd == nil {
		return revoked, nil, nil
	}

	data, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return revoked, nil, nil
		}
		return false, nil, unavailable(err)
	}
	r, err := Decode(data)
	if err != nil {
		return false, nil, err
	}
	return revoked, r, nil
}

// TrackToken implements Store. The list is trimmed from the head so the
// oldest jtis are evicted first.
func (s *RedisStore) TrackToken(ctx context.Context, sessionID string, ref TokenRef, limit int, ttl time.Duration) error {
	if ttl < minRecordTTL {
		ttl = minRecordTTL
	}
	key := s.tokensKey(sessionID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, formatTokenRef(ref))
		if limit > 0 {
			pipe.LTrim(ctx, key, int64(-limit), -1)
		}
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// TrackedTokens implements Store.
func (s *RedisStore) TrackedTokens(ctx context.Context, sessionID string) ([]TokenRef, error) {
	raw, err := s.redis.LRange(ctx, s.tokensKey(sessionID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}
	refs := make([]TokenRef, 0, len(raw))
	for _, v := range raw {
		if ref, ok := parseTokenRef(v); ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// UserSessions implements Store.
func (s *RedisStore) UserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}
	return ids, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// IncrWindow increments the counter at key, opening a window of the given
// length on the first hit. It returns the new count and the time left in
// the window.
func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	vals, err := incrWindowLua.Run(ctx, s.redis, []string{s.counterKey(key)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, unavailable(err)
	}
	if len(vals) != 2 {
		return 0, 0, unavailable(fmt.Errorf("unexpected counter reply %v", vals))
	}
	return vals[0], time.Duration(vals[1]) * time.Millisecond, nil
}

// PeekCounter returns the current count at key without incrementing it.
func (s *RedisStore) PeekCounter(ctx context.Context, key string) (int64, error) {
	n, err := s.redis.Get(ctx, s.counterKey(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, unavailable(err)
	}
	return n, nil
}

// ResetCounters deletes the given counters.
func (s *RedisStore) ResetCounters(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.counterKey(k)
	}
	if err := s.redis.Del(ctx, full...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Sweep implements Sweeper by scanning session keys, then pruning user
// index members whose session key is gone. Safe to run concurrently from
// several instances.
func (s *RedisStore) Sweep(ctx context.Context, now time.Time, retain time.Duration) (SweepResult, error) {
	var res SweepResult

	err := s.scan(ctx, s.sessionKey("*"), func(keys []string) error {
		pipe := s.redis.Pipeline()
		cmds := make([]*redis.StringCmd, len(keys))
		for i, k := range keys {
			cmds[i] = pipe.Get(ctx, k)
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return unavailable(err)
		}

		for i, cmd := range cmds {
			data, err := cmd.Bytes()
			if err != nil {
				continue
			}
			res.Scanned++
			id := s.idFromKey(keys[i])
			r, err := Decode(data)
			if err != nil {
				if err := s.remove(ctx, id, ""); err != nil {
					return err
				}
				res.Deleted++
				continue
			}
			if !shouldPurge(r, now, retain) {
				continue
			}
			if err := s.remove(ctx, id, r.UserID); err != nil {
				return err
			}
			res.Deleted++
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	err = s.scan(ctx, s.userKey("*"), func(keys []string) error {
		for _, userKey := range keys {
			pruned, err := s.pruneUserIndex(ctx, userKey)
			if err != nil {
				return err
			}
			res.IndexesPruned += pruned
		}
		return nil
	})
	return res, err
}

func (s *RedisStore) pruneUserIndex(ctx context.Context, userKey string) (int, error) {
	ids, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.redis.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, s.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable(err)
	}

	stale := make([]any, 0)
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			stale = append(stale, ids[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.redis.SRem(ctx, userKey, stale...).Err(); err != nil {
		return 0, unavailable(err)
	}
	return len(stale), nil
}

func (s *RedisStore) scan(ctx context.Context, match string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, match, sweepBatch).Result()
		if err != nil {
			return unavailable(err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func formatTokenRef(ref TokenRef) string {
	return ref.JTI + "|" + strconv.FormatInt(ref.ExpiresAt.UnixMilli(), 10)
}

func parseTokenRef(v string) (TokenRef, bool) {
	jti, exp, ok := strings.Cut(v, "|")
	if !ok || jti == "" {
		return TokenRef{}, false
	}
	ms, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return TokenRef{}, false
	}
	return TokenRef{JTI: jti, ExpiresAt: time.UnixMilli(ms)}, true
}
