package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"
	"rillcap/pkg/validation"

	"github.com/redis/go-redis/v9"
)

type keys struct {
	prefix string
}

func newKeys(prefix string) keys {
	if prefix == "" {
		prefix = "rillcap"
	}
	return keys{prefix: strings.TrimSuffix(prefix, ":") + ":"}
}

func (k keys) schemaVersion() string { return k.prefix + "schema:version" }
func (k keys) sessions() string      { return k.prefix + "sessions" }
func (k keys) allSegments() string   { return k.prefix + "segments" }
func (k keys) segmentPrefix() string { return k.prefix + "segment:" }
func (k keys) syncQueue() string     { return k.prefix + "sync:queue" }
func (k keys) syncMarkers() string   { return k.prefix + "sync:registered" }
func (k keys) drainLock() string     { return k.prefix + "lock:drain" }

func (k keys) segment(key domain.SegmentKey) string {
	return k.segmentPrefix() + string(key.SessionID) + ":" + string(key.LocalID)
}

func (k keys) sessionSegments(id domain.SessionID) string {
	return k.prefix + "session:" + string(id) + ":segments"
}

// Hash fields of a segment.
const (
	fContentType    = "content_type"
	fStartOffset    = "start_offset_ms"
	fEndOffset      = "end_offset_ms"
	fInputLogs      = "input_logs"
	fVideo          = "video"
	fSize           = "size_bytes"
	fState          = "state"
	fRemoteID       = "remote_id"
	fAttempts       = "attempts"
	fLastError      = "last_error"
	fClaimOwner     = "claim_owner"
	fClaimExpiresMs = "claim_expires_ms"
	fRetryAtMs      = "retry_at_ms"
	fCreatedMs      = "created_ms"
	fUpdatedMs      = "updated_ms"
)

// KEYS: segment hash, session zset, global zset.
// ARGV: created_ms, session member, global member, then field/value pairs.
var writeSegmentScript = redis.NewScript(`
local isNew = redis.call('EXISTS', KEYS[1]) == 0
for i = 4, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
if isNew then
  redis.call('HSET', KEYS[1], 'state', 'PENDING', 'attempts', '0', 'last_error', '', 'remote_id', '',
    'claim_owner', '', 'claim_expires_ms', '0', 'retry_at_ms', '0', 'created_ms', ARGV[1])
  redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
  redis.call('ZADD', KEYS[3], ARGV[1], ARGV[3])
end
return 1
`)

// KEYS: segment hash. ARGV: owner, claim_expires_ms, now_ms.
// Returns -1 missing, 0 not claimable, 1 claimed.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local state = redis.call('HGET', KEYS[1], 'state')
local now = tonumber(ARGV[3])
local ok = false
if state == 'PENDING' then
  ok = true
elseif state == 'UPLOADING' then
  local exp = tonumber(redis.call('HGET', KEYS[1], 'claim_expires_ms') or '0')
  ok = exp > 0 and exp <= now
elseif state == 'FAILED' then
  local retry = tonumber(redis.call('HGET', KEYS[1], 'retry_at_ms') or '0')
  ok = retry <= now
end
if not ok then return 0 end
redis.call('HSET', KEYS[1], 'state', 'UPLOADING', 'claim_owner', ARGV[1], 'claim_expires_ms', ARGV[2], 'updated_ms', ARGV[3])
return 1
`)

// KEYS: segment hash. ARGV: owner, attempts increment, then field/value pairs.
// Returns -1 missing, 0 claim lost, 1 updated.
var updateOwnedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'state') ~= 'UPLOADING' or redis.call('HGET', KEYS[1], 'claim_owner') ~= ARGV[1] then
  return 0
end
local inc = tonumber(ARGV[2])
if inc ~= 0 then redis.call('HINCRBY', KEYS[1], 'attempts', inc) end
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// KEYS: session zset. ARGV: segment key prefix for the session, now_ms.
var resetFailedScript = redis.NewScript(`
local n = 0
for _, id in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
  local k = ARGV[1] .. id
  if redis.call('HGET', k, 'state') == 'FAILED' then
    redis.call('HSET', k, 'state', 'PENDING', 'retry_at_ms', '0', 'updated_ms', ARGV[2])
    n = n + 1
  end
end
return n
`)

// RedisSegmentStore keeps each segment in one hash, indexed by a per-session and a
// global sorted set scored by creation time. State transitions run as Lua scripts.
type RedisSegmentStore struct {
	client *redis.Client
	keys   keys
}

var _ ports.SegmentStore = (*RedisSegmentStore)(nil)

func NewRedisSegmentStore(client *redis.Client, prefix string) *RedisSegmentStore {
	return &RedisSegmentStore{client: client, keys: newKeys(prefix)}
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseSegment(key domain.SegmentKey, h map[string]string) (*domain.Segment, error) {
	seg := &domain.Segment{
		SessionID:      key.SessionID,
		LocalID:        key.LocalID,
		RemoteID:       domain.RemoteSegmentID(h[fRemoteID]),
		ContentType:    h[fContentType],
		State:          domain.UploadState(h[fState]),
		LastError:      h[fLastError],
		ClaimOwner:     h[fClaimOwner],
		ClaimExpiresAt: fromMs(h[fClaimExpiresMs]),
		RetryAt:        fromMs(h[fRetryAtMs]),
		CreatedAt:      fromMs(h[fCreatedMs]),
		UpdatedAt:      fromMs(h[fUpdatedMs]),
	}
	seg.StartOffsetMs, _ = strconv.ParseInt(h[fStartOffset], 10, 64)
	seg.EndOffsetMs, _ = strconv.ParseInt(h[fEndOffset], 10, 64)
	seg.Attempts, _ = strconv.Atoi(h[fAttempts])
	if video, ok := h[fVideo]; ok {
		seg.Video = []byte(video)
	}
	if logs := h[fInputLogs]; logs != "" {
		if err := json.Unmarshal([]byte(logs), &seg.InputLogs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input logs of %s: %w", key, err)
		}
	}
	if !seg.State.Valid() {
		return nil, fmt.Errorf("segment %s has invalid state %q", key, h[fState])
	}
	return seg, nil
}

func parseMember(member string) (domain.SegmentKey, bool) {
	session, local, ok := strings.Cut(member, "/")
	if !ok {
		return domain.SegmentKey{}, false
	}
	return domain.SegmentKey{SessionID: domain.SessionID(session), LocalID: domain.LocalSegmentID(local)}, true
}

func (s *RedisSegmentStore) SessionDirectory(ctx context.Context, sessionID domain.SessionID) (ports.SessionDirectory, error) {
	if err := validation.ValidateSessionID(string(sessionID)); err != nil {
		return nil, err
	}
	if err := s.client.SAdd(ctx, s.keys.sessions(), string(sessionID)).Err(); err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}
	return &redisSessionDirectory{store: s, sessionID: sessionID}, nil
}

// load reads a segment hash. Without video, the payload field is not transferred.
func (s *RedisSegmentStore) load(ctx context.Context, key domain.SegmentKey, withVideo bool) (*domain.Segment, error) {
	var h map[string]string
	if withVideo {
		res, err := s.client.HGetAll(ctx, s.keys.segment(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read segment %s: %w", key, err)
		}
		h = res
	} else {
		fields := []string{fContentType, fStartOffset, fEndOffset, fInputLogs, fState, fRemoteID,
			fAttempts, fLastError, fClaimOwner, fClaimExpiresMs, fRetryAtMs, fCreatedMs, fUpdatedMs}
		vals, err := s.client.HMGet(ctx, s.keys.segment(key), fields...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read segment %s: %w", key, err)
		}
		h = make(map[string]string, len(fields))
		for i, v := range vals {
			if sv, ok := v.(string); ok {
				h[fields[i]] = sv
			}
		}
	}
	if len(h) == 0 || h[fState] == "" {
		return nil, domain.ErrSegmentNotFound
	}
	return parseSegment(key, h)
}

func (s *RedisSegmentStore) members(ctx context.Context) ([]domain.SegmentKey, error) {
	raw, err := s.client.ZRange(ctx, s.keys.allSegments(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	out := make([]domain.SegmentKey, 0, len(raw))
	for _, m := range raw {
		if key, ok := parseMember(m); ok {
			out = append(out, key)
		}
	}
	return out, nil
}

// scan fetches the given fields for every indexed segment in one pipeline.
func (s *RedisSegmentStore) scan(ctx context.Context, fields ...string) ([]domain.SegmentKey, [][]interface{}, error) {
	all, err := s.members(ctx)
	if err != nil || len(all) == 0 {
		return nil, nil, err
	}
	cmds := make([]*redis.SliceCmd, len(all))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, key := range all {
			cmds[i] = p.HMGet(ctx, s.keys.segment(key), fields...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan segments: %w", err)
	}
	vals := make([][]interface{}, len(all))
	for i, cmd := range cmds {
		vals[i] = cmd.Val()
	}
	return all, vals, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func (s *RedisSegmentStore) ListClaimable(ctx context.Context, now time.Time, limit int) ([]domain.SegmentKey, error) {
	all, vals, err := s.scan(ctx, fState, fClaimExpiresMs, fRetryAtMs)
	if err != nil {
		return nil, err
	}
	var out []domain.SegmentKey
	for i, key := range all {
		seg := domain.Segment{
			State:          domain.UploadState(str(vals[i][0])),
			ClaimExpiresAt: fromMs(str(vals[i][1])),
			RetryAt:        fromMs(str(vals[i][2])),
		}
		if !seg.Claimable(now) {
			continue
		}
		out = append(out, key)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *RedisSegmentStore) Claim(ctx context.Context, key domain.SegmentKey, owner string, lease time.Duration, now time.Time) (*domain.Segment, error) {
	res, err := claimScript.Run(ctx, s.client, []string{s.keys.segment(key)},
		owner, now.Add(lease).UnixMilli(), now.UnixMilli(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to claim segment %s: %w", key, err)
	}
	switch res {
	case -1:
		return nil, domain.ErrSegmentNotFound
	case 0:
		return nil, domain.ErrSegmentNotClaimable
	}

	seg, err := s.load(ctx, key, true)
	if err != nil {
		return nil, err
	}
	if seg.ClaimOwner != owner {
		return nil, domain.ErrClaimLost
	}
	return seg, nil
}

func (s *RedisSegmentStore) updateOwned(ctx context.Context, key domain.SegmentKey, owner string, attempts int, fields ...interface{}) error {
	args := append([]interface{}{owner, attempts}, fields...)
	res, err := updateOwnedScript.Run(ctx, s.client, []string{s.keys.segment(key)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to update segment %s: %w", key, err)
	}
	switch res {
	case -1:
		return domain.ErrSegmentNotFound
	case 0:
		return domain.ErrClaimLost
	}
	return nil
}

func (s *RedisSegmentStore) RenewClaim(ctx context.Context, key domain.SegmentKey, owner string, lease time.Duration, now time.Time) error {
	return s.updateOwned(ctx, key, owner, 0,
		fClaimExpiresMs, now.Add(lease).UnixMilli(),
		fUpdatedMs, now.UnixMilli(),
	)
}

func (s *RedisSegmentStore) Release(ctx context.Context, key domain.SegmentKey, owner, reason string) error {
	return s.updateOwned(ctx, key, owner, 0,
		fState, string(domain.UploadStatePending),
		fClaimOwner, "",
		fClaimExpiresMs, 0,
		fLastError, reason,
		fUpdatedMs, time.Now().UnixMilli(),
	)
}

func (s *RedisSegmentStore) MarkUploaded(ctx context.Context, key domain.SegmentKey, owner string, remoteID domain.RemoteSegmentID) error {
	return s.updateOwned(ctx, key, owner, 0,
		fState, string(domain.UploadStateUploaded),
		fRemoteID, string(remoteID),
		fClaimOwner, "",
		fClaimExpiresMs, 0,
		fLastError, "",
		fUpdatedMs, time.Now().UnixMilli(),
	)
}

func (s *RedisSegmentStore) MarkFailed(ctx context.Context, key domain.SegmentKey, owner, reason string, attempts int, retryAt time.Time) error {
	return s.updateOwned(ctx, key, owner, attempts,
		fState, string(domain.UploadStateFailed),
		fLastError, reason,
		fRetryAtMs, toMs(retryAt),
		fClaimOwner, "",
		fClaimExpiresMs, 0,
		fUpdatedMs, time.Now().UnixMilli(),
	)
}

func (s *RedisSegmentStore) ResetFailed(ctx context.Context, sessionID domain.SessionID) (int, error) {
	n, err := resetFailedScript.Run(ctx, s.client,
		[]string{s.keys.sessionSegments(sessionID)},
		s.keys.segmentPrefix()+string(sessionID)+":", time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed segments: %w", err)
	}
	return n, nil
}

func (s *RedisSegmentStore) Remove(ctx context.Context, key domain.SegmentKey) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, s.keys.segment(key))
		p.ZRem(ctx, s.keys.sessionSegments(key.SessionID), string(key.LocalID))
		p.ZRem(ctx, s.keys.allSegments(), key.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove segment %s: %w", key, err)
	}
	if del.Val() == 0 {
		return domain.ErrSegmentNotFound
	}
	return nil
}

func (s *RedisSegmentStore) Sessions(ctx context.Context) ([]domain.SessionID, error) {
	raw, err := s.client.SMembers(ctx, s.keys.sessions()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	ids := make([]domain.SessionID, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, domain.SessionID(id))
	}
	return ids, nil
}

func (s *RedisSegmentStore) Stats(ctx context.Context) (domain.StoreStats, error) {
	var stats domain.StoreStats
	n, err := s.client.SCard(ctx, s.keys.sessions()).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to count sessions: %w", err)
	}
	stats.Sessions = int(n)

	_, vals, err := s.scan(ctx, fState, fSize)
	if err != nil {
		return stats, err
	}
	for _, v := range vals {
		switch domain.UploadState(str(v[0])) {
		case domain.UploadStatePending:
			stats.Pending++
		case domain.UploadStateUploading:
			stats.Uploading++
		case domain.UploadStateUploaded:
			stats.Uploaded++
		case domain.UploadStateFailed:
			stats.Failed++
		}
		size, _ := strconv.ParseInt(str(v[1]), 10, 64)
		stats.Bytes += size
	}
	return stats, nil
}

// Close is a no-op; the client is owned by the repository factory.
func (s *RedisSegmentStore) Close() error {
	return nil
}

type redisSessionDirectory struct {
	store     *RedisSegmentStore
	sessionID domain.SessionID
}

func (d *redisSessionDirectory) SessionID() domain.SessionID { return d.sessionID }

func (d *redisSessionDirectory) Path() string {
	return "redis://" + d.store.keys.sessionSegments(d.sessionID)
}

func (d *redisSessionDirectory) WriteSegment(ctx context.Context, seg *domain.Segment) error {
	if seg.SessionID != d.sessionID {
		return fmt.Errorf("segment %s belongs to session %s, not %s", seg.LocalID, seg.SessionID, d.sessionID)
	}
	if err := validation.ValidateSegmentID(string(seg.LocalID)); err != nil {
		return err
	}

	logs := seg.InputLogs
	if logs == nil {
		logs = []domain.InputLogRecord{}
	}
	logJSON, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("failed to marshal input logs: %w", err)
	}

	now := time.Now().UnixMilli()
	created := toMs(seg.CreatedAt)
	if created == 0 {
		created = now
	}
	key := seg.Key()
	err = writeSegmentScript.Run(ctx, d.store.client,
		[]string{d.store.keys.segment(key), d.store.keys.sessionSegments(d.sessionID), d.store.keys.allSegments()},
		created, string(key.LocalID), key.String(),
		fContentType, seg.ContentType,
		fStartOffset, seg.StartOffsetMs,
		fEndOffset, seg.EndOffsetMs,
		fInputLogs, string(logJSON),
		fVideo, seg.Video,
		fSize, seg.Size(),
		fUpdatedMs, now,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to write segment %s: %w", key, err)
	}
	return nil
}

func (d *redisSessionDirectory) ReadSegment(ctx context.Context, id domain.LocalSegmentID) (*domain.Segment, error) {
	return d.store.load(ctx, domain.SegmentKey{SessionID: d.sessionID, LocalID: id}, true)
}

func (d *redisSessionDirectory) ListSegments(ctx context.Context) ([]domain.Segment, error) {
	ids, err := d.store.client.ZRange(ctx, d.store.keys.sessionSegments(d.sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	out := make([]domain.Segment, 0, len(ids))
	for _, id := range ids {
		seg, err := d.store.load(ctx, domain.SegmentKey{SessionID: d.sessionID, LocalID: domain.LocalSegmentID(id)}, false)
		if errors.Is(err, domain.ErrSegmentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *seg)
	}
	return out, nil
}
