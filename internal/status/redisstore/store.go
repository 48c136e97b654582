// Package redisstore keeps status records in Redis hashes so several
// supervisor and executor processes can share them.
//
// Key layout (under the configured prefix):
//
//	deposits                  set of deposit ids
//	deposit:<id>              deposit hash
//	deposit:<id>:jobs         list of job ids in creation order
//	deposit:<id>:lock         execution lease, value is the owner token
//	deposit:<id>:paths:<kind> set of staged or cleanup paths
//	job:<id>:<jobId>          job hash
//	pipeline                  pipeline hash
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"accession/internal/config"
	"accession/internal/logging"
	"accession/internal/status"
)

// Store implements status.Store on Redis.
type Store struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for best-effort housekeeping failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

var _ status.Store = (*Store)(nil)

// New wraps an existing client. The caller keeps ownership of rdb only if it
// never calls Close.
func New(rdb *redis.Client, prefix string, opts ...Option) *Store {
	prefix = strings.Trim(prefix, ":")
	if prefix != "" {
		prefix += ":"
	}
	s := &Store{rdb: rdb, prefix: prefix, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects using the [store] section and verifies the server answers.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("redisstore: config is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Store.RedisAddr, err)
	}
	return New(rdb, cfg.Store.KeyPrefix, opts...), nil
}

func (s *Store) indexKey() string            { return s.prefix + "deposits" }
func (s *Store) depositKey(id string) string { return s.prefix + "deposit:" + id }
func (s *Store) jobsKey(id string) string    { return s.prefix + "deposit:" + id + ":jobs" }
func (s *Store) lockKey(id string) string    { return s.prefix + "deposit:" + id + ":lock" }
func (s *Store) pipelineKey() string         { return s.prefix + "pipeline" }

func (s *Store) pathsKey(id string, kind status.PathKind) string {
	return s.prefix + "deposit:" + id + ":paths:" + string(kind)
}

func (s *Store) jobKey(depositID, jobID string) string {
	return s.prefix + "job:" + depositID + ":" + jobID
}

// createScript writes a hash only when absent and registers the member in
// KEYS[2] (a set when ARGV[2] is "set", otherwise a list).
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
if ARGV[2] == 'set' then
  redis.call('SADD', KEYS[2], ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

var setScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

var casScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then cur = '' end
for i = 3, #ARGV do
  if cur == ARGV[i] then
    redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
    return 1
  end
end
return 0
`)

var incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return false end
return redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
`)

var acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then return -1 end
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func hashArgs[K ~string](fields map[K]string) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, k, fields[K(k)])
	}
	return args
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, status.ErrNotFound)
}

func (s *Store) CreateDeposit(ctx context.Context, id string, fields status.DepositFields) (bool, error) {
	if err := fields.Validate(); err != nil {
		return false, err
	}
	stored := status.DepositFields{status.FieldState: ""}
	for k, v := range fields {
		if k != status.FieldLock {
			stored[k] = v
		}
	}
	args := append([]any{id, "set"}, hashArgs(stored)...)
	n, err := createScript.Run(ctx, s.rdb, []string{s.depositKey(id), s.indexKey()}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("create deposit %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *Store) Deposit(ctx context.Context, id string) (status.DepositFields, error) {
	var (
		hash *redis.MapStringStringCmd
		lock *redis.StringCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		hash = p.HGetAll(ctx, s.depositKey(id))
		lock = p.Get(ctx, s.lockKey(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read deposit %s: %w", id, err)
	}
	values := hash.Val()
	if len(values) == 0 {
		return nil, notFound("deposit", id)
	}
	fields := make(status.DepositFields, len(values)+1)
	for k, v := range values {
		fields[status.DepositField(k)] = v
	}
	delete(fields, status.FieldLock)
	if owner := lock.Val(); owner != "" {
		fields[status.FieldLock] = owner
	}
	return fields, nil
}

func (s *Store) SetDeposit(ctx context.Context, id string, fields status.DepositFields) error {
	if err := fields.Validate(); err != nil {
		return err
	}
	stored := make(status.DepositFields, len(fields))
	for k, v := range fields {
		if k != status.FieldLock {
			stored[k] = v
		}
	}
	if len(stored) == 0 {
		return s.requireDeposit(ctx, id)
	}
	return s.setHash(ctx, "deposit", id, s.depositKey(id), hashArgs(stored))
}

func (s *Store) setHash(ctx context.Context, kind, id, key string, args []any) error {
	n, err := setScript.Run(ctx, s.rdb, []string{key}, args...).Int()
	if err != nil {
		return fmt.Errorf("set %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

func (s *Store) compareAndSet(ctx context.Context, kind, id, key, field string, expected []string, value string) (bool, error) {
	if len(expected) == 0 {
		return false, nil
	}
	args := make([]any, 0, len(expected)+2)
	args = append(args, field, value)
	for _, e := range expected {
		args = append(args, e)
	}
	n, err := casScript.Run(ctx, s.rdb, []string{key}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("compare-and-set %s %s %s: %w", kind, id, field, err)
	}
	if n < 0 {
		return false, notFound(kind, id)
	}
	return n == 1, nil
}

func (s *Store) incr(ctx context.Context, kind, id, key, field string, delta int64) (int64, error) {
	n, err := incrScript.Run(ctx, s.rdb, []string{key}, field, delta).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, notFound(kind, id)
	}
	if err != nil {
		return 0, fmt.Errorf("increment %s %s %s: %w", kind, id, field, err)
	}
	return n, nil
}

func (s *Store) CompareAndSetDeposit(ctx context.Context, id string, field status.DepositField, expected []string, value string) (bool, error) {
	if !field.Valid() {
		return false, fmt.Errorf("%w: deposit field %q", status.ErrUnknownField, field)
	}
	return s.compareAndSet(ctx, "deposit", id, s.depositKey(id), string(field), expected, value)
}

func (s *Store) IncrDeposit(ctx context.Context, id string, field status.DepositField, delta int64) (int64, error) {
	if !field.Valid() {
		return 0, fmt.Errorf("%w: deposit field %q", status.ErrUnknownField, field)
	}
	return s.incr(ctx, "deposit", id, s.depositKey(id), string(field), delta)
}

// DepositIDs lists live deposits and drops index entries whose hash expired.
func (s *Store) DepositIDs(ctx context.Context) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	exists := make([]*redis.IntCmd, len(members))
	if _, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range members {
			exists[i] = p.Exists(ctx, s.depositKey(id))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("check deposits: %w", err)
	}
	live := make([]string, 0, len(members))
	var stale []any
	for i, id := range members {
		if exists[i].Val() == 1 {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			s.logger.Debug("stale deposit index entries not pruned",
				logging.Int("stale", len(stale)),
				logging.Error(err),
			)
		}
	}
	sort.Strings(live)
	return live, nil
}

func (s *Store) requireDeposit(ctx context.Context, id string) error {
	n, err := s.rdb.Exists(ctx, s.depositKey(id)).Result()
	if err != nil {
		return fmt.Errorf("lookup deposit %s: %w", id, err)
	}
	if n == 0 {
		return notFound("deposit", id)
	}
	return nil
}

func (s *Store) AddPaths(ctx context.Context, id string, kind status.PathKind, paths ...string) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown path kind %q", kind)
	}
	if err := s.requireDeposit(ctx, id); err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}
	members := make([]any, len(paths))
	for i, p := range paths {
		members[i] = p
	}
	if err := s.rdb.SAdd(ctx, s.pathsKey(id, kind), members...).Err(); err != nil {
		return fmt.Errorf("add %s paths to %s: %w", kind, id, err)
	}
	return nil
}

func (s *Store) Paths(ctx context.Context, id string, kind status.PathKind) ([]string, error) {
	if err := s.requireDeposit(ctx, id); err != nil {
		return nil, err
	}
	paths, err := s.rdb.SMembers(ctx, s.pathsKey(id, kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s paths of %s: %w", kind, id, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Store) Pipeline(ctx context.Context) (status.PipelineFields, error) {
	values, err := s.rdb.HGetAll(ctx, s.pipelineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	fields := make(status.PipelineFields, len(values))
	for k, v := range values {
		fields[status.PipelineField(k)] = v
	}
	return fields, nil
}

func (s *Store) SetPipeline(ctx context.Context, fields status.PipelineFields) error {
	if err := fields.Validate(); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HSet(ctx, s.pipelineKey(), hashArgs(fields)...).Err(); err != nil {
		return fmt.Errorf("set pipeline: %w", err)
	}
	return nil
}

func (s *Store) AcquireLock(ctx context.Context, depositID, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, s.rdb,
		[]string{s.lockKey(depositID), s.depositKey(depositID)}, owner, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", depositID, err)
	}
	if n < 0 {
		return false, notFound("deposit", depositID)
	}
	return n == 1, nil
}

func (s *Store) RenewLock(ctx context.Context, depositID, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.rdb, []string{s.lockKey(depositID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", depositID, err)
	}
	return n == 1, nil
}

func (s *Store) ReleaseLock(ctx context.Context, depositID, owner string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.lockKey(depositID)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", depositID, err)
	}
	return nil
}

// ScheduleExpiry sets a TTL on every key belonging to the deposit.
func (s *Store) ScheduleExpiry(ctx context.Context, depositID string, after time.Duration) error {
	if err := s.requireDeposit(ctx, depositID); err != nil {
		return err
	}
	jobIDs, err := s.rdb.LRange(ctx, s.jobsKey(depositID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list jobs of %s: %w", depositID, err)
	}
	keys := []string{
		s.depositKey(depositID),
		s.jobsKey(depositID),
		s.lockKey(depositID),
		s.pathsKey(depositID, status.PathsStaged),
		s.pathsKey(depositID, status.PathsCleanup),
	}
	for _, jobID := range jobIDs {
		keys = append(keys, s.jobKey(depositID, jobID))
	}
	if _, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range keys {
			p.PExpire(ctx, key, after)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("schedule expiry %s: %w", depositID, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
