package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed check_window.lua
var checkWindowSrc string

//go:embed breaker_cas.lua
var breakerCASSrc string

var (
	checkWindowScript = redis.NewScript(checkWindowSrc)
	breakerCASScript  = redis.NewScript(breakerCASSrc)
)

// Key prefixes shared by every gateway instance pointed at the same Redis.
const (
	windowKeyPrefix  = "rate_limit:"
	breakerKeyPrefix = "circuit:"
)

// breakerStateTTL bounds how long a target's record outlives its last
// transition. Long enough that an idle-but-open breaker still recovers
// through the half-open path rather than by expiry.
const breakerStateTTL = 24 * time.Hour

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore implements Store on a shared Redis instance. Window state lives
// in per-identity sorted sets scored by request time; breaker state is a
// JSON-serialized record swapped via Lua compare-and-set. Both give the
// per-key atomicity the limiter and breaker require across processes.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)
var _ WindowChecker = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies reachability.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) TrimAndCount(ctx context.Context, identity string, cutoff time.Time) (int64, error) {
	key := windowKeyPrefix + identity

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff.UnixMilli()))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable(err)
	}
	return card.Val(), nil
}

func (s *RedisStore) Insert(ctx context.Context, identity string, ts time.Time, member string, ttl time.Duration) error {
	key := windowKeyPrefix + identity

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts.UnixMilli()), Member: member})
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// CheckWindow runs the trim-count-insert sequence as one Lua script, so
// concurrent checks for the same identity can never both observe a stale
// count at the admission boundary.
func (s *RedisStore) CheckWindow(ctx context.Context, identity string, cutoff, now time.Time, member string, max int64, ttl time.Duration) (int64, bool, error) {
	key := windowKeyPrefix + identity

	res, err := checkWindowScript.Run(ctx, s.client, []string{key},
		cutoff.UnixMilli(),
		now.UnixMilli(),
		member,
		max,
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return 0, false, unavailable(err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, false, fmt.Errorf("unexpected check_window reply: %v", res)
	}
	count, _ := vals[0].(int64)
	admitted, _ := vals[1].(int64)
	return count, admitted == 1, nil
}

func (s *RedisStore) GetBreakerState(ctx context.Context, target string) (BreakerState, error) {
	key := breakerKeyPrefix + target

	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// First reference: persist the initial state so later CAS calls have
		// a stable expected value. SetNX keeps concurrent initializers safe.
		initial := NewBreakerState()
		b, merr := json.Marshal(initial)
		if merr != nil {
			return BreakerState{}, merr
		}
		if err := s.client.SetNX(ctx, key, b, breakerStateTTL).Err(); err != nil {
			return BreakerState{}, unavailable(err)
		}
		return initial, nil
	}
	if err != nil {
		return BreakerState{}, unavailable(err)
	}

	var st BreakerState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return BreakerState{}, fmt.Errorf("decoding breaker state for %q: %w", target, err)
	}
	return st, nil
}

func (s *RedisStore) CompareAndSetBreakerState(ctx context.Context, target string, expected, new BreakerState) (bool, error) {
	key := breakerKeyPrefix + target

	// encoding/json emits struct fields in declaration order, so equal states
	// always serialize to equal bytes and the Lua string compare is exact.
	expRaw, err := json.Marshal(expected)
	if err != nil {
		return false, err
	}
	newRaw, err := json.Marshal(new)
	if err != nil {
		return false, err
	}

	initRaw, err := json.Marshal(NewBreakerState())
	if err != nil {
		return false, err
	}

	res, err := breakerCASScript.Run(ctx, s.client, []string{key},
		string(expRaw), string(newRaw), string(initRaw), breakerStateTTL.Milliseconds()).Int()
	if err != nil {
		return false, unavailable(err)
	}
	return res == 1, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
