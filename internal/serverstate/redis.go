package serverstate

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/wschan/internal/logx"
)

// DefaultRedisKey is the key NewRedisStore uses when none is given.
const DefaultRedisKey = "wschan:state"

// redisOpTimeout bounds each Load and Store round trip.
const redisOpTimeout = 2 * time.Second

// redisStore keeps the JSON-encoded State under a single Redis key so that
// several wschan instances behind a balancer report the same status.
type redisStore struct {
	client redis.UniversalClient
	key    string
}

// Dial connects to the Redis deployment described by addr and checks it with
// a PING. addr is either host:port or a redis://, rediss:// or
// redis-sentinel:// URL.
func Dial(ctx context.Context, addr string) (redis.UniversalClient, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addrs, err)
	}
	return c, nil
}

// NewRedisStore returns a Store keeping the state under key. The key is
// initialized to not_ready if it does not exist yet.
func NewRedisStore(c redis.UniversalClient, key string) Store {
	if key == "" {
		key = DefaultRedisKey
	}
	rs := &redisStore{client: c, key: key}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := rs.client.SetNX(ctx, key, rs.encode(State{Status: StatusNotReady}), 0).Err(); err != nil {
		logx.Log.Warn().Err(err).Str("key", key).Msg("init server state")
	}
	return rs
}

// Load returns the stored state. A missing key reads as not_ready; an
// unreachable server or a value that is not a State reads as unknown.
func (r *redisStore) Load() State {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	st, err := r.fetch(ctx)
	if err != nil {
		logx.Log.Warn().Err(err).Str("key", r.key).Msg("load server state")
		return State{Status: StatusUnknown}
	}
	return st
}

func (r *redisStore) fetch(ctx context.Context) (State, error) {
	b, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{Status: StatusNotReady}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("get %s: %w", r.key, err)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, fmt.Errorf("decode %s: %w", r.key, err)
	}
	return st, nil
}

func (r *redisStore) Store(s State) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Set(ctx, r.key, r.encode(s), 0).Err(); err != nil {
		logx.Log.Warn().Err(err).Str("key", r.key).Str("status", s.Status).Msg("store server state")
	}
}

// encode cannot fail: State has only string and bool fields.
func (r *redisStore) encode(s State) []byte {
	b, _ := json.Marshal(s)
	return b
}

// parseRedisURL turns addr into UniversalOptions. A bare host:port selects a
// single node; redis:// and rediss:// accept a comma-separated host list and
// a db in the path or the db query parameter; the -sentinel variants take the
// master name from the path.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	scheme, sentinel := strings.CutSuffix(u.Scheme, "-sentinel")
	if scheme != "redis" && scheme != "rediss" {
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}

	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}
	if scheme == "rediss" {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	q := u.Query()
	path := strings.Trim(u.Path, "/")
	db := q.Get("db")
	if sentinel {
		opts.MasterName = path
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	} else if path != "" {
		db = path
	}
	if db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid db %q: %w", db, err)
		}
		opts.DB = n
	}
	return opts, nil
}
