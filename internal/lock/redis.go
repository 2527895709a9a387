package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"triage-chatbot/internal/logger"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another worker is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a token lock shared by every server instance.  The TTL bounds how
// long a crashed holder can block a session.
type Redis struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	Poll   time.Duration
	Log    *logger.Logger
}

// NewRedis connects to addr and pings it.
func NewRedis(ctx context.Context, addr string, log *logger.Logger) (*Redis, error) {
	if log == nil {
		log = logger.NewNop()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{Client: client, Prefix: "triage:session:", TTL: 10 * time.Second, Poll: 25 * time.Millisecond, Log: log}, nil
}

// Lock polls SET NX PX until it wins or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.Prefix + key
	token := uuid.NewString()
	for {
		ok, err := r.Client.SetNX(ctx, k, token, r.TTL).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire %s: %w", k, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.Poll):
		}
	}
	return func() {
		// Release even when the request context is already cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, r.Client, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.Log.Warn("release session lock failed", "session_id", key, "error", err)
		}
	}, nil
}

func (r *Redis) Close() error { return r.Client.Close() }
