package outbox

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// releaseScript deletes the lease only when this instance still holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// renewScript extends the lease only when this instance still holds it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// Elector is a Redis-lease leader election. Only the lease holder polls the
// outbox, so one publisher dispatches at a time; when the holder dies the
// lease expires within the TTL and another instance claims it. All delivery
// state lives in the outbox table, so failover resumes cleanly.
type Elector struct {
	rdb      *redis.Client
	key      string
	holderID string
	ttl      time.Duration
	log      *zap.SugaredLogger
}

func NewElector(rdb *redis.Client, key, holderID string, ttl time.Duration, log *zap.SugaredLogger) *Elector {
	return &Elector{rdb: rdb, key: key, holderID: holderID, ttl: ttl, log: log}
}

// TryAcquire claims or renews the lease. Returns true while this instance is
// the leader.
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := e.rdb.SetNX(ctx, e.key, e.holderID, e.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, e.rdb, []string{e.key}, e.holderID, e.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return renewed == 1, nil
}

// Release drops the lease if still held. Called on shutdown so a successor
// does not wait out the TTL.
func (e *Elector) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, e.rdb, []string{e.key}, e.holderID).Int()
	return err
}
