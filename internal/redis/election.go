package redisx

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// renewScript extends the lease only while this instance still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the key only while it holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// LeaderElector holds a lease on a Redis key. It is a lease, not consensus:
// two nodes may both believe they lead for up to one TTL after a partition.
type LeaderElector struct {
	rdb      redis.Cmdable
	key      string
	ttl      time.Duration
	interval time.Duration
	instance string
	isLeader atomic.Bool
	log      zerolog.Logger
	now      func() time.Time

	// leaseUntil is when the last acquired or renewed lease runs out. Only
	// step touches it.
	leaseUntil time.Time
}

func NewLeaderElector(rdb redis.Cmdable, key string, ttl time.Duration, instanceID string, log zerolog.Logger) *LeaderElector {
	if instanceID == "" {
		instanceID = hostname()
	}
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	return &LeaderElector{
		rdb:      rdb,
		key:      key,
		ttl:      ttl,
		interval: interval,
		instance: instanceID,
		log:      log.With().Str("component", "election").Str("instance", instanceID).Logger(),
		now:      time.Now,
	}
}

// Run campaigns until ctx ends, then gives the lease up.
func (l *LeaderElector) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		l.step(ctx)
		select {
		case <-ctx.Done():
			l.resign()
			return nil
		case <-ticker.C:
		}
	}
}

func (l *LeaderElector) step(ctx context.Context) {
	start := l.now()
	if !l.isLeader.Load() {
		ok, err := l.rdb.SetNX(ctx, l.key, l.instance, l.ttl).Result()
		if err != nil {
			l.log.Warn().Err(err).Msg("acquire leadership")
			return
		}
		if ok {
			l.leaseUntil = start.Add(l.ttl)
			l.isLeader.Store(true)
			l.log.Info().Msg("became leader")
		}
		return
	}
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.instance, l.ttl.Milliseconds()).Int()
	if err != nil {
		if !l.now().Before(l.leaseUntil) {
			l.isLeader.Store(false)
			l.log.Warn().Err(err).Msg("lease expired without renewal, stepping down")
			return
		}
		l.log.Warn().Err(err).Time("lease_until", l.leaseUntil).Msg("renew leadership")
		return
	}
	if n == 0 {
		l.isLeader.Store(false)
		l.log.Warn().Msg("lost leadership")
		return
	}
	l.leaseUntil = start.Add(l.ttl)
}

func (l *LeaderElector) resign() {
	if !l.isLeader.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.instance).Err(); err != nil {
		l.log.Warn().Err(err).Msg("resign leadership")
	}
}

func (l *LeaderElector) IsLeader() bool { return l.isLeader.Load() }

func (l *LeaderElector) Instance() string { return l.instance }

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "instance"
}
