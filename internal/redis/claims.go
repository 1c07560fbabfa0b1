package redisx

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/rishansujesh/jobsched/internal/jobs"
)

// Claims keeps running markers as Redis keys "<prefix>TYPE/ID" whose value is
// the run token of the owner.
type Claims struct {
	rdb    redis.Cmdable
	prefix string
}

func NewClaims(rdb redis.Cmdable, prefix string) *Claims {
	if prefix == "" {
		prefix = "jobsched:running:"
	}
	return &Claims{rdb: rdb, prefix: prefix}
}

func (c *Claims) key(k jobs.JobKey) string { return c.prefix + k.String() }

// Claim sets the marker if nobody holds it.
func (c *Claims) Claim(ctx context.Context, k jobs.JobKey, token string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.key(k), token, ttl).Result()
	return ok, errors.Wrapf(err, "claim %s", k)
}

// Refresh extends the marker if token still owns it.
func (c *Claims) Refresh(ctx context.Context, k jobs.JobKey, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, c.rdb, []string{c.key(k)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "refresh %s", k)
	}
	return n == 1, nil
}

// Release drops the marker if token still owns it.
func (c *Claims) Release(ctx context.Context, k jobs.JobKey, token string) error {
	err := releaseScript.Run(ctx, c.rdb, []string{c.key(k)}, token).Err()
	return errors.Wrapf(err, "release %s", k)
}

// Held lists the keys currently marked running anywhere in the cluster.
func (c *Claims) Held(ctx context.Context) ([]jobs.JobKey, error) {
	var out []jobs.JobKey
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), c.prefix)
		typ, id, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		out = append(out, jobs.JobKey{ID: id, Type: jobs.JobType(typ)})
	}
	return out, errors.Wrap(iter.Err(), "scan running markers")
}
