package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rishansujesh/jobsched/internal/jobs"
)

// Claimer holds the running marker of a job key. Claim is an atomic
// compare-and-set; Refresh and Release only act while token owns the marker.
// A multi-node deployment needs an implementation shared by all nodes.
type Claimer interface {
	Claim(ctx context.Context, key jobs.JobKey, token string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key jobs.JobKey, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key jobs.JobKey, token string) error
}

type localClaim struct {
	token   string
	expires time.Time
}

// LocalClaims keeps markers in process memory.
type LocalClaims struct {
	mu     sync.Mutex
	claims map[jobs.JobKey]localClaim
	now    func() time.Time
}

func NewLocalClaims() *LocalClaims {
	return &LocalClaims{claims: map[jobs.JobKey]localClaim{}, now: time.Now}
}

func (l *LocalClaims) Claim(_ context.Context, key jobs.JobKey, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if c, ok := l.claims[key]; ok && now.Before(c.expires) {
		return false, nil
	}
	l.claims[key] = localClaim{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (l *LocalClaims) Refresh(_ context.Context, key jobs.JobKey, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.claims[key]
	if !ok || c.token != token {
		return false, nil
	}
	c.expires = l.now().Add(ttl)
	l.claims[key] = c
	return true, nil
}

func (l *LocalClaims) Release(_ context.Context, key jobs.JobKey, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.claims[key]; ok && c.token == token {
		delete(l.claims, key)
	}
	return nil
}

// Held reports whether key has a live marker.
func (l *LocalClaims) Held(key jobs.JobKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.claims[key]
	return ok && l.now().Before(c.expires)
}
