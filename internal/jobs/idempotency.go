package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// RunToken = sha256(type + "/" + id + due_iso + node) truncated, plus a random
// suffix. The deterministic prefix lets logs correlate claims of the same due
// occurrence; the suffix keeps two nodes racing for it distinguishable.
func RunToken(key JobKey, due time.Time, node string) string {
	payload := key.String() + due.UTC().Format(time.RFC3339Nano) + node
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:8]) + "-" + uuid.NewString()[:8]
}

// RunTokenPrefix returns the deterministic part of a token made by RunToken.
func RunTokenPrefix(token string) string {
	if len(token) < 16 {
		return token
	}
	return token[:16]
}

// WithTimeout puts a timeout around store operations consistently.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, func()) {
	return context.WithTimeout(ctx, d)
}
