package jobs

import (
	"testing"
	"time"
)

func TestRunToken_PrefixDeterministic(t *testing.T) {
	key := JobKey{ID: "job-123", Type: TypeSleep}
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := RunToken(key, ts, "node-a")
	t2 := RunToken(key, ts, "node-a")
	if RunTokenPrefix(t1) != RunTokenPrefix(t2) {
		t.Fatalf("prefixes differ: %s vs %s", t1, t2)
	}
	if t1 == t2 {
		t.Fatalf("expected distinct tokens, got %s twice", t1)
	}
}

func TestRunToken_ChangesWithInputs(t *testing.T) {
	key := JobKey{ID: "job-123", Type: TypeSleep}
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	k1 := RunTokenPrefix(RunToken(key, ts, "n"))
	k2 := RunTokenPrefix(RunToken(key, ts.Add(time.Second), "n"))
	if k1 == k2 {
		t.Fatalf("expected different tokens when time changes")
	}
	k3 := RunTokenPrefix(RunToken(JobKey{ID: "job-123", Type: TypeHTTPCall}, ts, "n"))
	if k1 == k3 {
		t.Fatalf("expected different tokens when type changes")
	}
}
