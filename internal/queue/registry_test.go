package queue

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishansujesh/jobsched/internal/jobs"
	"github.com/rishansujesh/jobsched/internal/schedule"
)

const hourly = "0 0 * * * ?"

func setup(t *testing.T, ids ...string) (*Registry, *jobs.MemStore) {
	t.Helper()
	store := jobs.NewMemStore()
	for _, id := range ids {
		_, err := store.Create(context.Background(), &jobs.Configuration{
			ID: id, Name: id, Type: jobs.JobType("T" + id),
			SchedulingType: schedule.FixedDelay, Delay: 30, Enabled: true,
		})
		require.NoError(t, err)
	}
	return NewRegistry(store, zerolog.Nop()), store
}

// assertMembers checks that exactly ids belong to queue, at their index.
func assertMembers(t *testing.T, store jobs.Store, queue string, ids ...string) {
	t.Helper()
	all, err := store.List(context.Background(), jobs.Filter{})
	require.NoError(t, err)
	want := map[string]int{}
	for i, id := range ids {
		want[id] = i
	}
	for _, c := range all {
		pos, member := want[c.ID]
		if !member {
			assert.NotEqual(t, queue, c.QueueName, "%s must not be in %s", c.ID, queue)
			continue
		}
		assert.Equal(t, queue, c.QueueName, c.ID)
		require.NotNil(t, c.QueuePosition, c.ID)
		assert.Equal(t, pos, *c.QueuePosition, c.ID)
		assert.Equal(t, schedule.Cron, c.SchedulingType, c.ID)
	}
}

func TestCreateQueue(t *testing.T) {
	ctx := context.Background()
	r, store := setup(t, "A", "B", "C")

	q, err := r.CreateQueue(ctx, "Q", hourly, []string{"A", "B", "C"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, q.Sequence)

	members, err := r.GetQueue(ctx, "Q")
	require.NoError(t, err)
	require.Len(t, members, 3)
	for i, m := range members {
		assert.Equal(t, []string{"A", "B", "C"}[i], m.ID)
		assert.Equal(t, hourly, m.CronExpression)
	}
	assertMembers(t, store, "Q", "A", "B", "C")

	info, err := r.GetQueueInfo(ctx, "Q")
	require.NoError(t, err)
	assert.Equal(t, &Queue{Name: "Q", CronExpression: hourly, Sequence: []string{"A", "B", "C"}}, info)

	names, err := r.ListQueueNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Q"}, names)
}

func TestCreateQueue_Rejections(t *testing.T) {
	ctx := context.Background()
	r, _ := setup(t, "A", "B", "C", "D")
	_, err := r.CreateQueue(ctx, "Q", hourly, []string{"A", "B"})
	require.NoError(t, err)

	cases := []struct {
		name     string
		queue    string
		cron     string
		sequence []string
		check    func(error) bool
	}{
		{"name taken", "Q", hourly, []string{"C", "D"}, jobs.IsConflict},
		{"member already queued", "R", hourly, []string{"B", "C"}, jobs.IsConflict},
		{"unknown member", "R", hourly, []string{"C", "nope"}, jobs.IsConflict},
		{"duplicate member", "R", hourly, []string{"C", "C"}, jobs.IsConflict},
		{"malformed cron", "R", "0 0 *", []string{"C", "D"}, jobs.IsValidation},
		{"unset cron", "R", schedule.UnsetCron, []string{"C", "D"}, jobs.IsValidation},
		{"too short", "R", hourly, []string{"C"}, jobs.IsValidation},
		{"no name", "", hourly, []string{"C", "D"}, jobs.IsValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.CreateQueue(ctx, tc.queue, tc.cron, tc.sequence)
			require.Error(t, err)
			assert.True(t, tc.check(err), "got %v", err)
		})
	}

	// failed attempts leave C and D alone
	_, err = r.CreateQueue(ctx, "R", hourly, []string{"C", "D"})
	require.NoError(t, err)
}

func TestGetQueue_NotFound(t *testing.T) {
	r, _ := setup(t)
	_, err := r.GetQueue(context.Background(), "missing")
	assert.True(t, jobs.IsNotFound(err))
	_, err = r.GetQueueInfo(context.Background(), "missing")
	assert.True(t, jobs.IsNotFound(err))
}

func TestUpdateQueue(t *testing.T) {
	ctx := context.Background()
	r, store := setup(t, "A", "B", "C", "D")
	_, err := r.CreateQueue(ctx, "Q", hourly, []string{"A", "B", "C"})
	require.NoError(t, err)

	q, err := r.UpdateQueue(ctx, "Q", "", "0 30 * * * ?", []string{"C", "D", "A"})
	require.NoError(t, err)
	assert.Equal(t, "Q", q.Name)
	assertMembers(t, store, "Q", "C", "D", "A")

	b, err := store.Get(ctx, "B")
	require.NoError(t, err)
	assert.Empty(t, b.QueueName)
	assert.Nil(t, b.QueuePosition)
	assert.Empty(t, b.CronExpression)
	assert.True(t, b.Enabled)

	_, err = r.UpdateQueue(ctx, "Q", "R", "0 30 * * * ?", []string{"C", "D"})
	require.NoError(t, err)
	assertMembers(t, store, "R", "C", "D")
	_, err = r.GetQueue(ctx, "Q")
	assert.True(t, jobs.IsNotFound(err))

	_, err = r.UpdateQueue(ctx, "missing", "", hourly, []string{"A", "B"})
	assert.True(t, jobs.IsNotFound(err))
}

func TestUpdateQueue_RenameClash(t *testing.T) {
	ctx := context.Background()
	r, _ := setup(t, "A", "B", "C", "D")
	_, err := r.CreateQueue(ctx, "Q", hourly, []string{"A", "B"})
	require.NoError(t, err)
	_, err = r.CreateQueue(ctx, "R", hourly, []string{"C", "D"})
	require.NoError(t, err)

	_, err = r.UpdateQueue(ctx, "Q", "R", hourly, []string{"A", "B"})
	assert.True(t, jobs.IsConflict(err))
	assert.True(t, errors.Is(err, ErrQueueExists))
}

func TestDeleteQueue(t *testing.T) {
	ctx := context.Background()
	r, store := setup(t, "A", "B", "C")
	_, err := r.CreateQueue(ctx, "Q", hourly, []string{"A", "B", "C"})
	require.NoError(t, err)

	require.NoError(t, r.DeleteQueue(ctx, "Q"))
	for _, id := range []string{"A", "B", "C"} {
		c, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, c.QueueName, id)
		assert.Nil(t, c.QueuePosition, id)
		assert.Empty(t, c.CronExpression, id)
		assert.False(t, c.Enabled, id)
		_, due := c.Entry().NextExecutionTime(c.Created, 0)
		assert.False(t, due, "%s must stay inert", id)
	}
	names, err := r.ListQueueNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	assert.True(t, jobs.IsNotFound(r.DeleteQueue(ctx, "Q")))
}

// racingStore edits one configuration right before the next UpdateAll, the
// way a concurrent writer would between load and write.
type racingStore struct {
	*jobs.MemStore
	touch string
}

func (s *racingStore) UpdateAll(ctx context.Context, cfgs []*jobs.Configuration) ([]*jobs.Configuration, error) {
	if s.touch != "" {
		c, err := s.MemStore.Get(ctx, s.touch)
		if err != nil {
			return nil, err
		}
		c.Name += "-edited"
		if _, err := s.MemStore.Update(ctx, c); err != nil {
			return nil, err
		}
		s.touch = ""
	}
	return s.MemStore.UpdateAll(ctx, cfgs)
}

func TestCreateQueue_FailedWriteChangesNothing(t *testing.T) {
	ctx := context.Background()
	_, mem := setup(t, "A", "B", "C")
	store := &racingStore{MemStore: mem, touch: "B"}
	r := NewRegistry(store, zerolog.Nop())

	_, err := r.CreateQueue(ctx, "Q", hourly, []string{"A", "B", "C"})
	require.Error(t, err)
	assert.True(t, jobs.IsConflict(err))
	assert.False(t, errors.Is(err, ErrQueueExists))

	for _, id := range []string{"A", "B", "C"} {
		c, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, c.QueueName, id)
		assert.Nil(t, c.QueuePosition, id)
		assert.Equal(t, schedule.FixedDelay, c.SchedulingType, id)
		assert.Equal(t, 30, c.Delay, id)
		assert.Empty(t, c.CronExpression, id)
	}
	names, err := r.ListQueueNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = r.CreateQueue(ctx, "Q", hourly, []string{"A", "B", "C"})
	require.NoError(t, err)
	assertMembers(t, store, "Q", "A", "B", "C")
}

func TestUpdateQueue_FailedWriteKeepsQueue(t *testing.T) {
	ctx := context.Background()
	_, mem := setup(t, "A", "B", "C", "D")
	store := &racingStore{MemStore: mem}
	r := NewRegistry(store, zerolog.Nop())
	_, err := r.CreateQueue(ctx, "Q", hourly, []string{"A", "B", "C"})
	require.NoError(t, err)

	store.touch = "D"
	_, err = r.UpdateQueue(ctx, "Q", "", "0 30 * * * ?", []string{"C", "D"})
	assert.True(t, jobs.IsConflict(err))

	assertMembers(t, store, "Q", "A", "B", "C")
	d, err := store.Get(ctx, "D")
	require.NoError(t, err)
	assert.Empty(t, d.QueueName)
	assert.Equal(t, schedule.FixedDelay, d.SchedulingType)
	members, err := r.GetQueue(ctx, "Q")
	require.NoError(t, err)
	for _, m := range members {
		assert.Equal(t, hourly, m.CronExpression, m.ID)
	}
}

func TestUpdateQueue_KeepsPendingExecuteNow(t *testing.T) {
	ctx := context.Background()
	r, store := setup(t, "A", "B")
	_, err := r.CreateQueue(ctx, "Q", hourly, []string{"A", "B"})
	require.NoError(t, err)

	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ok, err := store.TryExecuteNow(ctx, "B", at)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.UpdateQueue(ctx, "Q", "", "0 30 * * * ?", []string{"A", "B"})
	require.NoError(t, err)

	b, err := store.Get(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, schedule.OnceASAP, b.SchedulingType)
	assert.Equal(t, "0 30 * * * ?", b.CronExpression)
	require.NotNil(t, b.QueuePosition)
	assert.Equal(t, 1, *b.QueuePosition)

	ok, err = store.TryStart(ctx, "B", "node", at)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.TryFinish(ctx, "B", jobs.StatusCompleted, at.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	b, err = store.Get(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, schedule.Cron, b.SchedulingType)
	assert.Equal(t, "0 30 * * * ?", b.CronExpression)
}
