package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueueWithClient(client, time.Minute)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "job-1"))
	require.NoError(t, q.Enqueue(ctx, "job-2"))

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	inflight, err := q.InFlight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, inflight)

	require.NoError(t, q.Ack(ctx, "job-1"))
	inflight, err = q.InFlight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, inflight)

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestEnqueueSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "job-1"))
	require.NoError(t, q.Enqueue(ctx, "job-1"))
	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	_, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, "job-1"))
	depth, err = q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth, "leased job must not be queued twice")
}

func TestDequeueEmpty(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.DequeueWithLease(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "job-1"))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "lease still valid")

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, ids)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestExtendLeaseKeepsJobInFlight(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "job-1"))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.ExtendLease(ctx, "job-1", 10*time.Minute))

	ids, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "job-1"))
	require.NoError(t, q.Enqueue(ctx, "job-2"))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, "job-1"))
	require.NoError(t, q.Remove(ctx, "job-2"))

	depth, _ := q.ReadyDepth(ctx)
	inflight, _ := q.InFlight(ctx)
	assert.EqualValues(t, 0, depth)
	assert.EqualValues(t, 0, inflight)
}
