package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/models"
)

type recordingTransport struct {
	mu     sync.Mutex
	bodies [][]byte
	block  chan struct{}
	fail   bool
}

func (r *recordingTransport) Send(ctx context.Context, _ string, body []byte) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.fail {
		return errors.New("transport down")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, body)
	return nil
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func testEvent(jobType string) Event {
	return Event{
		JobType: jobType,
		Scope:   models.Scope{OrgID: "acme", ProjectID: "core"},
		Status:  models.RunOK,
		At:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestAsyncDeliversAndFlushesOnClose(t *testing.T) {
	tr := &recordingTransport{}
	pub := NewAsync(tr, "scheduler.events", 8, zap.NewNop().Sugar())

	for i := 0; i < 5; i++ {
		pub.Publish(testEvent("digest_refresh"))
	}
	require.NoError(t, pub.Close())

	assert.Equal(t, 5, tr.count())
	assert.Equal(t, int64(5), pub.Stats().Sent)

	var ev Event
	require.NoError(t, json.Unmarshal(tr.bodies[0], &ev))
	assert.Equal(t, "digest_refresh", ev.JobType)
	assert.Equal(t, "acme", ev.Scope.OrgID)
}

func TestAsyncPublishNeverBlocks(t *testing.T) {
	tr := &recordingTransport{block: make(chan struct{})}
	pub := NewAsync(tr, "scheduler.events", 2, zap.NewNop().Sugar())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			pub.Publish(testEvent("signal_extraction"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled transport")
	}

	assert.Greater(t, pub.Stats().Dropped, int64(0))
	close(tr.block)
	require.NoError(t, pub.Close())
}

func TestAsyncSwallowsTransportErrors(t *testing.T) {
	tr := &recordingTransport{fail: true}
	pub := NewAsync(tr, "scheduler.events", 4, zap.NewNop().Sugar())

	pub.Publish(testEvent("digest_refresh"))
	require.NoError(t, pub.Close())

	assert.Equal(t, int64(1), pub.Stats().Failed)
	assert.Equal(t, int64(0), pub.Stats().Sent)
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	tr := &recordingTransport{}
	pub := NewAsync(tr, "scheduler.events", 4, zap.NewNop().Sugar())
	require.NoError(t, pub.Close())

	pub.Publish(testEvent("digest_refresh"))
	assert.Equal(t, 0, tr.count())
	assert.Equal(t, int64(1), pub.Stats().Dropped)
}

func TestRedisTransportPublishes(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "scheduler.events")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	pub := NewAsync(NewRedisTransport(client), "scheduler.events", 4, zap.NewNop().Sugar())
	pub.Publish(testEvent("connector_sync.zendesk"))
	require.NoError(t, pub.Close())

	select {
	case msg := <-sub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, "connector_sync.zendesk", ev.JobType)
		assert.Equal(t, models.RunOK, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(testEvent("anything"))
}
