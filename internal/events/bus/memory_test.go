package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeplane/codeplane/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewMemoryEventBus(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	require.NotNil(t, b)
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var received atomic.Int32
	_, err := b.Subscribe(SubjectJobFinished, func(ctx context.Context, e *Event) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("job.finished", "test", map[string]interface{}{"jobId": "j1"})
	require.NoError(t, b.Publish(context.Background(), SubjectJobFinished, event))

	waitFor(t, func() bool { return received.Load() == 1 }, "event not delivered")
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var received atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe(SubjectThread, func(ctx context.Context, e *Event) error {
			received.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), SubjectThread, NewEvent("thread.updated", "test", nil)))

	waitFor(t, func() bool { return received.Load() == 3 }, "expected delivery to all subscribers")
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var received atomic.Int32
	sub, err := b.Subscribe(SubjectJobState, func(ctx context.Context, e *Event) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), SubjectJobState, NewEvent("job.state.changed", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), received.Load())
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		match   bool
	}{
		{"single token star", "job.*", "job.finished", true},
		{"star does not span tokens", "job.*", "job.state.changed", false},
		{"tail wildcard", "job.>", "job.state.changed", true},
		{"tail wildcard other root", "job.>", "thread.updated", false},
		{"exact", "thread.updated", "thread.updated", true},
		{"exact mismatch", "thread.updated", "thread.archived", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewMemoryEventBus(newTestLogger(t))
			defer b.Close()

			var received atomic.Int32
			_, err := b.Subscribe(tt.pattern, func(ctx context.Context, e *Event) error {
				received.Add(1)
				return nil
			})
			require.NoError(t, err)

			require.NoError(t, b.Publish(context.Background(), tt.subject, NewEvent("x", "test", nil)))

			if tt.match {
				waitFor(t, func() bool { return received.Load() == 1 }, "expected wildcard match")
			} else {
				time.Sleep(30 * time.Millisecond)
				assert.Equal(t, int32(0), received.Load())
			}
		})
	}
}

func TestMemoryEventBus_MessageOrdering(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var order []string
	_, err := b.Subscribe("job.>", func(ctx context.Context, e *Event) error {
		mu.Lock()
		order = append(order, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	types := []string{"a", "b", "c", "d", "e"}
	for _, typ := range types {
		require.NoError(t, b.Publish(context.Background(), SubjectJobState, NewEvent(typ, "test", nil)))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(types)
	}, "not all events delivered")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, types, order)
}

func TestMemoryEventBus_PublishAfterClose(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	b.Close()

	err := b.Publish(context.Background(), SubjectThread, NewEvent("thread.updated", "test", nil))
	assert.Error(t, err)

	_, err = b.Subscribe(SubjectThread, func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}

func TestNewEvent(t *testing.T) {
	e := NewEvent("job.finished", "session", map[string]interface{}{"jobId": "j1"})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "job.finished", e.Type)
	assert.Equal(t, "session", e.Source)
	assert.WithinDuration(t, time.Now().UTC(), e.Timestamp, time.Second)
	assert.Equal(t, "j1", e.Data["jobId"])
}
