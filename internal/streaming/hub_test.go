package streaming

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeplane/codeplane/internal/common/config"
	"github.com/codeplane/codeplane/internal/common/errors"
	"github.com/codeplane/codeplane/internal/common/logger"
	"github.com/codeplane/codeplane/internal/store"
	v1 "github.com/codeplane/codeplane/pkg/api/v1"
)

func newTestHub(t *testing.T, queueSize int) *Hub {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	st, err := store.New(config.StoreConfig{
		DBPath:         filepath.Join(t.TempDir(), "hub.db"),
		EventRetention: 100,
		TerminalJobTTL: 24,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return NewHub(st, config.StreamingConfig{QueueSize: queueSize}, log)
}

func deltaEvent(text string) v1.Event {
	payload, _ := json.Marshal(map[string]string{"itemId": "i1", "delta": text})
	return v1.Event{Type: v1.EventAgentMessageDelta, Payload: payload}
}

func waitRegistered(t *testing.T, sub *Subscription) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sub.isRegistered() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("subscription never registered")
}

func collect(t *testing.T, sub *Subscription, n int) []v1.Event {
	t.Helper()
	events := make([]v1.Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				t.Fatalf("channel closed after %d of %d events (reason %s)", len(events), n, sub.Reason())
			}
			events = append(events, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func TestSubscribe_ReplayThenLive(t *testing.T) {
	h := newTestHub(t, 16)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.Append(ctx, "j1", deltaEvent("old"), "")
		require.NoError(t, err)
	}

	sub, err := h.Subscribe(ctx, "j1", -1)
	require.NoError(t, err)
	defer sub.Close()
	waitRegistered(t, sub)

	for i := 0; i < 2; i++ {
		_, err := h.Append(ctx, "j1", deltaEvent("live"), "")
		require.NoError(t, err)
	}

	events := collect(t, sub, 5)
	for i, e := range events {
		assert.Equal(t, int64(i), e.Seq)
		assert.Equal(t, "j1", e.JobID)
	}
}

func TestSubscribe_CursorSplitNoDuplicatesNoGaps(t *testing.T) {
	h := newTestHub(t, 16)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := h.Append(ctx, "j1", deltaEvent("x"), "")
		require.NoError(t, err)
	}

	first, err := h.Subscribe(ctx, "j1", -1)
	require.NoError(t, err)
	part := collect(t, first, 3)
	first.Close()

	second, err := h.Subscribe(ctx, "j1", part[len(part)-1].Seq)
	require.NoError(t, err)
	defer second.Close()

	rest := collect(t, second, 3)
	assert.Equal(t, int64(3), rest[0].Seq)
	assert.Equal(t, int64(5), rest[2].Seq)
}

func TestAppend_SlowConsumerIsEvicted(t *testing.T) {
	h := newTestHub(t, 4)
	ctx := context.Background()

	sub, err := h.Subscribe(ctx, "j1", -1)
	require.NoError(t, err)
	waitRegistered(t, sub)

	// Fill the queue and then some without the subscriber reading.
	for i := 0; i < 10; i++ {
		_, err := h.Append(ctx, "j1", deltaEvent("fast"), "")
		require.NoError(t, err)
	}

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was not evicted")
	}
	assert.Equal(t, ReasonSlowConsumer, sub.Reason())

	// The appender was never blocked; resubscribing at the last observed
	// cursor resumes losslessly.
	events := collect(t, sub, 4)
	resumed, err := h.Subscribe(ctx, "j1", events[len(events)-1].Seq)
	require.NoError(t, err)
	defer resumed.Close()
	rest := collect(t, resumed, 6)
	assert.Equal(t, events[len(events)-1].Seq+1, rest[0].Seq)
}

func TestAppend_JobFinishedClosesSubscribers(t *testing.T) {
	h := newTestHub(t, 16)
	ctx := context.Background()

	sub, err := h.Subscribe(ctx, "j1", -1)
	require.NoError(t, err)
	waitRegistered(t, sub)

	_, err = h.Append(ctx, "j1", deltaEvent("bye"), "")
	require.NoError(t, err)
	_, err = h.Append(ctx, "j1", v1.Event{Type: v1.EventJobFinished}, "")
	require.NoError(t, err)

	// The final event is still delivered before the channel closes.
	events := collect(t, sub, 2)
	assert.Equal(t, v1.EventJobFinished, events[1].Type)

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, ReasonJobTerminal, sub.Reason())
}

func TestSubscribe_TerminalJobReplaysThenCloses(t *testing.T) {
	h := newTestHub(t, 16)
	ctx := context.Background()

	_, err := h.Append(ctx, "j1", deltaEvent("done already"), "")
	require.NoError(t, err)
	_, err = h.Append(ctx, "j1", v1.Event{Type: v1.EventJobFinished}, "")
	require.NoError(t, err)

	sub, err := h.Subscribe(ctx, "j1", -1)
	require.NoError(t, err)

	events := collect(t, sub, 2)
	assert.Equal(t, v1.EventJobFinished, events[1].Type)

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, ReasonJobTerminal, sub.Reason())
}

func TestSubscribe_ExpiredCursorFailsFast(t *testing.T) {
	h := newTestHub(t, 16)
	ctx := context.Background()

	_, err := h.Append(ctx, "j1", deltaEvent("x"), "")
	require.NoError(t, err)

	_, err = h.Subscribe(ctx, "j1", 99)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeCursorExpired))
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	h := newTestHub(t, 16)
	ctx := context.Background()

	sub, err := h.Subscribe(ctx, "j1", -1)
	require.NoError(t, err)
	waitRegistered(t, sub)

	sub.Close()
	<-sub.Done()
	assert.Equal(t, ReasonClientGone, sub.Reason())

	// Appending after the close must not panic or block.
	_, err = h.Append(ctx, "j1", deltaEvent("after"), "")
	require.NoError(t, err)
}

func TestAppend_DedupeDoesNotRebroadcast(t *testing.T) {
	h := newTestHub(t, 16)
	ctx := context.Background()

	sub, err := h.Subscribe(ctx, "j1", -1)
	require.NoError(t, err)
	defer sub.Close()
	waitRegistered(t, sub)

	seq1, err := h.Append(ctx, "j1", deltaEvent("once"), "k1")
	require.NoError(t, err)
	seq2, err := h.Append(ctx, "j1", deltaEvent("once"), "k1")
	require.NoError(t, err)
	assert.Equal(t, seq1, seq2)

	events := collect(t, sub, 1)
	assert.Equal(t, seq1, events[0].Seq)

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected duplicate event seq=%d", e.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}
