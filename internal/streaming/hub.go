// Package streaming fans appended job events out to live subscribers.
// The Hub owns the per-job critical section covering seq assignment,
// persistence and broadcast, so subscribers never observe out-of-order
// sequence numbers. Backpressure policy is drop-subscriber, never
// drop-message: a well-behaved consumer sees a lossless stream.
package streaming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codeplane/codeplane/internal/common/config"
	"github.com/codeplane/codeplane/internal/common/logger"
	"github.com/codeplane/codeplane/internal/store"
	v1 "github.com/codeplane/codeplane/pkg/api/v1"
)

// Hub is the per-job subscriber registry and the single append path for
// live job events.
type Hub struct {
	store     *store.Store
	logger    *logger.Logger
	queueSize int

	mu   sync.Mutex
	jobs map[string]*jobSubscribers
}

type jobSubscribers struct {
	mu   sync.Mutex
	subs []*Subscription
}

// NewHub creates a fan-out hub on top of the event store.
func NewHub(st *store.Store, cfg config.StreamingConfig, log *logger.Logger) *Hub {
	return &Hub{
		store:     st,
		logger:    log.WithFields(zap.String("component", "streaming")),
		queueSize: cfg.QueueSize,
		jobs:      make(map[string]*jobSubscribers),
	}
}

func (h *Hub) job(jobID string) *jobSubscribers {
	h.mu.Lock()
	defer h.mu.Unlock()
	js, ok := h.jobs[jobID]
	if !ok {
		js = &jobSubscribers{}
		h.jobs[jobID] = js
	}
	return js
}

func (h *Hub) dropJob(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.jobs, jobID)
}

// Append persists the event under the job's broadcast lock and pushes it
// to every live subscriber. Returns the assigned seq. A dedupe hit
// returns the original seq without re-broadcasting.
func (h *Hub) Append(ctx context.Context, jobID string, event v1.Event, dedupeKey string) (int64, error) {
	js := h.job(jobID)
	js.mu.Lock()
	defer js.mu.Unlock()

	prev, err := h.store.LastSeq(ctx, jobID)
	if err != nil {
		return 0, err
	}

	if event.Ts == "" {
		event.Ts = time.Now().UTC().Format(time.RFC3339Nano)
	}

	seq, err := h.store.AppendEvent(ctx, jobID, event, dedupeKey)
	if err != nil {
		return 0, err
	}
	if seq != prev+1 {
		// Dedupe hit: the event was already persisted and broadcast.
		return seq, nil
	}

	event.Seq = seq
	event.JobID = jobID
	h.broadcastLocked(js, jobID, event)

	if event.Type == v1.EventJobFinished {
		h.closeAllLocked(js, ReasonJobTerminal)
		h.dropJob(jobID)
	}

	return seq, nil
}

// broadcastLocked pushes the event to each registered subscriber.
// Subscribers whose queue is full are evicted; the appender never blocks.
func (h *Hub) broadcastLocked(js *jobSubscribers, jobID string, event v1.Event) {
	keep := js.subs[:0]
	for _, sub := range js.subs {
		if sub.isClosed() {
			continue
		}
		select {
		case sub.ch <- event:
			keep = append(keep, sub)
		default:
			h.logger.Warn("evicting slow consumer",
				zap.String("job_id", jobID),
				zap.Int64("seq", event.Seq))
			if sub.markClosed(ReasonSlowConsumer) {
				close(sub.ch)
			}
		}
	}
	js.subs = keep
}

func (h *Hub) closeAllLocked(js *jobSubscribers, reason CloseReason) {
	for _, sub := range js.subs {
		if sub.markClosed(reason) {
			close(sub.ch)
		}
	}
	js.subs = nil
}

// Subscribe attaches a subscriber at the given cursor. Retained events
// after the cursor are replayed first, then the subscription switches to
// live delivery with no duplicates or gaps across the handoff. An
// invalid cursor fails immediately with CURSOR_EXPIRED.
func (h *Hub) Subscribe(ctx context.Context, jobID string, cursor int64) (*Subscription, error) {
	page, err := h.store.ReadRange(ctx, jobID, cursor, 0)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		jobID: jobID,
		hub:   h,
		ch:    make(chan v1.Event, h.queueSize),
		done:  make(chan struct{}),
	}

	go h.deliver(ctx, sub, page)
	return sub, nil
}

// deliver replays history into the subscription queue, closes the gap
// against the live tail and registers the subscription under the job
// lock. Before registration this goroutine owns the event channel.
func (h *Hub) deliver(ctx context.Context, sub *Subscription, page *v1.EventPage) {
	for {
		terminal := false
		for _, e := range page.Data {
			if !h.push(ctx, sub, e) {
				sub.markClosed(ReasonClientGone)
				close(sub.ch)
				return
			}
			if e.Type == v1.EventJobFinished {
				terminal = true
			}
		}
		delivered := page.NextCursor

		if terminal {
			sub.markClosed(ReasonJobTerminal)
			close(sub.ch)
			return
		}

		js := h.job(sub.jobID)
		js.mu.Lock()
		if sub.isClosed() {
			js.mu.Unlock()
			close(sub.ch)
			return
		}
		last, err := h.store.LastSeq(ctx, sub.jobID)
		if err != nil {
			js.mu.Unlock()
			h.logger.Error("handoff read failed", zap.String("job_id", sub.jobID), zap.Error(err))
			sub.markClosed(ReasonStoreError)
			close(sub.ch)
			return
		}
		if last == delivered {
			js.subs = append(js.subs, sub)
			sub.setRegistered()
			js.mu.Unlock()
			return
		}
		js.mu.Unlock()

		// Events landed between the snapshot read and registration;
		// fetch them from the store and try again.
		page, err = h.store.ReadRange(ctx, sub.jobID, delivered, 0)
		if err != nil {
			sub.markClosed(ReasonStoreError)
			close(sub.ch)
			return
		}
	}
}

// push blocks until the event is queued or the subscription ends.
func (h *Hub) push(ctx context.Context, sub *Subscription, event v1.Event) bool {
	select {
	case sub.ch <- event:
		return true
	case <-sub.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// unsubscribe implements Subscription.Close.
func (h *Hub) unsubscribe(sub *Subscription) {
	js := h.job(sub.jobID)
	js.mu.Lock()
	defer js.mu.Unlock()

	if !sub.markClosed(ReasonClientGone) {
		return
	}
	if !sub.isRegistered() {
		// The deliver goroutine still owns the channel; it observes the
		// done signal and closes it.
		return
	}
	for i, s := range js.subs {
		if s == sub {
			js.subs = append(js.subs[:i], js.subs[i+1:]...)
			break
		}
	}
	close(sub.ch)
}

// Shutdown closes every live subscription.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	jobs := make([]*jobSubscribers, 0, len(h.jobs))
	for _, js := range h.jobs {
		jobs = append(jobs, js)
	}
	h.jobs = make(map[string]*jobSubscribers)
	h.mu.Unlock()

	for _, js := range jobs {
		js.mu.Lock()
		h.closeAllLocked(js, ReasonShutdown)
		js.mu.Unlock()
	}
}
