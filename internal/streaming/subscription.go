package streaming

import (
	"sync"

	v1 "github.com/codeplane/codeplane/pkg/api/v1"
)

// CloseReason explains why a subscription's done signal fired.
type CloseReason string

const (
	// ReasonSlowConsumer: the subscriber's queue overflowed and it was
	// evicted. Resubscribe with the last observed cursor to resume.
	ReasonSlowConsumer CloseReason = "SLOW_CONSUMER"
	// ReasonJobTerminal: the job's final event was delivered.
	ReasonJobTerminal CloseReason = "JOB_TERMINAL"
	// ReasonClientGone: the client disconnected.
	ReasonClientGone CloseReason = "CLIENT_GONE"
	// ReasonShutdown: the hub is shutting down.
	ReasonShutdown CloseReason = "SHUTDOWN"
	// ReasonStoreError: a read against the event store failed mid-stream.
	ReasonStoreError CloseReason = "STORE_ERROR"
)

// Subscription is one client's live view of a job stream. Events arrive
// on Events() strictly ordered by seq; when the channel closes, Reason()
// explains why.
type Subscription struct {
	jobID string
	hub   *Hub

	ch   chan v1.Event
	done chan struct{}

	mu         sync.Mutex
	closed     bool
	registered bool
	reason     CloseReason
}

// Events returns the ordered event channel. It is closed when the
// subscription ends for any reason; drain it fully to observe the final
// job.finished event.
func (s *Subscription) Events() <-chan v1.Event {
	return s.ch
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Reason returns why the subscription was closed. Valid after Done().
func (s *Subscription) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close detaches the subscriber. Safe to call multiple times and
// concurrently with delivery.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// markClosed sets the terminal reason and fires done. Returns false if
// the subscription was already closed. Never closes the event channel;
// channel ownership stays with the delivering side.
func (s *Subscription) markClosed(reason CloseReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	close(s.done)
	return true
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) setRegistered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = true
}

func (s *Subscription) isRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}
