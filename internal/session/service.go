// Package session implements the orchestration engine: thread, job and
// approval state machines, translation of client intents into agent
// requests, consumption of the agent notification stream, and event
// sequencing through the store and fan-out hub.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codeplane/codeplane/internal/common/config"
	"github.com/codeplane/codeplane/internal/common/logger"
	"github.com/codeplane/codeplane/internal/events/bus"
	"github.com/codeplane/codeplane/internal/gateway"
	"github.com/codeplane/codeplane/internal/store"
	"github.com/codeplane/codeplane/internal/streaming"
	v1 "github.com/codeplane/codeplane/pkg/api/v1"
)

// sweepInterval is how often terminal jobs past their TTL are evicted.
const sweepInterval = time.Hour

// AgentClient is the gateway surface the orchestrator consumes.
type AgentClient interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Notifications() <-chan gateway.Notification
	IsRunning() bool
}

// jobState is the in-memory runtime state of one job. The embedded
// mutex serializes state transitions and event appends for this job;
// distinct jobs proceed in parallel.
type jobState struct {
	mu  sync.Mutex
	job *v1.Job

	approval *v1.Approval
	reply    *gateway.ApprovalReply

	cancelTimer *time.Timer
}

// Orchestrator is the process-wide session engine. Construct exactly one.
type Orchestrator struct {
	cfg    config.StreamingConfig
	store  *store.Store
	agent  AgentClient
	hub    *streaming.Hub
	bus    bus.EventBus
	logger *logger.Logger

	mu           sync.Mutex
	threads      map[string]*v1.Thread
	jobs         map[string]*jobState
	threadActive map[string]string        // threadID -> non-terminal jobID
	pendingBind  map[string]string        // threadID -> jobID awaiting turnId
	turnIndex    map[string]string        // threadID+turnID -> jobID
	orphans      map[string]*orphanBuffer // unbound-turn notification buffer

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// orphanBuffer holds notifications for a (threadId, turnId) that has no
// job binding yet. Dropped when the bind window elapses.
type orphanBuffer struct {
	notifications []gateway.Notification
	timer         *time.Timer
}

// New wires the orchestrator. Call Start to begin consuming the agent
// notification stream.
func New(cfg config.StreamingConfig, st *store.Store, agent AgentClient, hub *streaming.Hub, eventBus bus.EventBus, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		store:        st,
		agent:        agent,
		hub:          hub,
		bus:          eventBus,
		logger:       log.WithFields(zap.String("component", "session")),
		threads:      make(map[string]*v1.Thread),
		jobs:         make(map[string]*jobState),
		threadActive: make(map[string]string),
		pendingBind:  make(map[string]string),
		turnIndex:    make(map[string]string),
		orphans:      make(map[string]*orphanBuffer),
	}
}

// Start recovers jobs orphaned by a previous process, then starts the
// notification consume loop and the retention sweeper.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	if err := o.recoverJobs(ctx); err != nil {
		return err
	}

	o.wg.Add(2)
	go o.consumeLoop(ctx)
	go o.sweepLoop(ctx)
	return nil
}

// Stop halts the background loops. In-flight HTTP operations finish on
// their own contexts.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// recoverJobs fails every job left non-terminal by a previous process.
// The agent subprocess was restarted with us, so those turns are gone.
func (o *Orchestrator) recoverJobs(ctx context.Context) error {
	orphaned, err := o.store.ListNonTerminalJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range orphaned {
		js := &jobState{job: job}
		o.mu.Lock()
		o.jobs[job.JobID] = js
		o.mu.Unlock()

		js.mu.Lock()
		o.transition(ctx, js, v1.JobStateFailed, "worker restarted while turn was in flight")
		js.mu.Unlock()

		o.logger.WithJobID(job.JobID).Info("failed orphaned job from previous run")
	}
	return nil
}

func (o *Orchestrator) consumeLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-o.agent.Notifications():
			o.handleNotification(ctx, n)
		}
	}
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.store.SweepTerminalJobs(ctx); err != nil {
				o.logger.Warn("terminal job sweep failed", zap.Error(err))
			}
			if n := o.pruneTerminalState(); n > 0 {
				o.logger.Debug("pruned terminal job state", zap.Int("count", n))
			}
		}
	}
}

// pruneTerminalState drops the in-memory runtime entries of terminal
// jobs; the store stays the source of truth for later reads. Terminal is
// sticky, so a job observed terminal here can be removed without
// re-checking. Returns the number of jobs pruned.
func (o *Orchestrator) pruneTerminalState() int {
	o.mu.Lock()
	candidates := make([]*jobState, 0, len(o.jobs))
	for _, js := range o.jobs {
		candidates = append(candidates, js)
	}
	o.mu.Unlock()

	type finished struct {
		jobID    string
		threadID string
		turnID   string
	}
	var done []finished
	for _, js := range candidates {
		js.mu.Lock()
		if js.job.State.IsTerminal() {
			done = append(done, finished{js.job.JobID, js.job.ThreadID, js.job.TurnID})
		}
		js.mu.Unlock()
	}

	o.mu.Lock()
	for _, f := range done {
		delete(o.jobs, f.jobID)
		if f.turnID != "" {
			delete(o.turnIndex, turnKey(f.threadID, f.turnID))
		}
	}
	o.mu.Unlock()
	return len(done)
}

// jobState returns the runtime state for jobID, or nil.
func (o *Orchestrator) jobState(jobID string) *jobState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobs[jobID]
}

func turnKey(threadID, turnID string) string {
	return threadID + "\x00" + turnID
}

// jobForTurn resolves the job bound to (threadID, turnID), consulting
// the in-memory index first and the store's binding table second.
func (o *Orchestrator) jobForTurn(ctx context.Context, threadID, turnID string) *jobState {
	o.mu.Lock()
	jobID, ok := o.turnIndex[turnKey(threadID, turnID)]
	o.mu.Unlock()
	if !ok {
		var err error
		jobID, err = o.store.LookupJobByTurn(ctx, threadID, turnID)
		if err != nil || jobID == "" {
			return nil
		}
	}
	return o.jobState(jobID)
}

// announce publishes a bus event; failures are logged, never fatal.
func (o *Orchestrator) announce(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, subject, bus.NewEvent(eventType, "session", data)); err != nil {
		o.logger.Debug("announce failed", zap.String("subject", subject), zap.Error(err))
	}
}

func mustJSON(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
