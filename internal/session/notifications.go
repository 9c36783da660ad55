package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/codeplane/codeplane/internal/gateway"
	v1 "github.com/codeplane/codeplane/pkg/api/v1"
	"github.com/codeplane/codeplane/pkg/codex"
)

// handleNotification routes one demultiplexed agent frame. Runs on the
// single consume goroutine (or re-entrantly when an orphan buffer is
// flushed after a late turn binding).
func (o *Orchestrator) handleNotification(ctx context.Context, n gateway.Notification) {
	switch n.Method {
	case codex.NotifyThreadStarted:
		o.handleThreadStarted(ctx, n.Params)
	case codex.NotifyTurnStarted:
		o.handleTurnStarted(ctx, n.Params)
	case codex.NotifyTurnCompleted:
		o.handleTurnCompleted(ctx, n)
	case codex.NotifyItemStarted:
		o.handleItemEvent(ctx, n, v1.EventItemStarted)
	case codex.NotifyItemCompleted:
		o.handleItemEvent(ctx, n, v1.EventItemCompleted)
	case codex.NotifyAgentMessageDelta:
		o.handleDelta(ctx, n, v1.EventAgentMessageDelta)
	case codex.NotifyCmdExecOutputDelta:
		o.handleDelta(ctx, n, v1.EventCommandOutputDelta)
	case codex.NotifyFileChangeOutputDelta:
		o.handleDelta(ctx, n, v1.EventFileChangeOutputDelta)
	case codex.NotifyError:
		o.handleError(ctx, n.Params)
	case codex.MethodExecCommandApproval, codex.MethodApplyPatchApproval:
		o.handleApprovalRequest(ctx, n)
	case gateway.MethodAgentExited:
		o.handleAgentExited(ctx)
	default:
		o.logger.Debug("ignoring notification", zap.String("method", n.Method))
	}
}

func (o *Orchestrator) handleThreadStarted(ctx context.Context, params json.RawMessage) {
	var p codex.ThreadStartedParams
	if err := json.Unmarshal(params, &p); err != nil {
		o.logger.Warn("bad thread/started params", zap.Error(err))
		return
	}
	o.touchThread(p.ThreadID)

	// Informational: attach to the thread's live job when one exists.
	o.mu.Lock()
	jobID := o.threadActive[p.ThreadID]
	o.mu.Unlock()
	if jobID == "" {
		return
	}
	js := o.jobState(jobID)
	if js == nil {
		return
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.job.State.IsTerminal() {
		return
	}
	if _, err := o.hub.Append(ctx, jobID, v1.Event{
		Type:    v1.EventThreadStarted,
		Payload: params,
	}, ""); err != nil {
		o.onAppendFailure(ctx, js, err)
	}
}

func (o *Orchestrator) handleTurnStarted(ctx context.Context, params json.RawMessage) {
	var p codex.TurnStartedParams
	if err := json.Unmarshal(params, &p); err != nil {
		o.logger.Warn("bad turn/started params", zap.Error(err))
		return
	}
	o.touchThread(p.ThreadID)

	if js := o.jobForTurn(ctx, p.ThreadID, p.TurnID); js != nil {
		// Already bound via the RPC result; just confirm RUNNING.
		js.mu.Lock()
		if js.job.State == v1.JobStateQueued {
			o.transition(ctx, js, v1.JobStateRunning, "")
		}
		js.mu.Unlock()
		return
	}

	o.mu.Lock()
	jobID, pending := o.pendingBind[p.ThreadID]
	o.mu.Unlock()
	if !pending {
		o.logger.Warn("turn/started for unknown turn, dropping",
			zap.String("thread_id", p.ThreadID),
			zap.String("turn_id", p.TurnID))
		return
	}

	js := o.jobState(jobID)
	if js == nil {
		return
	}
	o.bindTurn(ctx, js, p.ThreadID, p.TurnID)

	js.mu.Lock()
	if js.job.State == v1.JobStateQueued {
		o.transition(ctx, js, v1.JobStateRunning, "")
	}
	js.mu.Unlock()
}

func (o *Orchestrator) handleTurnCompleted(ctx context.Context, n gateway.Notification) {
	var p codex.TurnCompletedParams
	if err := json.Unmarshal(n.Params, &p); err != nil {
		o.logger.Warn("bad turn/completed params", zap.Error(err))
		return
	}
	o.touchThread(p.ThreadID)

	js := o.resolveTurn(ctx, n, p.ThreadID, p.TurnID)
	if js == nil {
		return
	}

	var state v1.JobState
	switch p.Status {
	case codex.TurnStatusCompleted:
		state = v1.JobStateDone
	case codex.TurnStatusFailed:
		state = v1.JobStateFailed
	case codex.TurnStatusInterrupted:
		state = v1.JobStateCancelled
	default:
		o.logger.Warn("unknown turn status", zap.String("status", p.Status))
		return
	}

	js.mu.Lock()
	o.transition(ctx, js, state, p.Error)
	js.mu.Unlock()
}

func (o *Orchestrator) handleItemEvent(ctx context.Context, n gateway.Notification, eventType string) {
	var p codex.ItemStartedParams
	if err := json.Unmarshal(n.Params, &p); err != nil {
		o.logger.Warn("bad item params", zap.Error(err))
		return
	}
	o.appendToTurn(ctx, n, p.ThreadID, p.TurnID, eventType)
}

func (o *Orchestrator) handleDelta(ctx context.Context, n gateway.Notification, eventType string) {
	var p codex.OutputDeltaParams
	if err := json.Unmarshal(n.Params, &p); err != nil {
		o.logger.Warn("bad delta params", zap.Error(err))
		return
	}
	o.appendToTurn(ctx, n, p.ThreadID, p.TurnID, eventType)
}

// appendToTurn appends the raw notification payload to the job bound to
// (threadID, turnID). Payloads pass through verbatim so unknown agent
// fields survive re-emission.
func (o *Orchestrator) appendToTurn(ctx context.Context, n gateway.Notification, threadID, turnID string, eventType string) {
	js := o.resolveTurn(ctx, n, threadID, turnID)
	if js == nil {
		return
	}

	js.mu.Lock()
	defer js.mu.Unlock()
	if js.job.State.IsTerminal() {
		// Late notification after a forced cancel; drop.
		o.logger.Debug("dropping notification for terminal job",
			zap.String("job_id", js.job.JobID),
			zap.String("type", eventType))
		return
	}
	seq, err := o.hub.Append(ctx, js.job.JobID, v1.Event{
		Type:    eventType,
		Payload: n.Params,
	}, "")
	if err != nil {
		o.onAppendFailure(ctx, js, err)
		return
	}
	js.job.LastSeq = seq
}

// resolveTurn finds the job for a turn-scoped notification, buffering
// it for the bind window when the turn is not bound yet. Returns nil
// when the caller should stop processing the notification.
func (o *Orchestrator) resolveTurn(ctx context.Context, n gateway.Notification, threadID, turnID string) *jobState {
	if js := o.jobForTurn(ctx, threadID, turnID); js != nil {
		return js
	}

	o.mu.Lock()
	if _, pending := o.pendingBind[threadID]; !pending {
		o.mu.Unlock()
		o.logger.Warn("dropping notification for unknown turn",
			zap.String("thread_id", threadID),
			zap.String("turn_id", turnID),
			zap.String("method", n.Method))
		o.rejectApproval(n, codex.InvalidRequest, "unknown turn")
		return nil
	}

	key := turnKey(threadID, turnID)
	buf, ok := o.orphans[key]
	if !ok {
		buf = &orphanBuffer{}
		buf.timer = time.AfterFunc(o.cfg.BindWindowDuration(), func() {
			o.expireOrphans(key)
		})
		o.orphans[key] = buf
	}
	buf.notifications = append(buf.notifications, n)
	o.mu.Unlock()
	return nil
}

// expireOrphans drops notifications whose turn never got bound. Buffered
// approval requests are answered with an error so the agent is not left
// hanging.
func (o *Orchestrator) expireOrphans(key string) {
	o.mu.Lock()
	buf, ok := o.orphans[key]
	delete(o.orphans, key)
	o.mu.Unlock()
	if !ok {
		return
	}
	for _, n := range buf.notifications {
		o.rejectApproval(n, codex.InvalidRequest, "turn was never bound")
	}
	o.logger.Warn("dropping orphaned notifications, turn never bound",
		zap.Int("count", len(buf.notifications)))
}

// handleError processes the agent's error notification. A turn-scoped
// error fails its job; an unscoped error is surfaced as a soft error
// event on the thread's live job when one exists, otherwise logged.
func (o *Orchestrator) handleError(ctx context.Context, params json.RawMessage) {
	var p codex.ErrorParams
	if err := json.Unmarshal(params, &p); err != nil {
		o.logger.Warn("bad error params", zap.Error(err))
		return
	}

	if p.ThreadID != "" && p.TurnID != "" {
		if js := o.jobForTurn(ctx, p.ThreadID, p.TurnID); js != nil {
			js.mu.Lock()
			o.transition(ctx, js, v1.JobStateFailed, p.Message)
			js.mu.Unlock()
			return
		}
	}

	// Unscoped: soft error event, never a terminal transition.
	var jobID string
	if p.ThreadID != "" {
		o.mu.Lock()
		jobID = o.threadActive[p.ThreadID]
		o.mu.Unlock()
	}
	if jobID == "" {
		o.logger.Warn("agent error without turn scope",
			zap.Int("code", p.Code),
			zap.String("message", p.Message))
		return
	}

	js := o.jobState(jobID)
	if js == nil {
		return
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.job.State.IsTerminal() {
		return
	}
	if _, err := o.hub.Append(ctx, jobID, v1.Event{
		Type:    v1.EventError,
		Payload: params,
	}, ""); err != nil {
		o.onAppendFailure(ctx, js, err)
	}
}

// handleAgentExited fails every in-flight job after a subprocess death.
func (o *Orchestrator) handleAgentExited(ctx context.Context) {
	o.mu.Lock()
	inflight := make([]*jobState, 0, len(o.threadActive))
	for _, jobID := range o.threadActive {
		if js := o.jobs[jobID]; js != nil {
			inflight = append(inflight, js)
		}
	}
	o.mu.Unlock()

	for _, js := range inflight {
		js.mu.Lock()
		// The reply handle points at a dead process; drop it so the
		// terminal transition does not try to answer it.
		js.reply = nil
		js.approval = nil
		o.transition(ctx, js, v1.JobStateFailed, "agent subprocess exited")
		js.mu.Unlock()
	}

	if len(inflight) > 0 {
		o.logger.Warn("agent exited, failed in-flight jobs",
			zap.Int("count", len(inflight)))
	}
}
