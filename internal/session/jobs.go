package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeplane/codeplane/internal/common/errors"
	"github.com/codeplane/codeplane/internal/events/bus"
	"github.com/codeplane/codeplane/internal/streaming"
	v1 "github.com/codeplane/codeplane/pkg/api/v1"
	"github.com/codeplane/codeplane/pkg/codex"
)

// StartTurnRequest carries the client intent for one new turn.
type StartTurnRequest struct {
	Text  string
	Input []codex.UserInput
}

// StartTurn allocates a job for a new turn on the thread and issues
// sendUserMessage to the agent. At most one non-terminal job may exist
// per thread; violations fail with THREAD_BUSY. Returns the jobId
// immediately; the event stream is consumed separately.
func (o *Orchestrator) StartTurn(ctx context.Context, threadID string, req StartTurnRequest) (string, error) {
	if req.Text == "" && len(req.Input) == 0 {
		return "", errors.InvalidArgument("text or input is required")
	}

	o.mu.Lock()
	thread, ok := o.threads[threadID]
	if !ok {
		o.mu.Unlock()
		return "", errors.NotFound("thread", threadID)
	}
	if activeID, busy := o.threadActive[threadID]; busy {
		o.mu.Unlock()
		o.logger.Debug("thread busy", zap.String("thread_id", threadID), zap.String("active_job", activeID))
		return "", errors.ThreadBusy(threadID)
	}

	jobID := "job_" + uuid.New().String()
	js := &jobState{job: &v1.Job{
		JobID:     jobID,
		ThreadID:  threadID,
		State:     v1.JobStateQueued,
		CreatedAt: time.Now().UTC(),
		LastSeq:   -1,
	}}
	o.jobs[jobID] = js
	o.threadActive[threadID] = jobID
	o.pendingBind[threadID] = jobID
	thread.UpdatedAt = time.Now().UTC()
	o.mu.Unlock()

	if err := o.store.UpsertJob(ctx, js.job); err != nil {
		o.releaseJob(threadID, jobID)
		return "", err
	}

	items := req.Input
	if req.Text != "" {
		items = append([]codex.UserInput{{Type: "text", Text: req.Text}}, items...)
	}

	result, err := o.agent.Call(ctx, codex.MethodSendUserMessage, codex.SendUserMessageParams{
		ThreadID: threadID,
		Items:    items,
	})
	if err != nil {
		// No event has been appended yet; surface the failure
		// synchronously and retire the job.
		js.mu.Lock()
		js.job.State = v1.JobStateFailed
		js.job.ErrorMessage = err.Error()
		now := time.Now().UTC()
		js.job.FinishedAt = &now
		_ = o.store.UpsertJob(ctx, js.job)
		js.mu.Unlock()
		o.releaseJob(threadID, jobID)
		return "", err
	}

	var ack codex.SendUserMessageResult
	if len(result) > 0 {
		if err := json.Unmarshal(result, &ack); err != nil {
			o.logger.Warn("unparseable sendUserMessage result", zap.Error(err))
		}
	}
	if ack.TurnID != "" {
		o.bindTurn(ctx, js, threadID, ack.TurnID)
	}

	js.mu.Lock()
	if js.job.State == v1.JobStateQueued {
		o.transition(ctx, js, v1.JobStateRunning, "")
	}
	js.mu.Unlock()

	o.logger.WithThreadID(threadID).WithJobID(jobID).Info("turn started")
	return jobID, nil
}

// releaseJob clears the busy and pending-bind markers for a job that
// never got off the ground.
func (o *Orchestrator) releaseJob(threadID, jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.threadActive[threadID] == jobID {
		delete(o.threadActive, threadID)
	}
	if o.pendingBind[threadID] == jobID {
		delete(o.pendingBind, threadID)
	}
}

// GetJob returns the job snapshot, consulting memory first and the
// store for jobs from previous runs.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*v1.Job, error) {
	if js := o.jobState(jobID); js != nil {
		js.mu.Lock()
		defer js.mu.Unlock()
		snapshot := *js.job
		return &snapshot, nil
	}
	job, err := o.store.LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.NotFound("job", jobID)
	}
	return job, nil
}

// ListEvents is the non-streaming read used for bootstrap before SSE.
func (o *Orchestrator) ListEvents(ctx context.Context, jobID string, cursor int64, limit int) (*v1.EventPage, error) {
	if _, err := o.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.store.ReadRange(ctx, jobID, cursor, limit)
}

// SubscribeJob attaches a live subscriber at the given cursor.
func (o *Orchestrator) SubscribeJob(ctx context.Context, jobID string, cursor int64) (*streaming.Subscription, error) {
	if _, err := o.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.hub.Subscribe(ctx, jobID, cursor)
}

// CancelJob issues interruptTurn and arms a grace timer; if the agent
// does not confirm a terminal turn status within the grace window, the
// job is forced to CANCELLED locally and late agent notifications for
// the turn are dropped.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	js := o.jobState(jobID)
	if js == nil {
		job, err := o.store.LoadJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return errors.NotFound("job", jobID)
		}
		return errors.JobTerminal(jobID)
	}

	js.mu.Lock()
	if js.job.State.IsTerminal() {
		js.mu.Unlock()
		return errors.JobTerminal(jobID)
	}
	threadID := js.job.ThreadID
	turnID := js.job.TurnID

	if js.cancelTimer == nil {
		js.cancelTimer = time.AfterFunc(o.cfg.CancelGraceDuration(), func() {
			o.forceCancel(jobID)
		})
	}
	js.mu.Unlock()

	if turnID == "" {
		// Never bound upstream; nothing to interrupt.
		js.mu.Lock()
		o.transition(ctx, js, v1.JobStateCancelled, "")
		js.mu.Unlock()
		return nil
	}

	if _, err := o.agent.Call(ctx, codex.MethodInterruptTurn, codex.InterruptTurnParams{
		ThreadID: threadID,
		TurnID:   turnID,
	}); err != nil {
		o.logger.Warn("interruptTurn failed, grace timer will force cancellation",
			zap.String("job_id", jobID), zap.Error(err))
	}
	return nil
}

// forceCancel is the grace-timer fallback for CancelJob.
func (o *Orchestrator) forceCancel(jobID string) {
	js := o.jobState(jobID)
	if js == nil {
		return
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.job.State.IsTerminal() {
		return
	}
	o.logger.Warn("agent did not confirm interrupt in time, forcing cancel",
		zap.String("job_id", jobID))
	o.transition(context.Background(), js, v1.JobStateCancelled, "")
}

// transition moves the job to the given state, appending exactly one
// job.state event and, for terminal states, exactly one closing
// job.finished event. Transitions on terminal jobs are ignored. Caller
// holds js.mu.
func (o *Orchestrator) transition(ctx context.Context, js *jobState, state v1.JobState, errMsg string) {
	if js.job.State.IsTerminal() {
		return
	}

	js.job.State = state
	if errMsg != "" {
		js.job.ErrorMessage = errMsg
	}

	statePayload := map[string]interface{}{"state": state}
	if js.job.ErrorMessage != "" {
		statePayload["errorMessage"] = js.job.ErrorMessage
	}

	seq, err := o.hub.Append(ctx, js.job.JobID, v1.Event{
		Type:    v1.EventJobState,
		Payload: mustJSON(statePayload),
	}, "")
	if err != nil {
		o.onAppendFailure(ctx, js, err)
		return
	}
	js.job.LastSeq = seq

	if state.IsTerminal() {
		o.finishLocked(ctx, js, statePayload)
	}

	if err := o.store.UpsertJob(ctx, js.job); err != nil {
		o.logger.Error("failed to persist job snapshot",
			zap.String("job_id", js.job.JobID), zap.Error(err))
	}

	o.announce(ctx, bus.SubjectJobState, "job.state.changed", map[string]interface{}{
		"jobId":    js.job.JobID,
		"threadId": js.job.ThreadID,
		"state":    string(state),
	})
}

// finishLocked appends the closing job.finished event and releases all
// per-thread bookkeeping. Caller holds js.mu.
func (o *Orchestrator) finishLocked(ctx context.Context, js *jobState, payload map[string]interface{}) {
	now := time.Now().UTC()
	js.job.FinishedAt = &now

	if js.cancelTimer != nil {
		js.cancelTimer.Stop()
		js.cancelTimer = nil
	}

	// A pending approval can no longer be acted on.
	if js.reply != nil {
		if err := js.reply.Reject(codex.InternalError, "job reached a terminal state"); err != nil {
			o.logger.Debug("failed to reject stale approval", zap.Error(err))
		}
		js.reply = nil
		js.approval = nil
	}

	seq, err := o.hub.Append(ctx, js.job.JobID, v1.Event{
		Type:    v1.EventJobFinished,
		Payload: mustJSON(payload),
	}, "")
	if err != nil {
		o.logger.Error("failed to append job.finished",
			zap.String("job_id", js.job.JobID), zap.Error(err))
	} else {
		js.job.LastSeq = seq
	}

	o.releaseJob(js.job.ThreadID, js.job.JobID)

	o.announce(ctx, bus.SubjectJobFinished, "job.finished", map[string]interface{}{
		"jobId":    js.job.JobID,
		"threadId": js.job.ThreadID,
		"state":    string(js.job.State),
	})

	o.logger.WithThreadID(js.job.ThreadID).WithJobID(js.job.JobID).Info("job finished",
		zap.String("state", string(js.job.State)))
}

// onAppendFailure handles a failed event append: the transition is
// treated as failed and the job driven to FAILED with a storage error.
// Caller holds js.mu.
func (o *Orchestrator) onAppendFailure(ctx context.Context, js *jobState, err error) {
	o.logger.Error("event append failed",
		zap.String("job_id", js.job.JobID), zap.Error(err))

	js.job.State = v1.JobStateFailed
	js.job.ErrorMessage = fmt.Sprintf("%s: event append failed", errors.ErrCodeStorageError)
	o.finishLocked(ctx, js, map[string]interface{}{
		"state":        v1.JobStateFailed,
		"errorMessage": js.job.ErrorMessage,
	})
	if upErr := o.store.UpsertJob(ctx, js.job); upErr != nil {
		o.logger.Error("failed to persist failed job", zap.Error(upErr))
	}
}

// bindTurn records the late (threadId, turnId) -> job binding and
// flushes any notifications buffered for that turn.
func (o *Orchestrator) bindTurn(ctx context.Context, js *jobState, threadID, turnID string) {
	key := turnKey(threadID, turnID)

	o.mu.Lock()
	if _, bound := o.turnIndex[key]; bound {
		o.mu.Unlock()
		return
	}
	o.turnIndex[key] = js.job.JobID
	if o.pendingBind[threadID] == js.job.JobID {
		delete(o.pendingBind, threadID)
	}
	buf := o.orphans[key]
	delete(o.orphans, key)
	o.mu.Unlock()

	js.mu.Lock()
	js.job.TurnID = turnID
	js.mu.Unlock()

	if err := o.store.BindTurn(ctx, js.job.JobID, threadID, turnID); err != nil {
		o.logger.Error("failed to persist turn binding",
			zap.String("job_id", js.job.JobID), zap.Error(err))
	}

	if buf != nil {
		buf.timer.Stop()
		for _, n := range buf.notifications {
			o.handleNotification(ctx, n)
		}
	}
}
