package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codeplane/codeplane/internal/common/errors"
	v1 "github.com/codeplane/codeplane/pkg/api/v1"
	"github.com/codeplane/codeplane/pkg/codex"
)

// historyTs is the fixed timestamp on synthesized history events. The
// agent snapshot carries no timestamps, and synthesis must be
// deterministic: same snapshot, same events.
const historyTs = "1970-01-01T00:00:00Z"

// ReadThreadHistory reads the agent's thread snapshot and synthesizes a
// replayable event sequence so reconnecting clients can rebuild chat
// state identical to the live stream. The events are computed on demand
// and never persisted; the cursor is a plain offset into the flattened
// sequence.
func (o *Orchestrator) ReadThreadHistory(ctx context.Context, threadID string, cursor int64, limit int) (*v1.EventPage, error) {
	if cursor < -1 {
		return nil, errors.InvalidArgument("cursor must be >= -1")
	}
	if limit <= 0 {
		limit = 200
	}

	result, err := o.agent.Call(ctx, codex.MethodReadThread, codex.ReadThreadParams{ThreadID: threadID})
	if err != nil {
		return nil, err
	}

	var res codex.ReadThreadResult
	if err := json.Unmarshal(result, &res); err != nil || res.Thread == nil {
		return nil, errors.InternalError("agent returned no thread snapshot", err)
	}

	events := o.synthesize(ctx, threadID, res.Thread)
	total := int64(len(events))

	if cursor >= 0 && cursor >= total {
		return nil, errors.CursorExpired(threadID, cursor)
	}

	start := cursor + 1
	end := start + int64(limit)
	if end > total {
		end = total
	}

	page := events[start:end]
	next := cursor
	if len(page) > 0 {
		next = end - 1
	}

	return &v1.EventPage{
		Data:       page,
		NextCursor: next,
		HasMore:    end < total,
	}, nil
}

// synthesize flattens the thread snapshot into the replay sequence.
// Each turn contributes its message items, a derived job.state, a
// job.finished when terminal and a trailing error event for failures.
// Seq numbers restart at 0 per (real or synthetic) jobId.
func (o *Orchestrator) synthesize(ctx context.Context, threadID string, thread *codex.ThreadSnapshot) []v1.Event {
	events := make([]v1.Event, 0, len(thread.Turns)*4)
	seqs := make(map[string]int64)

	emit := func(jobID, eventType string, payload interface{}) {
		seq := seqs[jobID]
		seqs[jobID] = seq + 1
		events = append(events, v1.Event{
			Type:    eventType,
			Seq:     seq,
			JobID:   jobID,
			Ts:      historyTs,
			Payload: mustJSON(payload),
		})
	}

	for _, turn := range thread.Turns {
		jobID := o.historyJobID(ctx, threadID, turn.ID)

		for _, item := range turn.Items {
			if item.Type != "userMessage" && item.Type != "agentMessage" {
				continue
			}
			emit(jobID, v1.EventItemCompleted, map[string]interface{}{
				"item": map[string]interface{}{
					"id":   item.ID,
					"type": item.Type,
					"text": item.Text,
				},
			})
		}

		state := stateForTurnStatus(turn.Status)
		statePayload := map[string]interface{}{"state": state}
		if turn.Error != nil && turn.Error.Message != "" {
			statePayload["errorMessage"] = turn.Error.Message
		}
		emit(jobID, v1.EventJobState, statePayload)
		if state.IsTerminal() {
			emit(jobID, v1.EventJobFinished, statePayload)
		}
		if turn.Status == codex.TurnStatusFailed && turn.Error != nil && turn.Error.Message != "" {
			emit(jobID, v1.EventError, map[string]interface{}{
				"message": turn.Error.Message,
			})
		}
	}

	return events
}

// historyJobID reuses the live binding for a turn when one exists and
// otherwise synthesizes a stable history id.
func (o *Orchestrator) historyJobID(ctx context.Context, threadID, turnID string) string {
	o.mu.Lock()
	jobID, ok := o.turnIndex[turnKey(threadID, turnID)]
	o.mu.Unlock()
	if ok {
		return jobID
	}
	if id, err := o.store.LookupJobByTurn(ctx, threadID, turnID); err == nil && id != "" {
		return id
	}
	return fmt.Sprintf("hist_%s_%s", threadID, turnID)
}

func stateForTurnStatus(status string) v1.JobState {
	switch status {
	case codex.TurnStatusCompleted:
		return v1.JobStateDone
	case codex.TurnStatusFailed:
		return v1.JobStateFailed
	case codex.TurnStatusInterrupted:
		return v1.JobStateCancelled
	default:
		return v1.JobStateRunning
	}
}
