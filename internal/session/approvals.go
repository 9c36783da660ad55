package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/codeplane/codeplane/internal/common/errors"
	"github.com/codeplane/codeplane/internal/gateway"
	v1 "github.com/codeplane/codeplane/pkg/api/v1"
	"github.com/codeplane/codeplane/pkg/codex"
)

// handleApprovalRequest processes a server-initiated approval request.
// The approval.required event is appended before the job transitions to
// WAITING_APPROVAL; at most one approval may be pending per job.
func (o *Orchestrator) handleApprovalRequest(ctx context.Context, n gateway.Notification) {
	var threadID, turnID, approvalID, kind string
	payload := map[string]interface{}{}

	switch n.Method {
	case codex.MethodExecCommandApproval:
		var p codex.ExecCommandApprovalParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			o.logger.Warn("bad execCommandApproval params", zap.Error(err))
			o.rejectApproval(n, codex.InvalidParams, "malformed params")
			return
		}
		threadID, turnID, approvalID = p.ThreadID, p.TurnID, p.ApprovalID
		kind = v1.ApprovalKindCommandExecution
		payload["command"] = p.Command
		payload["cwd"] = p.Cwd
		if p.Reason != "" {
			payload["reason"] = p.Reason
		}
	case codex.MethodApplyPatchApproval:
		var p codex.ApplyPatchApprovalParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			o.logger.Warn("bad applyPatchApproval params", zap.Error(err))
			o.rejectApproval(n, codex.InvalidParams, "malformed params")
			return
		}
		threadID, turnID, approvalID = p.ThreadID, p.TurnID, p.ApprovalID
		kind = v1.ApprovalKindApplyPatch
		payload["changes"] = p.Changes
		if p.Reason != "" {
			payload["reason"] = p.Reason
		}
	default:
		return
	}

	js := o.resolveTurn(ctx, n, threadID, turnID)
	if js == nil {
		// Either buffered for late binding or dropped as an orphan; a
		// dropped request is rejected so the agent is not left hanging.
		return
	}

	js.mu.Lock()
	defer js.mu.Unlock()

	if js.job.State.IsTerminal() {
		o.rejectApproval(n, codex.InvalidRequest, "job reached a terminal state")
		return
	}
	if js.approval != nil {
		// One pending approval per job; a second concurrent request is
		// answered with an error rather than queued.
		o.logger.Warn("second approval request while one is pending",
			zap.String("job_id", js.job.JobID),
			zap.String("approval_id", approvalID))
		o.rejectApproval(n, codex.InvalidRequest, "an approval is already pending for this turn")
		return
	}

	payload["approvalId"] = approvalID
	payload["kind"] = kind

	seq, err := o.hub.Append(ctx, js.job.JobID, v1.Event{
		Type:    v1.EventApprovalRequired,
		Payload: mustJSON(payload),
	}, "approval:"+approvalID)
	if err != nil {
		o.rejectApproval(n, codex.InternalError, "failed to record approval")
		o.onAppendFailure(ctx, js, err)
		return
	}
	js.job.LastSeq = seq

	js.approval = &v1.Approval{
		ApprovalID: approvalID,
		JobID:      js.job.JobID,
		ThreadID:   threadID,
		Kind:       kind,
		Request:    n.Params,
		State:      v1.ApprovalStatePending,
		CreatedAt:  time.Now().UTC(),
	}
	js.reply = n.Reply

	o.transition(ctx, js, v1.JobStateWaitingApproval, "")

	o.logger.Info("approval required",
		zap.String("job_id", js.job.JobID),
		zap.String("approval_id", approvalID),
		zap.String("kind", kind))
}

func (o *Orchestrator) rejectApproval(n gateway.Notification, code int, message string) {
	if n.Reply == nil {
		return
	}
	if err := n.Reply.Reject(code, message); err != nil {
		o.logger.Debug("failed to reject approval request", zap.Error(err))
	}
}

// ResolveApproval validates and applies a client decision for the job's
// pending approval, forwards it upstream and unlocks the job.
func (o *Orchestrator) ResolveApproval(ctx context.Context, jobID, approvalID, decision string, amendment []string) error {
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
	defer js.mu.Unlock()

	if js.job.State.IsTerminal() {
		return errors.JobTerminal(jobID)
	}
	if js.approval == nil || js.approval.ApprovalID != approvalID {
		return errors.NotFound("approval", approvalID)
	}

	upstream, err := mapDecision(js.approval.Kind, decision, amendment)
	if err != nil {
		return err
	}

	if js.reply != nil {
		if err := js.reply.Resolve(upstream); err != nil {
			o.logger.Warn("failed to deliver approval decision upstream",
				zap.String("approval_id", approvalID), zap.Error(err))
		}
	}

	seq, appendErr := o.hub.Append(ctx, jobID, v1.Event{
		Type: v1.EventApprovalResolved,
		Payload: mustJSON(map[string]interface{}{
			"approvalId": approvalID,
			"decision":   decision,
		}),
	}, "approval-resolved:"+approvalID)
	if appendErr != nil {
		o.onAppendFailure(ctx, js, appendErr)
		return appendErr
	}
	js.job.LastSeq = seq

	js.approval.State = v1.ApprovalStateResolved
	js.approval.Decision = decision
	js.approval = nil
	js.reply = nil

	switch decision {
	case v1.DecisionAccept, v1.DecisionAcceptForSession, v1.DecisionAcceptWithExecAmend:
		o.transition(ctx, js, v1.JobStateRunning, "")
	case v1.DecisionDecline, v1.DecisionCancel:
		o.transition(ctx, js, v1.JobStateCancelled, "")
	}

	o.logger.Info("approval resolved",
		zap.String("job_id", jobID),
		zap.String("approval_id", approvalID),
		zap.String("decision", decision))
	return nil
}

// mapDecision translates the client-facing decision into the upstream
// reply shape, enforcing the amendment rules.
func mapDecision(kind, decision string, amendment []string) (codex.ApprovalResponse, error) {
	switch decision {
	case v1.DecisionAccept:
		return withoutAmendment(codex.SimpleDecision("accept"), amendment)
	case v1.DecisionAcceptForSession:
		return withoutAmendment(codex.SimpleDecision("acceptForSession"), amendment)
	case v1.DecisionDecline:
		return withoutAmendment(codex.SimpleDecision("decline"), amendment)
	case v1.DecisionCancel:
		return withoutAmendment(codex.SimpleDecision("cancel"), amendment)
	case v1.DecisionAcceptWithExecAmend:
		if kind != v1.ApprovalKindCommandExecution {
			return codex.ApprovalResponse{}, errors.InvalidDecisionForKind(decision, kind)
		}
		if len(amendment) == 0 {
			return codex.ApprovalResponse{}, errors.InvalidExecPolicyAmendment("amendment must be a non-empty token list")
		}
		for _, token := range amendment {
			if token == "" {
				return codex.ApprovalResponse{}, errors.InvalidExecPolicyAmendment("amendment tokens must be non-empty")
			}
		}
		return codex.AmendedDecision(amendment), nil
	default:
		return codex.ApprovalResponse{}, errors.InvalidDecision(decision)
	}
}

func withoutAmendment(resp codex.ApprovalResponse, amendment []string) (codex.ApprovalResponse, error) {
	if len(amendment) > 0 {
		return codex.ApprovalResponse{}, errors.InvalidArgument("execPolicyAmendment is only valid with accept_with_execpolicy_amendment")
	}
	return resp, nil
}
