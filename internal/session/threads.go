package session

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/codeplane/codeplane/internal/common/errors"
	"github.com/codeplane/codeplane/internal/events/bus"
	v1 "github.com/codeplane/codeplane/pkg/api/v1"
	"github.com/codeplane/codeplane/pkg/codex"
)

// CreateThreadRequest carries the client intent for a new thread.
type CreateThreadRequest struct {
	ProjectPath    string
	ApprovalPolicy string
	Sandbox        string
	Model          string
	ThreadName     string
}

// CreateThread issues newThread to the agent and registers the thread.
func (o *Orchestrator) CreateThread(ctx context.Context, req CreateThreadRequest) (*v1.Thread, error) {
	if req.ProjectPath == "" {
		return nil, errors.InvalidArgument("projectPath is required")
	}
	if req.ApprovalPolicy == "" {
		req.ApprovalPolicy = v1.ApprovalPolicyOnRequest
	}
	if !v1.ValidApprovalPolicy(req.ApprovalPolicy) {
		return nil, errors.InvalidArgument("unknown approvalPolicy '" + req.ApprovalPolicy + "'")
	}
	if req.Sandbox == "" {
		req.Sandbox = v1.SandboxWorkspaceWrite
	}
	if !v1.ValidSandbox(req.Sandbox) {
		return nil, errors.InvalidArgument("unknown sandbox '" + req.Sandbox + "'")
	}

	result, err := o.agent.Call(ctx, codex.MethodNewThread, codex.NewThreadParams{
		Cwd:            req.ProjectPath,
		ApprovalPolicy: req.ApprovalPolicy,
		Sandbox:        req.Sandbox,
		Model:          req.Model,
	})
	if err != nil {
		return nil, err
	}

	var res codex.NewThreadResult
	if err := json.Unmarshal(result, &res); err != nil || res.ThreadID == "" {
		return nil, errors.InternalError("agent returned no threadId", err)
	}

	now := time.Now().UTC()
	thread := &v1.Thread{
		ThreadID:       res.ThreadID,
		Name:           req.ThreadName,
		ProjectPath:    req.ProjectPath,
		ApprovalPolicy: req.ApprovalPolicy,
		Sandbox:        req.Sandbox,
		Model:          req.Model,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	o.mu.Lock()
	o.threads[thread.ThreadID] = thread
	o.mu.Unlock()

	o.announce(ctx, bus.SubjectThread, "thread.updated", map[string]interface{}{
		"threadId": thread.ThreadID,
		"action":   "created",
	})

	o.logger.Info("thread created",
		zap.String("thread_id", thread.ThreadID),
		zap.String("project_path", req.ProjectPath))
	return thread, nil
}

// ListThreads returns all known threads, newest first.
func (o *Orchestrator) ListThreads(ctx context.Context) []*v1.Thread {
	o.mu.Lock()
	threads := make([]*v1.Thread, 0, len(o.threads))
	for _, t := range o.threads {
		snapshot := *t
		threads = append(threads, &snapshot)
	}
	o.mu.Unlock()

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].CreatedAt.After(threads[j].CreatedAt)
	})
	return threads
}

// GetThread returns one thread snapshot.
func (o *Orchestrator) GetThread(ctx context.Context, threadID string) (*v1.Thread, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.threads[threadID]
	if !ok {
		return nil, errors.NotFound("thread", threadID)
	}
	snapshot := *t
	return &snapshot, nil
}

// ActivateThread marks the thread active.
func (o *Orchestrator) ActivateThread(ctx context.Context, threadID string) (*v1.Thread, error) {
	o.mu.Lock()
	t, ok := o.threads[threadID]
	if !ok {
		o.mu.Unlock()
		return nil, errors.NotFound("thread", threadID)
	}
	t.Active = true
	t.Archived = false
	t.UpdatedAt = time.Now().UTC()
	snapshot := *t
	o.mu.Unlock()

	o.announce(ctx, bus.SubjectThread, "thread.updated", map[string]interface{}{
		"threadId": threadID,
		"action":   "activated",
	})
	return &snapshot, nil
}

// ArchiveThread archives the thread. Archival does not interrupt a
// running turn; it only removes the thread from active listings.
func (o *Orchestrator) ArchiveThread(ctx context.Context, threadID string) (*v1.Thread, error) {
	o.mu.Lock()
	t, ok := o.threads[threadID]
	if !ok {
		o.mu.Unlock()
		return nil, errors.NotFound("thread", threadID)
	}
	t.Active = false
	t.Archived = true
	t.UpdatedAt = time.Now().UTC()
	snapshot := *t
	o.mu.Unlock()

	o.announce(ctx, bus.SubjectThread, "thread.updated", map[string]interface{}{
		"threadId": threadID,
		"action":   "archived",
	})
	return &snapshot, nil
}

// touchThread bumps updatedAt on turn activity.
func (o *Orchestrator) touchThread(threadID string) {
	o.mu.Lock()
	if t, ok := o.threads[threadID]; ok {
		t.UpdatedAt = time.Now().UTC()
	}
	o.mu.Unlock()
}
