// Package codex provides types and a client for the Codex app-server
// protocol: a JSON-RPC 2.0 variant over stdio that omits the
// "jsonrpc":"2.0" header and frames one message per line.
package codex

import "encoding/json"

// Request represents a JSON-RPC request (without jsonrpc field).
type Request struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification represents a notification (no id field).
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Methods issued by the worker (client → app-server).
const (
	MethodInitialize      = "initialize"
	MethodNewThread       = "newThread"
	MethodSendUserMessage = "sendUserMessage"
	MethodInterruptTurn   = "interruptTurn"
	MethodReadThread      = "readThread"
)

// Requests issued by the app-server (server → client). These must be
// answered; until then the approval is outstanding.
const (
	MethodExecCommandApproval = "execCommandApproval"
	MethodApplyPatchApproval  = "applyPatchApproval"
)

// Notification methods (app-server → client).
const (
	NotifyThreadStarted         = "thread/started"
	NotifyTurnStarted           = "turn/started"
	NotifyTurnCompleted         = "turn/completed"
	NotifyItemStarted           = "item/started"
	NotifyItemCompleted         = "item/completed"
	NotifyAgentMessageDelta     = "item/agentMessage/delta"
	NotifyCmdExecOutputDelta    = "item/commandExecution/outputDelta"
	NotifyFileChangeOutputDelta = "item/fileChange/outputDelta"
	NotifyError                 = "error"
)

// Approval policies accepted by newThread.
const (
	ApprovalUntrusted = "untrusted"
	ApprovalOnFailure = "on-failure"
	ApprovalOnRequest = "on-request"
	ApprovalNever     = "never"
)

// Sandbox modes accepted by newThread.
const (
	SandboxReadOnly       = "read-only"
	SandboxWorkspaceWrite = "workspace-write"
	SandboxFullAccess     = "danger-full-access"
)

// Turn status values carried by turn/completed and readThread.
const (
	TurnStatusInProgress  = "inProgress"
	TurnStatusCompleted   = "completed"
	TurnStatusFailed      = "failed"
	TurnStatusInterrupted = "interrupted"
)

// InitializeParams for initialize.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize.
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// NewThreadParams for newThread.
type NewThreadParams struct {
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
	Model          string `json:"model,omitempty"`
}

// NewThreadResult from newThread.
type NewThreadResult struct {
	ThreadID string `json:"threadId"`
}

// UserInput represents one input item of a user message.
type UserInput struct {
	Type string `json:"type"` // "text", "image", "localImage"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// SendUserMessageParams for sendUserMessage.
type SendUserMessageParams struct {
	ThreadID string      `json:"threadId"`
	Items    []UserInput `json:"items"`
}

// SendUserMessageResult from sendUserMessage. The turn id may be absent;
// in that case the first turn/started notification carries it.
type SendUserMessageResult struct {
	TurnID string `json:"turnId,omitempty"`
}

// InterruptTurnParams for interruptTurn.
type InterruptTurnParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// ReadThreadParams for readThread.
type ReadThreadParams struct {
	ThreadID string `json:"threadId"`
}

// ReadThreadResult from readThread: the full thread snapshot.
type ReadThreadResult struct {
	Thread *ThreadSnapshot `json:"thread"`
}

// ThreadSnapshot is the agent's persisted view of a thread.
type ThreadSnapshot struct {
	ID    string `json:"id"`
	Turns []Turn `json:"turns"`
}

// Turn represents one turn within a thread.
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Items  []Item `json:"items"`
	Error  *Error `json:"error,omitempty"`
}

// Item represents a thread item (message, command, file change, ...).
// Unknown fields are preserved via Extra so events can re-emit them verbatim.
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`   // "userMessage", "agentMessage", "commandExecution", "fileChange", "reasoning"
	Status string `json:"status,omitempty"`
	Text   string `json:"text,omitempty"`

	// For commandExecution items.
	Command          []string `json:"command,omitempty"`
	Cwd              string   `json:"cwd,omitempty"`
	AggregatedOutput string   `json:"aggregatedOutput,omitempty"`
	ExitCode         *int     `json:"exitCode,omitempty"`

	// For fileChange items.
	Changes []FileChange `json:"changes,omitempty"`
}

// FileChange represents a single file change within a fileChange item.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"` // "add", "modify", "delete"
	Diff string `json:"diff,omitempty"`
}

// ThreadStartedParams for thread/started.
type ThreadStartedParams struct {
	ThreadID string `json:"threadId"`
}

// TurnStartedParams for turn/started.
type TurnStartedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// TurnCompletedParams for turn/completed.
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Status   string `json:"status"` // "completed", "failed", "interrupted"
	Error    string `json:"error,omitempty"`
}

// ItemStartedParams for item/started.
type ItemStartedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// ItemCompletedParams for item/completed.
type ItemCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// AgentMessageDeltaParams for item/agentMessage/delta.
type AgentMessageDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// OutputDeltaParams for item/commandExecution/outputDelta and
// item/fileChange/outputDelta.
type OutputDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// ErrorParams for the error notification. ThreadID and TurnID are empty when
// the error is not scoped to a turn.
type ErrorParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	Code     int    `json:"code,omitempty"`
	Message  string `json:"message"`
}

// ExecCommandApprovalParams for the execCommandApproval server request.
type ExecCommandApprovalParams struct {
	ThreadID   string   `json:"threadId"`
	TurnID     string   `json:"turnId"`
	ApprovalID string   `json:"approvalId"`
	Command    []string `json:"command"`
	Cwd        string   `json:"cwd,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// ApplyPatchApprovalParams for the applyPatchApproval server request.
type ApplyPatchApprovalParams struct {
	ThreadID   string       `json:"threadId"`
	TurnID     string       `json:"turnId"`
	ApprovalID string       `json:"approvalId"`
	Changes    []FileChange `json:"changes"`
	Reason     string       `json:"reason,omitempty"`
}

// ApprovalResponse is the reply to an approval request. Decision is either a
// bare string ("accept", "acceptForSession", "decline", "cancel") or the
// acceptWithExecpolicyAmendment object; use the constructors below.
type ApprovalResponse struct {
	Decision json.RawMessage `json:"decision"`
}

// SimpleDecision builds an ApprovalResponse for a plain string decision.
func SimpleDecision(decision string) ApprovalResponse {
	raw, _ := json.Marshal(decision)
	return ApprovalResponse{Decision: raw}
}

// AmendedDecision builds an acceptWithExecpolicyAmendment ApprovalResponse.
func AmendedDecision(tokens []string) ApprovalResponse {
	raw, _ := json.Marshal(map[string]any{
		"acceptWithExecpolicyAmendment": map[string]any{
			"execpolicy_amendment": tokens,
		},
	})
	return ApprovalResponse{Decision: raw}
}
