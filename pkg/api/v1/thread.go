package v1

import "time"

// Approval policies a thread can be created with.
const (
	ApprovalPolicyUntrusted = "untrusted"
	ApprovalPolicyOnFailure = "on-failure"
	ApprovalPolicyOnRequest = "on-request"
	ApprovalPolicyNever     = "never"
)

// Sandbox modes a thread can be created with.
const (
	SandboxReadOnly       = "read-only"
	SandboxWorkspaceWrite = "workspace-write"
	SandboxFullAccess     = "danger-full-access"
)

// Thread is a conversational context maintained by the agent. The id is
// agent-assigned and opaque; the rest is local bookkeeping.
type Thread struct {
	ThreadID       string    `json:"threadId"`
	Name           string    `json:"name,omitempty"`
	ProjectPath    string    `json:"projectPath"`
	ApprovalPolicy string    `json:"approvalPolicy"`
	Sandbox        string    `json:"sandbox"`
	Model          string    `json:"model,omitempty"`
	Active         bool      `json:"active"`
	Archived       bool      `json:"archived"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ValidApprovalPolicy reports whether p is a known approval policy.
func ValidApprovalPolicy(p string) bool {
	switch p {
	case ApprovalPolicyUntrusted, ApprovalPolicyOnFailure, ApprovalPolicyOnRequest, ApprovalPolicyNever:
		return true
	}
	return false
}

// ValidSandbox reports whether s is a known sandbox mode.
func ValidSandbox(s string) bool {
	switch s {
	case SandboxReadOnly, SandboxWorkspaceWrite, SandboxFullAccess:
		return true
	}
	return false
}
