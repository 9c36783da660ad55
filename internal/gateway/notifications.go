package gateway

import (
	"encoding/json"
	"sync"

	"github.com/codeplane/codeplane/pkg/codex"
)

// MethodAgentExited is a gateway-synthesized notification injected into
// the stream when the subprocess dies, so the consumer can fail in-flight
// jobs. It never comes from the agent itself.
const MethodAgentExited = "gateway/agentExited"

// Notification is one demultiplexed frame from the agent. For
// server-initiated approval requests Reply is non-nil and must be
// resolved exactly once.
type Notification struct {
	Method string
	Params json.RawMessage
	Reply  *ApprovalReply
}

// ApprovalReply answers a server-initiated approval request. The reply
// is pinned to the subprocess incarnation that raised the request; if
// that process died in the meantime the reply is dropped.
type ApprovalReply struct {
	id     interface{}
	client *codex.Client
	once   sync.Once
}

// NewApprovalReply builds a reply handle for a server-initiated request
// id on the given client.
func NewApprovalReply(client *codex.Client, id interface{}) *ApprovalReply {
	return &ApprovalReply{id: id, client: client}
}

// Resolve sends the decision back to the agent.
func (r *ApprovalReply) Resolve(resp codex.ApprovalResponse) error {
	var err error
	r.once.Do(func() {
		err = r.client.SendResponse(r.id, resp, nil)
	})
	return err
}

// Reject answers the request with a JSON-RPC error.
func (r *ApprovalReply) Reject(code int, message string) error {
	var err error
	r.once.Do(func() {
		err = r.client.SendResponse(r.id, nil, &codex.Error{Code: code, Message: message})
	})
	return err
}
