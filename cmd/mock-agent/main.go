// Package main implements a mock codex app-server that speaks the
// newline-framed JSON-RPC dialect over stdin/stdout. It generates
// scripted turns for rapid feature testing without a real agent.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/codeplane/codeplane/pkg/codex"
)

// frame is the decoded superset of everything the worker can send us:
// requests (id+method), notifications (method only) and responses to
// our own approval requests (id only).
type frame struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *codex.Error    `json:"error,omitempty"`
}

// agent holds the scripted state for one mock process.
type agent struct {
	mu  sync.Mutex
	enc *json.Encoder

	threadSeq int
	turnSeq   int
	reqSeq    int

	threads map[string][]codex.Turn

	// interrupts maps live turnIds to their cancel channels.
	interrupts map[string]chan struct{}
	// approvals maps outstanding approval request ids to reply channels.
	approvals map[string]chan json.RawMessage
}

func main() {
	a := &agent{
		enc:        json.NewEncoder(os.Stdout),
		threads:    make(map[string][]codex.Turn),
		interrupts: make(map[string]chan struct{}),
		approvals:  make(map[string]chan json.RawMessage),
	}

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg frame
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		if msg.Method == "" && len(msg.ID) > 0 {
			a.handleApprovalResponse(msg)
			continue
		}
		a.handleRequest(msg)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

func (a *agent) handleRequest(msg frame) {
	switch msg.Method {
	case codex.MethodInitialize:
		a.respond(msg.ID, map[string]interface{}{
			"serverInfo": map[string]string{"name": "mock-agent", "version": "0.1.0"},
		})

	case codex.MethodNewThread:
		a.mu.Lock()
		a.threadSeq++
		threadID := fmt.Sprintf("mock-thread-%d", a.threadSeq)
		a.threads[threadID] = nil
		a.mu.Unlock()

		a.respond(msg.ID, codex.NewThreadResult{ThreadID: threadID})
		a.notify(codex.NotifyThreadStarted, codex.ThreadStartedParams{ThreadID: threadID})

	case codex.MethodSendUserMessage:
		var params codex.SendUserMessageParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			a.respondError(msg.ID, codex.InvalidParams, "malformed sendUserMessage params")
			return
		}

		a.mu.Lock()
		a.turnSeq++
		turnID := fmt.Sprintf("mock-turn-%d", a.turnSeq)
		interrupt := make(chan struct{})
		a.interrupts[turnID] = interrupt
		a.mu.Unlock()

		a.respond(msg.ID, codex.SendUserMessageResult{TurnID: turnID})
		go a.runTurn(params.ThreadID, turnID, promptText(params.Items), interrupt)

	case codex.MethodInterruptTurn:
		var params codex.InterruptTurnParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			a.respondError(msg.ID, codex.InvalidParams, "malformed interruptTurn params")
			return
		}

		a.mu.Lock()
		interrupt, ok := a.interrupts[params.TurnID]
		if ok {
			delete(a.interrupts, params.TurnID)
		}
		a.mu.Unlock()
		if ok {
			close(interrupt)
		}
		a.respond(msg.ID, map[string]interface{}{})

	case codex.MethodReadThread:
		var params codex.ReadThreadParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			a.respondError(msg.ID, codex.InvalidParams, "malformed readThread params")
			return
		}

		a.mu.Lock()
		turns, ok := a.threads[params.ThreadID]
		a.mu.Unlock()
		if !ok {
			a.respondError(msg.ID, codex.InvalidRequest, "unknown thread "+params.ThreadID)
			return
		}
		a.respond(msg.ID, codex.ReadThreadResult{
			Thread: &codex.ThreadSnapshot{ID: params.ThreadID, Turns: turns},
		})

	default:
		a.respondError(msg.ID, codex.MethodNotFound, "Method not found")
	}
}

// handleApprovalResponse routes a reply to one of our outstanding
// approval requests.
func (a *agent) handleApprovalResponse(msg frame) {
	a.mu.Lock()
	ch, ok := a.approvals[string(msg.ID)]
	if ok {
		delete(a.approvals, string(msg.ID))
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	if msg.Error != nil {
		ch <- nil
		return
	}
	ch <- msg.Result
}

func (a *agent) respond(id json.RawMessage, result interface{}) {
	a.write(map[string]interface{}{"id": normalizeRawID(id), "result": result})
}

func (a *agent) respondError(id json.RawMessage, code int, message string) {
	a.write(map[string]interface{}{
		"id":    normalizeRawID(id),
		"error": codex.Error{Code: code, Message: message},
	})
}

func (a *agent) notify(method string, params interface{}) {
	a.write(map[string]interface{}{"method": method, "params": params})
}

// requestApproval sends a server-initiated request and blocks until the
// worker answers or the turn is interrupted. Returns the raw result,
// nil on rejection.
func (a *agent) requestApproval(method string, params interface{}, interrupt chan struct{}) json.RawMessage {
	a.mu.Lock()
	a.reqSeq++
	id := a.reqSeq
	ch := make(chan json.RawMessage, 1)
	a.approvals[fmt.Sprintf("%d", id)] = ch
	a.mu.Unlock()

	a.write(map[string]interface{}{"id": id, "method": method, "params": params})

	select {
	case result := <-ch:
		return result
	case <-interrupt:
		return nil
	}
}

func (a *agent) write(v interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.enc.Encode(v)
}

// normalizeRawID echoes the request id back with its original JSON type.
func normalizeRawID(id json.RawMessage) interface{} {
	var v interface{}
	if err := json.Unmarshal(id, &v); err != nil {
		return nil
	}
	return v
}

// promptText flattens the user input items into one prompt string.
func promptText(items []codex.UserInput) string {
	text := ""
	for _, item := range items {
		if item.Type == "text" {
			if text != "" {
				text += "\n"
			}
			text += item.Text
		}
	}
	return text
}
