package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/codeplane/codeplane/pkg/codex"
)

// Scripted turns, selected by prompt prefix:
//
//	error: ...    turn fails with an error notification
//	approve: ...  turn raises an execCommandApproval before finishing
//	slow: ...     echo with 200ms delays between deltas
//	anything else echo the prompt back as an agent message
const turnDelay = 20 * time.Millisecond

// runTurn emits the notification sequence for one turn and records the
// result in the thread snapshot.
func (a *agent) runTurn(threadID, turnID, prompt string, interrupt chan struct{}) {
	a.notify(codex.NotifyTurnStarted, codex.TurnStartedParams{ThreadID: threadID, TurnID: turnID})

	userItem := codex.Item{ID: turnID + "-user", Type: "userMessage", Text: prompt}

	switch {
	case strings.HasPrefix(prompt, "error:"):
		a.runErrorTurn(threadID, turnID, userItem, strings.TrimPrefix(prompt, "error:"))
	case strings.HasPrefix(prompt, "approve:"):
		a.runApprovalTurn(threadID, turnID, userItem, strings.TrimPrefix(prompt, "approve:"), interrupt)
	case strings.HasPrefix(prompt, "slow:"):
		a.runEchoTurn(threadID, turnID, userItem, strings.TrimPrefix(prompt, "slow:"), 200*time.Millisecond, interrupt)
	default:
		a.runEchoTurn(threadID, turnID, userItem, prompt, turnDelay, interrupt)
	}
}

// runEchoTurn streams the reply word by word and completes.
func (a *agent) runEchoTurn(threadID, turnID string, userItem codex.Item, prompt string, delay time.Duration, interrupt chan struct{}) {
	itemID := turnID + "-reply"
	reply := "You said: " + strings.TrimSpace(prompt)

	a.notify(codex.NotifyItemStarted, codex.ItemStartedParams{
		ThreadID: threadID, TurnID: turnID,
		Item: &codex.Item{ID: itemID, Type: "agentMessage"},
	})

	for _, word := range strings.SplitAfter(reply, " ") {
		select {
		case <-interrupt:
			a.finishTurn(threadID, turnID, codex.TurnStatusInterrupted, "", []codex.Item{userItem})
			return
		case <-time.After(delay):
		}
		a.notify(codex.NotifyAgentMessageDelta, codex.AgentMessageDeltaParams{
			ThreadID: threadID, TurnID: turnID, ItemID: itemID, Delta: word,
		})
	}

	replyItem := codex.Item{ID: itemID, Type: "agentMessage", Text: reply}
	a.notify(codex.NotifyItemCompleted, codex.ItemCompletedParams{
		ThreadID: threadID, TurnID: turnID, Item: &replyItem,
	})
	a.finishTurn(threadID, turnID, codex.TurnStatusCompleted, "", []codex.Item{userItem, replyItem})
}

// runErrorTurn fails the turn with the given message.
func (a *agent) runErrorTurn(threadID, turnID string, userItem codex.Item, message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "scripted failure"
	}

	a.notify(codex.NotifyError, codex.ErrorParams{
		ThreadID: threadID, TurnID: turnID, Message: message,
	})
	a.finishTurn(threadID, turnID, codex.TurnStatusFailed, message, []codex.Item{userItem})
}

// runApprovalTurn raises an execCommandApproval and branches on the
// decision: accept runs the command, decline interrupts the turn.
func (a *agent) runApprovalTurn(threadID, turnID string, userItem codex.Item, command string, interrupt chan struct{}) {
	command = strings.TrimSpace(command)
	if command == "" {
		command = "true"
	}
	itemID := turnID + "-cmd"

	a.notify(codex.NotifyItemStarted, codex.ItemStartedParams{
		ThreadID: threadID, TurnID: turnID,
		Item: &codex.Item{ID: itemID, Type: "commandExecution", Command: strings.Fields(command)},
	})

	result := a.requestApproval(codex.MethodExecCommandApproval, codex.ExecCommandApprovalParams{
		ThreadID:   threadID,
		TurnID:     turnID,
		ApprovalID: fmt.Sprintf("%s-approval", turnID),
		Command:    strings.Fields(command),
		Reason:     "scripted approval",
	}, interrupt)

	if !decisionAccepts(result) {
		a.finishTurn(threadID, turnID, codex.TurnStatusInterrupted, "", []codex.Item{userItem})
		return
	}

	a.notify(codex.NotifyCmdExecOutputDelta, codex.OutputDeltaParams{
		ThreadID: threadID, TurnID: turnID, ItemID: itemID, Delta: "ok\n",
	})

	exitCode := 0
	cmdItem := codex.Item{
		ID: itemID, Type: "commandExecution",
		Command: strings.Fields(command), AggregatedOutput: "ok\n", ExitCode: &exitCode,
	}
	a.notify(codex.NotifyItemCompleted, codex.ItemCompletedParams{
		ThreadID: threadID, TurnID: turnID, Item: &cmdItem,
	})
	a.finishTurn(threadID, turnID, codex.TurnStatusCompleted, "", []codex.Item{userItem, cmdItem})
}

// finishTurn emits turn/completed and appends the turn to the thread
// snapshot served by readThread.
func (a *agent) finishTurn(threadID, turnID, status, errMsg string, items []codex.Item) {
	a.mu.Lock()
	delete(a.interrupts, turnID)
	turn := codex.Turn{ID: turnID, Status: status, Items: items}
	if errMsg != "" {
		turn.Error = &codex.Error{Code: codex.InternalError, Message: errMsg}
	}
	a.threads[threadID] = append(a.threads[threadID], turn)
	a.mu.Unlock()

	a.notify(codex.NotifyTurnCompleted, codex.TurnCompletedParams{
		ThreadID: threadID, TurnID: turnID, Status: status, Error: errMsg,
	})
}

// decisionAccepts reports whether an approval reply allows the command.
// The decision is either a bare string or the amendment object.
func decisionAccepts(result json.RawMessage) bool {
	if len(result) == 0 {
		return false
	}
	var resp struct {
		Decision json.RawMessage `json:"decision"`
	}
	if err := json.Unmarshal(result, &resp); err != nil || len(resp.Decision) == 0 {
		return false
	}

	var plain string
	if err := json.Unmarshal(resp.Decision, &plain); err == nil {
		return plain == "accept" || plain == "acceptForSession"
	}

	var amended map[string]json.RawMessage
	if err := json.Unmarshal(resp.Decision, &amended); err == nil {
		_, ok := amended["acceptWithExecpolicyAmendment"]
		return ok
	}
	return false
}
