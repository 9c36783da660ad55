package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeplane/codeplane/internal/common/config"
	"github.com/codeplane/codeplane/internal/common/logger"
	"github.com/codeplane/codeplane/internal/events/bus"
	"github.com/codeplane/codeplane/internal/gateway"
	"github.com/codeplane/codeplane/internal/session"
	"github.com/codeplane/codeplane/internal/store"
	"github.com/codeplane/codeplane/internal/streaming"
	v1 "github.com/codeplane/codeplane/pkg/api/v1"
	"github.com/codeplane/codeplane/pkg/codex"
)

type fakeAgent struct {
	mu     sync.Mutex
	fns    map[string]func(params interface{}) (json.RawMessage, error)
	notifs chan gateway.Notification
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		fns:    make(map[string]func(params interface{}) (json.RawMessage, error)),
		notifs: make(chan gateway.Notification, 64),
	}
}

func (f *fakeAgent) on(method string, fn func(params interface{}) (json.RawMessage, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns[method] = fn
}

func (f *fakeAgent) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	fn := f.fns[method]
	f.mu.Unlock()
	if fn == nil {
		return json.RawMessage(`{}`), nil
	}
	return fn(params)
}

func (f *fakeAgent) Notifications() <-chan gateway.Notification { return f.notifs }

func (f *fakeAgent) IsRunning() bool { return true }

func (f *fakeAgent) notify(t *testing.T, method string, params interface{}) {
	t.Helper()
	data, err := json.Marshal(params)
	require.NoError(t, err)
	f.notifs <- gateway.Notification{Method: method, Params: data}
}

type apiEnv struct {
	ts    *httptest.Server
	agent *fakeAgent
	bus   bus.EventBus
	token string
}

func newAPIEnv(t *testing.T, token string) *apiEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	st, err := store.New(config.StoreConfig{
		DBPath:         filepath.Join(t.TempDir(), "api.db"),
		EventRetention: 500,
		TerminalJobTTL: 24,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	streamingCfg := config.StreamingConfig{QueueSize: 64, BindWindow: 5000, CancelGrace: 10}
	hub := streaming.NewHub(st, streamingCfg, log)
	agent := newFakeAgent()
	eventBus := bus.NewMemoryEventBus(log)

	o := session.New(streamingCfg, st, agent, hub, eventBus, log)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Stop)

	cfg := &config.Config{Auth: config.AuthConfig{Token: token}}
	srv := NewServer(cfg, o, eventBus, log)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiEnv{ts: ts, agent: agent, bus: eventBus, token: token}
}

func (e *apiEnv) request(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	return payload.Error.Code
}

// createThread registers thread t1 through the HTTP surface.
func (e *apiEnv) createThread(t *testing.T) string {
	t.Helper()
	e.agent.on(codex.MethodNewThread, func(params interface{}) (json.RawMessage, error) {
		return json.RawMessage(`{"threadId":"t1"}`), nil
	})
	resp, body := e.request(t, http.MethodPost, "/v1/threads", map[string]string{
		"projectPath": "/tmp/project",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var thread v1.Thread
	require.NoError(t, json.Unmarshal(body, &thread))
	return thread.ThreadID
}

// startTurn starts a turn bound to the given turnId and returns the jobId.
func (e *apiEnv) startTurn(t *testing.T, threadID, turnID string) string {
	t.Helper()
	e.agent.on(codex.MethodSendUserMessage, func(params interface{}) (json.RawMessage, error) {
		return json.RawMessage(`{"turnId":"` + turnID + `"}`), nil
	})
	resp, body := e.request(t, http.MethodPost, "/v1/threads/"+threadID+"/turns", map[string]string{
		"text": "hello",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var ack struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(body, &ack))
	require.NotEmpty(t, ack.JobID)
	return ack.JobID
}

// finishTurn drives the job through one item and a completed turn, then
// waits for the terminal state to land.
func (e *apiEnv) finishTurn(t *testing.T, threadID, turnID, jobID string) {
	t.Helper()
	e.agent.notify(t, codex.NotifyItemCompleted, codex.ItemCompletedParams{
		ThreadID: threadID, TurnID: turnID,
		Item: &codex.Item{ID: "i1", Type: "agentMessage", Text: "OK"},
	})
	e.agent.notify(t, codex.NotifyTurnCompleted, codex.TurnCompletedParams{
		ThreadID: threadID, TurnID: turnID, Status: codex.TurnStatusCompleted,
	})

	require.Eventually(t, func() bool {
		resp, body := e.request(t, http.MethodGet, "/v1/jobs/"+jobID, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var job v1.Job
		if err := json.Unmarshal(body, &job); err != nil {
			return false
		}
		return job.State == v1.JobStateDone
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHealth_Unauthenticated(t *testing.T) {
	env := newAPIEnv(t, "secret")

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status      string `json:"status"`
		AuthEnabled bool   `json:"authEnabled"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.AuthEnabled)
}

func TestBearerAuth(t *testing.T) {
	env := newAPIEnv(t, "secret")

	resp, err := http.Get(env.ts.URL + "/v1/threads")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/v1/threads", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2, _ := env.request(t, http.MethodGet, "/v1/threads", nil)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestThreadLifecycle(t *testing.T) {
	env := newAPIEnv(t, "")
	threadID := env.createThread(t)
	require.Equal(t, "t1", threadID)

	resp, body := env.request(t, http.MethodGet, "/v1/threads/"+threadID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var thread v1.Thread
	require.NoError(t, json.Unmarshal(body, &thread))
	assert.True(t, thread.Active)

	resp, body = env.request(t, http.MethodPost, "/v1/threads/"+threadID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &thread))
	assert.True(t, thread.Archived)
	assert.False(t, thread.Active)

	resp, body = env.request(t, http.MethodPost, "/v1/threads/"+threadID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &thread))
	assert.True(t, thread.Active)

	resp, body = env.request(t, http.MethodGet, "/v1/threads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Threads []v1.Thread `json:"threads"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Threads, 1)

	resp, body = env.request(t, http.MethodGet, "/v1/threads/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, body))
}

func TestCreateThread_Invalid(t *testing.T) {
	env := newAPIEnv(t, "")

	resp, body := env.request(t, http.MethodPost, "/v1/threads", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, body))

	resp, body = env.request(t, http.MethodPost, "/v1/threads", map[string]string{
		"projectPath":    "/tmp/project",
		"approvalPolicy": "sometimes",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, body))
}

func TestStartTurn_AndPollEvents(t *testing.T) {
	env := newAPIEnv(t, "")
	threadID := env.createThread(t)
	jobID := env.startTurn(t, threadID, "turn-1")

	// Second turn while the first is live must be rejected.
	resp, body := env.request(t, http.MethodPost, "/v1/threads/"+threadID+"/turns", map[string]string{
		"text": "again",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "THREAD_BUSY", errorCode(t, body))

	env.finishTurn(t, threadID, "turn-1", jobID)

	resp, body = env.request(t, http.MethodGet, "/v1/jobs/"+jobID+"/events?cursor=-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page v1.EventPage
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Data, 4)
	assert.Equal(t, v1.EventJobState, page.Data[0].Type)
	assert.Equal(t, v1.EventJobFinished, page.Data[3].Type)
	assert.False(t, page.HasMore)
	assert.Equal(t, int64(3), page.NextCursor)

	// Resuming past the end of a terminal job is a conflict.
	resp, body = env.request(t, http.MethodGet, "/v1/jobs/"+jobID+"/events?cursor=99", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CURSOR_EXPIRED", errorCode(t, body))
}

func TestStartTurn_EmptyBody(t *testing.T) {
	env := newAPIEnv(t, "")
	threadID := env.createThread(t)

	resp, body := env.request(t, http.MethodPost, "/v1/threads/"+threadID+"/turns", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, body))
}

func TestJobEventsSSE(t *testing.T) {
	env := newAPIEnv(t, "")
	threadID := env.createThread(t)
	jobID := env.startTurn(t, threadID, "turn-1")
	env.finishTurn(t, threadID, "turn-1", jobID)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/v1/jobs/"+jobID+"/events?cursor=-1", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var events []v1.Event
	var closeReason string
	scanner := bufio.NewScanner(resp.Body)
	inClose := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "event: close":
			inClose = true
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if inClose {
				var payload struct {
					Reason string `json:"reason"`
				}
				require.NoError(t, json.Unmarshal([]byte(data), &payload))
				closeReason = payload.Reason
			} else {
				var e v1.Event
				require.NoError(t, json.Unmarshal([]byte(data), &e))
				events = append(events, e)
			}
		}
	}

	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, int64(i), e.Seq)
	}
	assert.Equal(t, v1.EventJobFinished, events[3].Type)
	assert.Equal(t, string(streaming.ReasonJobTerminal), closeReason)
}

func TestApprove_Validation(t *testing.T) {
	env := newAPIEnv(t, "")

	resp, body := env.request(t, http.MethodPost, "/v1/jobs/j1/approve", map[string]string{
		"approvalId": "a1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, body))

	resp, body = env.request(t, http.MethodPost, "/v1/jobs/j1/approve", map[string]string{
		"approvalId": "a1",
		"decision":   "accept",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, body))
}

func TestCancel_UnknownJob(t *testing.T) {
	env := newAPIEnv(t, "")

	resp, body := env.request(t, http.MethodPost, "/v1/jobs/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, body))
}

func TestAnnounceWS(t *testing.T) {
	env := newAPIEnv(t, "")
	threadID := env.createThread(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The subscription races the upgrade response; give it a moment.
	time.Sleep(50 * time.Millisecond)

	_, _ = env.request(t, http.MethodPost, "/v1/threads/"+threadID+"/archive", nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var event bus.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "thread.updated", event.Type)
	assert.Equal(t, threadID, event.Data["threadId"])
}
