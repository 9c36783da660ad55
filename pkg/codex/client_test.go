package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeplane/codeplane/internal/common/logger"
)

// fakeServer drives the remote side of the pipe pair: it reads frames
// written by the client and lets tests inject frames on the client's
// stdout.
type fakeServer struct {
	t *testing.T

	clientIn  *io.PipeWriter // test writes here, client reads
	clientOut *io.PipeReader // test reads here, client writes

	mu     sync.Mutex
	frames []map[string]interface{}
	seen   chan struct{}
}

func newClientPair(t *testing.T, handlers Handlers) (*Client, *fakeServer) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	stdinR, stdinW := io.Pipe()   // client stdin: client writes, server reads
	stdoutR, stdoutW := io.Pipe() // client stdout: server writes, client reads

	client := NewClient(stdinW, stdoutR, handlers, log)
	client.Start(context.Background())
	t.Cleanup(func() {
		client.Stop()
		stdoutW.Close()
		stdinR.Close()
	})

	srv := &fakeServer{
		t:         t,
		clientIn:  stdoutW,
		clientOut: stdinR,
		seen:      make(chan struct{}, 16),
	}
	go srv.readLoop()
	return client, srv
}

func (s *fakeServer) readLoop() {
	scanner := bufio.NewScanner(s.clientOut)
	for scanner.Scan() {
		var frame map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		s.mu.Lock()
		s.frames = append(s.frames, frame)
		s.mu.Unlock()
		s.seen <- struct{}{}
	}
}

// nextFrame waits for the next frame written by the client.
func (s *fakeServer) nextFrame() map[string]interface{} {
	s.t.Helper()
	select {
	case <-s.seen:
	case <-time.After(3 * time.Second):
		s.t.Fatal("timed out waiting for client frame")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := s.frames[0]
	s.frames = s.frames[1:]
	return frame
}

// inject writes one frame on the client's stdout.
func (s *fakeServer) inject(frame string) {
	s.t.Helper()
	_, err := s.clientIn.Write([]byte(frame + "\n"))
	require.NoError(s.t, err)
}

func TestClient_CallCorrelation(t *testing.T) {
	client, srv := newClientPair(t, Handlers{})

	type result struct {
		resp *Response
		err  error
	}
	results := make(chan result, 2)
	call := func(method string) {
		resp, err := client.Call(context.Background(), method, nil)
		results <- result{resp, err}
	}
	go call("newThread")
	go call("readThread")

	// Answer both calls out of order.
	f1 := srv.nextFrame()
	f2 := srv.nextFrame()
	id1 := int64(f1["id"].(float64))
	id2 := int64(f2["id"].(float64))
	srv.inject(`{"id":` + jsonInt(id2) + `,"result":{"tag":"second"}}`)
	srv.inject(`{"id":` + jsonInt(id1) + `,"result":{"tag":"first"}}`)

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.NotNil(t, r.resp.Result)
	}
}

func TestClient_CallOmitsJSONRPCHeader(t *testing.T) {
	client, srv := newClientPair(t, Handlers{})

	go func() {
		_, _ = client.Call(context.Background(), "initialize", InitializeParams{
			ClientInfo: &ClientInfo{Name: "test", Version: "0"},
		})
	}()

	frame := srv.nextFrame()
	assert.NotContains(t, frame, "jsonrpc")
	assert.Equal(t, "initialize", frame["method"])
	assert.Contains(t, frame, "id")
	srv.inject(`{"id":1,"result":{}}`)
}

func TestClient_CallContextCancel(t *testing.T) {
	client, _ := newClientPair(t, Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, "sendUserMessage", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_CallErrorResponse(t *testing.T) {
	client, srv := newClientPair(t, Handlers{})

	done := make(chan *Response, 1)
	go func() {
		resp, err := client.Call(context.Background(), "newThread", nil)
		require.NoError(t, err)
		done <- resp
	}()

	frame := srv.nextFrame()
	srv.inject(`{"id":` + jsonInt(int64(frame["id"].(float64))) + `,"error":{"code":-32600,"message":"nope"}}`)

	resp := <-done
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidRequest, resp.Error.Code)
	assert.Equal(t, "nope", resp.Error.Message)
}

func TestClient_NotificationDispatch(t *testing.T) {
	received := make(chan string, 1)
	_, srv := newClientPair(t, Handlers{
		OnNotification: func(method string, params json.RawMessage) {
			received <- method
		},
	})

	srv.inject(`{"method":"turn/started","params":{"threadId":"t1","turnId":"u1"}}`)

	select {
	case method := <-received:
		assert.Equal(t, NotifyTurnStarted, method)
	case <-time.After(3 * time.Second):
		t.Fatal("notification was not dispatched")
	}
}

func TestClient_ServerRequestDispatchAndResponse(t *testing.T) {
	type request struct {
		id     interface{}
		method string
	}
	received := make(chan request, 1)

	client, srv := newClientPair(t, Handlers{
		OnRequest: func(id interface{}, method string, params json.RawMessage) {
			received <- request{id, method}
		},
	})

	srv.inject(`{"id":7,"method":"execCommandApproval","params":{"approvalId":"a1","command":["rm","-rf"]}}`)

	var req request
	select {
	case req = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("server request was not dispatched")
	}
	assert.Equal(t, MethodExecCommandApproval, req.method)

	require.NoError(t, client.SendResponse(req.id, SimpleDecision("accept"), nil))

	frame := srv.nextFrame()
	assert.Equal(t, float64(7), frame["id"])
	result := frame["result"].(map[string]interface{})
	assert.Equal(t, "accept", result["decision"])
}

func TestClient_UnhandledServerRequestRejected(t *testing.T) {
	_, srv := newClientPair(t, Handlers{})

	srv.inject(`{"id":3,"method":"somethingElse","params":{}}`)

	frame := srv.nextFrame()
	assert.Equal(t, float64(3), frame["id"])
	errObj := frame["error"].(map[string]interface{})
	assert.Equal(t, float64(MethodNotFound), errObj["code"])
}

func TestClient_StopFailsOutstandingCalls(t *testing.T) {
	client, _ := newClientPair(t, Handlers{})

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "readThread", nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	client.Stop()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "client closed")
	case <-time.After(3 * time.Second):
		t.Fatal("call did not fail after Stop")
	}
}

func TestDecisionConstructors(t *testing.T) {
	simple := SimpleDecision("decline")
	assert.JSONEq(t, `"decline"`, string(simple.Decision))

	amended := AmendedDecision([]string{"git", "push"})
	assert.JSONEq(t,
		`{"acceptWithExecpolicyAmendment":{"execpolicy_amendment":["git","push"]}}`,
		string(amended.Decision))
}

func TestClient_EOFClosesDone(t *testing.T) {
	client, srv := newClientPair(t, Handlers{})

	srv.clientIn.Close()

	select {
	case <-client.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done was not closed on EOF")
	}
}

func jsonInt(v int64) string {
	data, _ := json.Marshal(v)
	return string(data)
}
