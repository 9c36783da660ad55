package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/codeplane/codeplane/internal/common/logger"
)

// Handlers receives server-initiated traffic from the read loop.
// OnNotification is called for method frames without an id; OnRequest for
// method frames with an id, which must eventually be answered through
// SendResponse.
type Handlers struct {
	OnNotification func(method string, params json.RawMessage)
	OnRequest      func(id interface{}, method string, params json.RawMessage)
}

// Client speaks the app-server dialect over a stdin/stdout pair: one JSON
// message per line, request/response correlation by numeric id.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Int64
	pending   map[interface{}]chan *Response
	mu        sync.Mutex

	writeMu sync.Mutex // frames must not interleave on the wire

	handlers Handlers

	logger *logger.Logger
	done   chan struct{}
	once   sync.Once
}

// NewClient creates a client over the given subprocess pipes.
func NewClient(stdin io.Writer, stdout io.Reader, handlers Handlers, log *logger.Logger) *Client {
	return &Client{
		stdin:    stdin,
		stdout:   stdout,
		pending:  make(map[interface{}]chan *Response),
		handlers: handlers,
		logger:   log.WithFields(zap.String("component", "codex-client")),
		done:     make(chan struct{}),
	}
}

// Start begins reading frames from stdout.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client. Outstanding calls fail with a closed-client error.
func (c *Client) Stop() {
	c.once.Do(func() { close(c.done) })
}

// Done is closed when the client has stopped (Stop called or stdout EOF).
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Call sends a request and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &Request{ID: id, Method: method, Params: paramsJSON}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	return c.send(&Notification{Method: method, Params: paramsJSON})
}

// SendResponse answers a server-initiated request.
func (c *Client) SendResponse(id interface{}, result interface{}, respErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return c.send(&Response{ID: id, Result: resultJSON, Error: respErr})
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.Stop()

	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("failed to parse frame", zap.Error(err))
			continue
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""

		switch {
		case hasID && !hasMethod && (msg.Result != nil || msg.Error != nil):
			c.dispatchResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasID && hasMethod:
			c.dispatchRequest(msg.ID, msg.Method, msg.Params)
		case hasMethod:
			c.dispatchNotification(msg.Method, msg.Params)
		default:
			c.logger.Warn("dropping unclassifiable frame")
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) dispatchResponse(resp *Response) {
	id := normalizeID(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		ch <- resp
	} else {
		c.logger.Warn("received response for unknown request", zap.Any("id", resp.ID))
	}
}

func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	if c.handlers.OnNotification != nil {
		c.handlers.OnNotification(method, params)
	}
}

func (c *Client) dispatchRequest(id interface{}, method string, params json.RawMessage) {
	if c.handlers.OnRequest != nil {
		c.handlers.OnRequest(id, method, params)
		return
	}
	c.logger.Warn("received request but no handler registered", zap.String("method", method))
	if err := c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "Method not found"}); err != nil {
		c.logger.Warn("failed to send method not found response", zap.Error(err))
	}
}

// normalizeID maps the JSON decoding of a numeric id back to int64 so
// responses match the pending map keys.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}
