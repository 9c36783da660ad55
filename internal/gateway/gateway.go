// Package gateway owns the upstream app-server subprocess: spawning,
// restart with bounded exponential backoff, the initialize handshake,
// correlated request/response calls and demultiplexing of the
// notification stream into a single fan-in channel.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codeplane/codeplane/internal/common/config"
	"github.com/codeplane/codeplane/internal/common/errors"
	"github.com/codeplane/codeplane/internal/common/logger"
	"github.com/codeplane/codeplane/pkg/codex"
)

// notificationQueueSize bounds the fan-in channel. The consumer must
// drain promptly; overflow is treated as a fatal bug, not backpressure.
const notificationQueueSize = 512

// stableUptime is how long the subprocess must stay alive before the
// restart attempt counter resets.
const stableUptime = 30 * time.Second

// stopGrace is how long Stop waits after SIGTERM before SIGKILL.
const stopGrace = 5 * time.Second

// supportedNotifications is the set of agent notification methods that
// are forwarded to the consumer. Anything else is logged and dropped.
var supportedNotifications = map[string]bool{
	codex.NotifyThreadStarted:         true,
	codex.NotifyTurnStarted:           true,
	codex.NotifyTurnCompleted:         true,
	codex.NotifyItemStarted:           true,
	codex.NotifyItemCompleted:         true,
	codex.NotifyAgentMessageDelta:     true,
	codex.NotifyCmdExecOutputDelta:    true,
	codex.NotifyFileChangeOutputDelta: true,
	codex.NotifyError:                 true,
}

// Gateway is the single owner of the upstream agent subprocess.
type Gateway struct {
	cfg    config.AgentConfig
	logger *logger.Logger

	notifications chan Notification

	mu      sync.Mutex
	cmd     *exec.Cmd
	client  *codex.Client
	started time.Time
	running bool
	stopped bool

	wg sync.WaitGroup
}

// New creates a gateway. Call Start to spawn the subprocess.
func New(cfg config.AgentConfig, log *logger.Logger) *Gateway {
	return &Gateway{
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "gateway")),
		notifications: make(chan Notification, notificationQueueSize),
	}
}

// Notifications returns the fan-in stream of agent notifications and
// approval requests. Single consumer.
func (g *Gateway) Notifications() <-chan Notification {
	return g.notifications
}

// IsRunning reports whether the subprocess is currently alive.
func (g *Gateway) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Start spawns the subprocess, performs the initialize handshake and
// begins supervising. Startup failures are returned synchronously.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.spawn(ctx); err != nil {
		return err
	}
	g.wg.Add(1)
	go g.supervise(ctx)
	return nil
}

// Stop terminates the subprocess: SIGTERM, then SIGKILL after a grace
// period. Blocks until the supervisor has exited.
func (g *Gateway) Stop() {
	g.mu.Lock()
	g.stopped = true
	cmd := g.cmd
	client := g.client
	g.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err == nil {
			killTimer := time.AfterFunc(stopGrace, func() {
				g.logger.Warn("agent did not exit after SIGTERM, killing")
				_ = cmd.Process.Kill()
			})
			defer killTimer.Stop()
		} else {
			_ = cmd.Process.Kill()
		}
	}
	g.wg.Wait()
}

// Call issues a correlated request to the agent and returns the raw
// result. Fails with AGENT_UNAVAILABLE when the subprocess is down,
// RPC_TIMEOUT when the configured call timeout elapses and
// AGENT_DISCONNECTED when the subprocess dies mid-call.
func (g *Gateway) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	g.mu.Lock()
	client := g.client
	running := g.running
	g.mu.Unlock()

	if !running || client == nil {
		return nil, errors.AgentUnavailable()
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeoutDuration())
	defer cancel()

	resp, err := client.Call(callCtx, method, params)
	if err != nil {
		select {
		case <-client.Done():
			return nil, errors.AgentDisconnected()
		default:
		}
		if callCtx.Err() != nil && ctx.Err() == nil {
			return nil, errors.RPCTimeout(method)
		}
		return nil, errors.Wrap(err, fmt.Sprintf("agent call %s failed", method))
	}
	if resp.Error != nil {
		return nil, errors.InternalError(
			fmt.Sprintf("agent rpc %s failed: %s", method, resp.Error.Message), nil)
	}
	return resp.Result, nil
}

// spawn starts one subprocess incarnation and performs the initialize
// handshake.
func (g *Gateway) spawn(ctx context.Context) error {
	cmd := exec.Command(g.cfg.Command, g.cfg.Args...)
	if g.cfg.Cwd != "" {
		cmd.Dir = g.cfg.Cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stderr: %w", err)
	}

	var client *codex.Client
	client = codex.NewClient(stdin, stdout, codex.Handlers{
		OnNotification: g.onNotification,
		OnRequest: func(id interface{}, method string, params json.RawMessage) {
			g.onRequest(client, id, method, params)
		},
	}, g.logger)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent subprocess: %w", err)
	}

	go g.logStderr(stderr)

	client.Start(ctx)

	initCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeoutDuration())
	defer cancel()
	resp, err := client.Call(initCtx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "codeplane-worker", Version: "1.0.0"},
	})
	if err != nil {
		client.Stop()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("agent initialize failed: %w", err)
	}
	if resp.Error != nil {
		client.Stop()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("agent initialize rejected: %s", resp.Error.Message)
	}

	g.mu.Lock()
	g.cmd = cmd
	g.client = client
	g.started = time.Now()
	g.running = true
	g.mu.Unlock()

	g.logger.Info("agent subprocess started",
		zap.String("command", g.cfg.Command),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// supervise waits for subprocess exits and restarts with exponential
// backoff, bounded by RestartMaxAttempts to avoid restart storms.
func (g *Gateway) supervise(ctx context.Context) {
	defer g.wg.Done()

	attempts := 0
	backoff := g.cfg.RestartBackoffDuration()

	for {
		g.mu.Lock()
		cmd := g.cmd
		client := g.client
		started := g.started
		g.mu.Unlock()
		if cmd == nil {
			return
		}

		err := cmd.Wait()
		client.Stop()

		g.mu.Lock()
		g.running = false
		stopped := g.stopped
		g.mu.Unlock()

		if stopped || ctx.Err() != nil {
			return
		}

		g.logger.Warn("agent subprocess exited unexpectedly", zap.Error(err))
		g.emit(Notification{Method: MethodAgentExited})

		if time.Since(started) > stableUptime {
			attempts = 0
			backoff = g.cfg.RestartBackoffDuration()
		}

		restarted := false
		for !restarted {
			attempts++
			if attempts > g.cfg.RestartMaxAttempts {
				g.logger.Error("agent restart attempts exhausted, staying down",
					zap.Int("attempts", attempts-1))
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if max := g.cfg.RestartBackoffMaxDuration(); backoff > max {
				backoff = max
			}

			if err := g.spawn(ctx); err != nil {
				g.logger.Error("agent restart failed", zap.Error(err))
				continue
			}
			restarted = true
		}
	}
}

func (g *Gateway) onNotification(method string, params json.RawMessage) {
	if !supportedNotifications[method] {
		g.logger.Debug("dropping unsupported notification", zap.String("method", method))
		return
	}
	g.emit(Notification{Method: method, Params: params})
}

func (g *Gateway) onRequest(client *codex.Client, id interface{}, method string, params json.RawMessage) {
	switch method {
	case codex.MethodExecCommandApproval, codex.MethodApplyPatchApproval:
		g.emit(Notification{
			Method: method,
			Params: params,
			Reply:  NewApprovalReply(client, id),
		})
	default:
		g.logger.Warn("rejecting unknown agent request", zap.String("method", method))
		if err := client.SendResponse(id, nil, &codex.Error{
			Code: codex.MethodNotFound, Message: "Method not found",
		}); err != nil {
			g.logger.Warn("failed to reject agent request", zap.Error(err))
		}
	}
}

// emit forwards to the fan-in channel. The consumer contract requires
// prompt draining; a full queue means the orchestrator stopped consuming
// and the process cannot continue correctly.
func (g *Gateway) emit(n Notification) {
	select {
	case g.notifications <- n:
	default:
		g.logger.Fatal("notification queue overflow: consumer stopped draining",
			zap.String("method", n.Method),
			zap.Int("queue_size", notificationQueueSize))
	}
}

func (g *Gateway) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		g.logger.Debug("agent stderr", zap.String("line", scanner.Text()))
	}
}
