package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// errTransportClosed is returned to callers waiting on a subprocess that
// exited or was stopped.
var errTransportClosed = errors.New("mcp: stdio transport closed")

// StdioConfig configures a subprocess MCP server.
type StdioConfig struct {
	Command string
	Args    []string

	// Env entries ("KEY=VALUE") are appended to the current environment.
	Env []string

	Logger *slog.Logger
}

// StdioTransport runs an MCP server as a subprocess and exchanges
// newline-delimited JSON-RPC over its stdin and stdout. A single reader
// goroutine routes responses to waiting callers by request ID, so
// concurrent requests are allowed.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu      sync.Mutex // guards process state and pending
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[int64]chan *Response
	done    chan struct{} // closed when the reader exits

	writeMu sync.Mutex
}

// NewStdioTransport creates the transport. The subprocess starts on the
// first Send or Notify.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{config: cfg, logger: logger}
}

// ensureStarted launches the subprocess if it is not running. Caller
// must hold t.mu.
func (t *StdioTransport) ensureStarted() error {
	if t.cmd != nil {
		return nil
	}

	t.logger.Info("starting MCP subprocess", "command", t.config.Command, "args", t.config.Args)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.pending = make(map[int64]chan *Response)
	t.done = make(chan struct{})

	go t.logStderr(stderr)
	go t.readLoop(stdout, t.done)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

func (t *StdioTransport) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readLoop dispatches responses until stdout closes, then fails every
// waiter and resets the process state.
func (t *StdioTransport) readLoop(stdout io.Reader, done chan struct{}) {
	reader := bufio.NewReaderSize(stdout, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			t.dispatch(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Warn("MCP subprocess read failed", "error", err)
			}
			break
		}
	}

	t.mu.Lock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	if t.done == done {
		t.reap()
	}
	t.mu.Unlock()
	close(done)
}

func (t *StdioTransport) dispatch(line []byte) {
	var msg Response
	if err := json.Unmarshal(line, &msg); err != nil {
		t.logger.Debug("skipping non-JSON line from MCP subprocess", "line", string(line))
		return
	}
	if !msg.IsResponse() {
		t.logger.Debug("ignoring server message", "method", msg.Method)
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[*msg.ID]
	delete(t.pending, *msg.ID)
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("skipping unmatched MCP response", "id", *msg.ID)
		return
	}
	ch <- &msg
}

// Send writes the request and waits for its response or ctx.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch := make(chan *Response, 1)

	t.mu.Lock()
	if err := t.ensureStarted(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.pending[req.ID] = ch
	t.mu.Unlock()

	if err := t.write(req); err != nil {
		t.forget(req.ID)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errTransportClosed
		}
		return resp, nil
	case <-ctx.Done():
		t.forget(req.ID)
		return nil, ctx.Err()
	}
}

// Notify writes a notification.
func (t *StdioTransport) Notify(_ context.Context, notif *Notification) error {
	t.mu.Lock()
	err := t.ensureStarted()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return t.write(notif)
}

func (t *StdioTransport) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return errTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

func (t *StdioTransport) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Close stops the subprocess, waiting briefly for a clean exit.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	cmd, stdin, done := t.cmd, t.stdin, t.done
	t.mu.Unlock()
	if cmd == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)
	_ = stdin.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}

// reap waits for the exited process and clears state. Caller must hold t.mu.
func (t *StdioTransport) reap() {
	if t.cmd != nil {
		_ = t.cmd.Wait()
	}
	t.cmd = nil
	t.stdin = nil
	t.done = nil
}
