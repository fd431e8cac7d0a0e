// Package subprocess implements the process-pipe transport: it owns one
// child process per capability server and exchanges newline-delimited JSON
// messages over its standard pipes.
package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mcpfleet/mcpfleet/internal/config"
	"github.com/mcpfleet/mcpfleet/internal/errors"
	"github.com/mcpfleet/mcpfleet/internal/wire"
)

const (
	// maxScanTokenSize is the maximum buffer size for reading output lines.
	maxScanTokenSize = 1024 * 1024 // 1MB
	// maxStderrBufferSize caps the stderr diagnostics buffer. Reading
	// continues past the cap so the pipe never fills, but the buffer stops
	// growing.
	maxStderrBufferSize = 256 * 1024 // 256KB
)

// PipeTransport implements Transport by spawning a capability server
// subprocess and framing messages as one JSON object per line.
type PipeTransport struct {
	log     *slog.Logger
	command string
	args    []string
	env     map[string]string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu          sync.Mutex // Protects stdin writes and lifecycle flags
	closing     bool
	stdinClosed bool
}

// Compile-time verification that PipeTransport implements Transport.
var _ config.Transport = (*PipeTransport)(nil)

// New creates a transport for the configured server command. The process is
// not spawned until Start.
func New(log *slog.Logger, cfg config.ServerConfig) *PipeTransport {
	return &PipeTransport{
		log:     log.With("component", "pipe_transport", "server", cfg.Name),
		command: cfg.Command,
		args:    cfg.Args,
		env:     cfg.Env,
	}
}

// Start spawns the server process with the configured environment and sets
// up the stdin, stdout, and stderr pipes.
//
// Returns a SpawnError if the process fails to start.
func (t *PipeTransport) Start(ctx context.Context) error {
	t.log.Info("Starting capability server process", "command", t.command)

	//nolint:gosec // G204: launching a configured server command is the point
	cmd := exec.Command(t.command, t.args...)

	env := os.Environ()
	for k, v := range t.env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &errors.SpawnError{Command: t.command, Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	t.stdin = stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &errors.SpawnError{Command: t.command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	t.stdout = stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &errors.SpawnError{Command: t.command, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	t.stderr = stderr

	if err := cmd.Start(); err != nil {
		t.log.Error("Failed to start server process", "error", err)

		return &errors.SpawnError{Command: t.command, Err: err}
	}

	t.cmd = cmd
	t.log.Info("Server process started", "pid", cmd.Process.Pid)

	return nil
}

// ReadMessages reads line-delimited JSON from the server's stdout.
//
// Each complete line is parsed as one inbound message and sent to the
// message channel. Malformed lines are logged and dropped; they never appear
// on either channel and never tear down the connection. The error channel
// receives at most one fatal error: a ProcessExitError when the process
// exits outside of an intentional Close, or a scanner failure.
//
// Both channels are closed when the goroutine exits.
func (t *PipeTransport) ReadMessages(ctx context.Context) (<-chan wire.Message, <-chan error) {
	messages := make(chan wire.Message)
	errs := make(chan error, 1)

	// The stderr stream is diagnostics only; buffer it for exit reporting.
	var stderrWg sync.WaitGroup

	var stderrBuffer strings.Builder

	var stderrMu sync.Mutex

	stderrWg.Add(1)

	go func() {
		defer stderrWg.Done()

		scanner := bufio.NewScanner(t.stderr)
		for scanner.Scan() {
			line := scanner.Text()

			stderrMu.Lock()

			if stderrBuffer.Len() < maxStderrBufferSize {
				if stderrBuffer.Len() > 0 {
					stderrBuffer.WriteString("\n")
				}

				stderrBuffer.WriteString(line)
			}

			stderrMu.Unlock()

			t.log.Debug("Server stderr", "line", line)
		}

		if err := scanner.Err(); err != nil {
			t.log.Debug("Stderr scanner error", "error", err)
		}
	}()

	go func() {
		defer close(messages)
		defer close(errs)
		defer t.log.Debug("Read loop stopped")

		scanner := bufio.NewScanner(t.stdout)
		buf := make([]byte, maxScanTokenSize)
		scanner.Buffer(buf, maxScanTokenSize)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()

				return
			default:
			}

			line := scanner.Bytes()

			var msg wire.Message

			if err := json.Unmarshal(line, &msg); err != nil {
				decodeErr := &errors.DecodeError{RawLine: string(line), Err: err}
				t.log.Warn("Dropping malformed line", "error", decodeErr, "line", string(line))

				continue
			}

			select {
			case messages <- msg:
			case <-ctx.Done():
				errs <- ctx.Err()

				return
			}
		}

		scanErr := scanner.Err()
		if scanErr != nil {
			t.log.Error("Scanner error while reading server output", "error", scanErr)

			// The process may still be alive with a broken read side;
			// kill it so Wait below cannot block on a lingering child.
			if t.cmd.Process != nil {
				_ = t.cmd.Process.Kill()
			}
		}

		// Stderr reads must complete before Wait.
		stderrWg.Wait()

		t.log.Debug("Waiting for server process to exit")

		err := t.cmd.Wait()

		t.mu.Lock()
		isClosing := t.closing
		t.stdinClosed = true
		t.mu.Unlock()

		if isClosing {
			t.log.Debug("Server process terminated during shutdown")

			return
		}

		if scanErr != nil {
			errs <- fmt.Errorf("scanner error: %w", scanErr)

			return
		}

		stderrMu.Lock()
		stderrOutput := stderrBuffer.String()
		stderrMu.Unlock()

		exitCode := 0

		if err != nil {
			var exitErr *exec.ExitError
			if stderrors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
		}

		t.log.Warn("Server process exited", "exit_code", exitCode, "stderr", stderrOutput)

		errs <- &errors.ProcessExitError{
			ExitCode: exitCode,
			Stderr:   stderrOutput,
			Err:      err,
		}
	}()

	return messages, errs
}

// SendMessage writes one JSON message to the server's stdin.
//
// A trailing newline is appended if missing. Writes are serialized; a write
// with no live process fails immediately with ErrTransportNotConnected
// rather than being queued. Context cancellation during a blocked write
// closes stdin to unblock it.
func (t *PipeTransport) SendMessage(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stdin == nil || t.stdinClosed {
		return errors.ErrTransportNotConnected
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Copy before appending so a caller's spare capacity is never mutated.
	if len(data) == 0 || data[len(data)-1] != '\n' {
		framed := make([]byte, len(data)+1)
		copy(framed, data)
		framed[len(data)] = '\n'
		data = framed
	}

	done := make(chan error, 1)

	go func() {
		_, err := t.stdin.Write(data)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.log.Error("Failed to write to server", "error", err)

			return fmt.Errorf("write to stdin: %w", err)
		}

		return nil

	case <-ctx.Done():
		t.log.Debug("Context cancelled during write, closing stdin")

		_ = t.stdin.Close()
		t.stdinClosed = true

		select {
		case <-done:
		case <-time.After(1 * time.Second):
			t.log.Warn("Write goroutine did not exit after stdin close")
		}

		return ctx.Err()
	}
}

// IsReady reports whether the process is running and stdin is open.
func (t *PipeTransport) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cmd != nil && t.cmd.Process != nil && !t.stdinClosed
}

// Close terminates the server process.
//
// The process is killed rather than signalled; capability servers hold no
// state worth a graceful drain at this layer. Safe to call multiple times.
func (t *PipeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closing = true
	t.stdinClosed = true

	if t.cmd != nil && t.cmd.Process != nil {
		t.log.Debug("Killing server process", "pid", t.cmd.Process.Pid)

		if err := t.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill server process (pid %d): %w", t.cmd.Process.Pid, err)
		}
	}

	return nil
}
