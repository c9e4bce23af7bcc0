package transport

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/mcpwire/errors"
	"github.com/vinayprograms/mcpwire/logging"
)

// CommandFactory builds the command for a child process. It matches
// exec.CommandContext, which is the default.
type CommandFactory func(ctx context.Context, name string, args ...string) *exec.Cmd

// StdioServerParameters describes the child process a StdioClientTransport
// launches.
type StdioServerParameters struct {
	// Command is the executable to run.
	Command string

	// Args are the command line arguments.
	Args []string

	// Env is merged over DefaultEnvironment(). Values starting with "()"
	// are dropped.
	Env map[string]string

	// Dir is the working directory. Empty means the current one.
	Dir string

	// Stderr selects the diagnostic stream mode. Default: StderrInherit.
	Stderr StderrMode

	// StderrBufferSize caps unread captured stderr. The child blocks on
	// further writes until Stderr() is read. Default: DefaultStderrBufferSize.
	StderrBufferSize int

	// CommandFactory overrides how the command is built.
	CommandFactory CommandFactory

	// WaitDelay bounds how long Close waits for the child's streams after
	// the kill. Default: 2s.
	WaitDelay time.Duration

	// Logger receives transport logs. Default: WARN to stderr.
	Logger *logging.Logger

	// Validator checks inbound lines. Default: DefaultValidator.
	Validator Validator
}

// StdioClientTransport launches a server as a child process and talks to it
// over the child's stdin and stdout.
type StdioClientTransport struct {
	state
	params StdioServerParameters

	stderr *stderrBuffer

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	aborted atomic.Bool

	bufMu sync.Mutex
	buf   ReadBuffer

	writeMu sync.Mutex
}

// NewStdioClientTransport creates a transport for params. The child is not
// spawned until Start.
func NewStdioClientTransport(params StdioServerParameters) *StdioClientTransport {
	if params.Stderr == "" {
		params.Stderr = StderrInherit
	}
	if params.CommandFactory == nil {
		params.CommandFactory = exec.CommandContext
	}
	if params.WaitDelay <= 0 {
		params.WaitDelay = 2 * time.Second
	}
	t := &StdioClientTransport{params: params}
	t.init(KindStdioClient, params.Logger)
	t.buf.Validator = params.Validator
	if params.Stderr.captured() {
		t.stderr = newStderrBuffer(params.StderrBufferSize)
	}
	return t
}

// Stderr returns the child's captured diagnostic stream, or nil when the
// mode is StderrInherit. It is available before Start.
func (t *StdioClientTransport) Stderr() io.Reader {
	if t.stderr == nil {
		return nil
	}
	return t.stderr
}

// PID returns the child's process id once it has been spawned.
func (t *StdioClientTransport) PID() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0, false
	}
	return t.cmd.Process.Pid, true
}

// Start spawns the child. Spawn failures are reported to the handler and
// returned; the transport is then closed without HandleClose.
func (t *StdioClientTransport) Start(ctx context.Context) error {
	if err := t.markStarted(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrNotConnected
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := t.params.CommandFactory(procCtx, t.params.Command, t.params.Args...)
	cmd.Env = childEnvironment(t.params.Env)
	cmd.Dir = t.params.Dir
	cmd.Stdout = stdoutSink{t}
	cmd.WaitDelay = t.params.WaitDelay
	switch {
	case t.stderr != nil:
		cmd.Stderr = t.stderr
	default:
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		cancel()
		perr := errors.ProcessFailed("spawn "+t.params.Command,
			errors.WithCause(err), errors.WithTransport(t.kind))
		t.fail(perr)
		t.closeStderr()
		t.abandon()
		return perr
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.cancel = cancel
	t.mu.Unlock()

	t.log.Started(t.kind, map[string]interface{}{
		"command": t.params.Command,
		"pid":     cmd.Process.Pid,
	})

	if t.isClosed() || t.aborted.Load() {
		cancel()
	}
	go t.wait(cmd)
	return nil
}

// stdoutSink feeds child output into the read buffer. exec calls Write
// from a single copying goroutine.
type stdoutSink struct {
	t *StdioClientTransport
}

func (s stdoutSink) Write(p []byte) (int, error) {
	t := s.t
	if t.aborted.Load() {
		return len(p), nil
	}
	t.bufMu.Lock()
	t.buf.Append(p)
	items := drainBuffer(&t.buf)
	t.bufMu.Unlock()
	t.dispatch(items)
	return len(p), nil
}

func (t *StdioClientTransport) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	t.closeStderr()

	var exitErr *exec.ExitError
	switch {
	case t.aborted.Load():
	case err == nil:
	case stderrors.As(err, &exitErr):
		t.log.Warn("child exited", map[string]interface{}{
			"command": t.params.Command,
			"status":  exitErr.ExitCode(),
		})
	default:
		t.fail(errors.ProcessFailed("child process failed",
			errors.WithCause(err), errors.WithTransport(t.kind)))
	}

	t.bufMu.Lock()
	t.buf.Clear()
	t.bufMu.Unlock()
	t.finish()
}

func (t *StdioClientTransport) closeStderr() {
	if t.stderr != nil {
		t.stderr.Close()
	}
}

// Send writes msg to the child's stdin as one line.
func (t *StdioClientTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil || t.isClosed() || t.aborted.Load() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "send", errors.WithTransport(t.kind))
	}

	_, end := t.traceSend(ctx, msg)
	line, err := EncodeLine(msg)
	if err != nil {
		end(err)
		return err
	}

	t.writeMu.Lock()
	_, err = stdin.Write(line)
	t.writeMu.Unlock()
	if err != nil {
		err = errors.Wrap(err, "write to child", errors.WithTransport(t.kind))
		t.fail(err)
	}
	end(err)
	return err
}

// Close terminates the child. HandleClose fires once the child has exited;
// a transport that never spawned closes immediately.
func (t *StdioClientTransport) Close() error {
	t.aborted.Store(true)

	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()

	t.bufMu.Lock()
	t.buf.Clear()
	t.bufMu.Unlock()

	// A writer blocked on a full stderr buffer would hold up cmd.Wait.
	t.closeStderr()
	if cancel == nil {
		t.finish()
		return nil
	}
	cancel()
	return nil
}
