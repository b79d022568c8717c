// Package engine supervises the child JSON-RPC engine process. It owns the
// process lifecycle and its three pipes: requests are written to stdin one
// line at a time, stdout lines are parsed and published to the bus, and
// stderr is drained continuously so the engine never blocks on diagnostics.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pipebridge/relay/internal/jsonrpc"
)

var (
	// ErrUnavailable is returned by Send when the engine process is not
	// running or its stdin pipe has closed.
	ErrUnavailable = errors.New("engine is not running")

	// ErrAlreadyRunning is returned by Start when an engine process is live.
	// At most one engine process exists per Engine.
	ErrAlreadyRunning = errors.New("engine is already running")
)

const (
	defaultShutdownGrace = 5 * time.Second

	// maxLineBytes bounds a single engine output line. Large tool results can
	// produce long lines; the protocol forbids embedded newlines so a line is
	// always one whole message.
	maxLineBytes = 10 * 1024 * 1024
)

// Publisher receives every parsed engine output message. The bus satisfies
// this; tests substitute their own.
type Publisher interface {
	Publish(ctx context.Context, message jsonrpc.Message) (string, error)
}

// Config describes how to launch the engine process.
type Config struct {
	// Command is the engine executable and its arguments. Required.
	Command []string

	// Env is appended to the parent environment.
	Env []string

	// ShutdownGrace bounds how long Stop waits after SIGTERM before killing
	// the process. Defaults to 5s.
	ShutdownGrace time.Duration
}

// Engine supervises one child engine process. An Engine is restartable:
// after Stop returns, Start may be called again.
type Engine struct {
	cfg Config
	log *slog.Logger
	pub Publisher

	// writeMu serializes stdin writes so the engine always sees whole lines
	// and observes requests in the order Send calls were issued.
	writeMu sync.Mutex

	mu  sync.Mutex
	cur *proc

	running atomic.Bool
}

// proc is the per-run state of one launched engine process.
type proc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	pumps  sync.WaitGroup
	exit   chan error
	cancel context.CancelFunc
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New creates an Engine that publishes parsed output to pub.
func New(cfg Config, pub Publisher, opts ...Option) *Engine {
	e := &Engine{
		cfg: cfg,
		log: slog.Default(),
		pub: pub,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the engine process with piped stdin/stdout/stderr and spawns
// the output pumps. It fails if the executable cannot be launched.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur != nil {
		return ErrAlreadyRunning
	}
	if len(e.cfg.Command) == 0 {
		return fmt.Errorf("engine command is empty")
	}

	cmd := exec.Command(e.cfg.Command[0], e.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), e.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open engine stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open engine stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("open engine stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine process: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	p := &proc{
		cmd:    cmd,
		stdin:  stdin,
		exit:   make(chan error, 1),
		cancel: cancel,
	}
	e.cur = p
	e.running.Store(true)

	p.pumps.Add(2)
	go e.pumpStdout(pumpCtx, stdout, &p.pumps)
	go e.pumpStderr(stderr, &p.pumps)

	// Reap the process once both pipes are drained. StdoutPipe requires all
	// reads to finish before Wait.
	go func() {
		p.pumps.Wait()
		err := cmd.Wait()
		e.running.Store(false)
		p.exit <- err
		if err != nil {
			e.log.Warn("engine.exit", slog.String("err", err.Error()))
		} else {
			e.log.Info("engine.exit")
		}
	}()

	e.log.Info("engine.start",
		slog.String("command", e.cfg.Command[0]),
		slog.Int("pid", cmd.Process.Pid),
	)
	return nil
}

// Running reports whether the engine process is live and writable.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Send writes one JSON-RPC message line to the engine's stdin. The message
// must not contain an embedded literal newline; a trailing newline is added
// if missing. Returns ErrUnavailable if the engine is not running or the
// pipe has closed.
func (e *Engine) Send(ctx context.Context, line []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.running.Load() {
		return ErrUnavailable
	}

	e.mu.Lock()
	p := e.cur
	e.mu.Unlock()
	if p == nil {
		return ErrUnavailable
	}

	buf := line
	if !bytes.HasSuffix(buf, []byte("\n")) {
		buf = make([]byte, 0, len(line)+1)
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := p.stdin.Write(buf); err != nil {
		e.running.Store(false)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Stop signals termination, waits for process exit bounded by the configured
// grace period, and reaps the pumps. It is idempotent and safe to call when
// the engine is not running.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	p := e.cur
	e.cur = nil
	e.mu.Unlock()

	if p == nil {
		return nil
	}
	e.running.Store(false)

	// Close stdin first so a well-behaved engine exits on EOF, then nudge it.
	_ = p.stdin.Close()
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	grace := e.cfg.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	var exitErr error
	select {
	case exitErr = <-p.exit:
	case <-timer.C:
		e.log.Warn("engine.stop.grace_exceeded")
		_ = p.cmd.Process.Kill()
		exitErr = <-p.exit
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.exit
		p.cancel()
		return ctx.Err()
	}

	p.cancel()

	// A non-zero exit (or kill) during shutdown is expected, not an error.
	var ee *exec.ExitError
	if exitErr != nil && !errors.As(exitErr, &ee) {
		return fmt.Errorf("wait for engine exit: %w", exitErr)
	}

	e.log.Info("engine.stop")
	return nil
}

// pumpStdout is the single reader of the engine's stdout. Each line is
// parsed as one JSON message and published to the bus; malformed lines are
// skipped. The loop ends when the pipe closes.
func (e *Engine) pumpStdout(ctx context.Context, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			e.log.Warn("engine.stdout.malformed", slog.Int("len", len(line)))
			continue
		}

		// Scanner reuses its buffer.
		msg := make(jsonrpc.Message, len(line))
		copy(msg, line)

		if _, err := e.pub.Publish(ctx, msg); err != nil {
			e.log.Error("engine.broadcast.fail", slog.String("err", err.Error()))
		}
	}

	// Output channel closed: the engine is gone for write purposes too.
	e.running.Store(false)

	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		e.log.Warn("engine.stdout.read.fail", slog.String("err", err.Error()))
		return
	}
	e.log.Info("engine.stdout.eof")
}

// pumpStderr drains the engine's stderr for the lifetime of the process and
// logs each line. The drain is unbounded so the engine never stalls writing
// diagnostics.
func (e *Engine) pumpStderr(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	for sc.Scan() {
		e.log.Info("engine.stderr", slog.String("line", sc.Text()))
	}
}
