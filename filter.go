package escapexl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxStderr = 64 << 10 // bytes of filter stderr kept for logging
	waitDelay        = 5 * time.Second
)

// Filter runs the external escape program. Each call to Start spawns one
// process that reads the spreadsheet on stdin and writes text on stdout.
type Filter struct {
	Interpreter string
	Script      string
	Timeout     time.Duration
	MaxStderr   int
}

// NewFilter builds a Filter from cfg, resolving the interpreter and the
// script location. A script that cannot be found is kept as configured so
// that the interpreter reports the problem when it runs.
func NewFilter(cfg *Config) *Filter {
	script := cfg.ScriptName()
	if path, err := findScript(script, cfg.ScriptDir); err == nil {
		script = path
	}
	return &Filter{
		Interpreter: getInterpreterCommand(cfg.Interpreter),
		Script:      script,
		Timeout:     cfg.Timeout(),
		MaxStderr:   defaultMaxStderr,
	}
}

// Argv returns the argument list passed to the interpreter: the script
// followed by args. Args without a value are emitted as bare flags.
func (f *Filter) Argv(args []Arg) []string {
	argv := []string{f.Script}
	for _, arg := range args {
		argv = append(argv, arg.Key)
		if arg.Value != "" {
			argv = append(argv, arg.Value)
		}
	}
	return argv
}

// Preflight checks that the interpreter and the script can be found.
func (f *Filter) Preflight() error {
	if _, err := exec.LookPath(f.Interpreter); err != nil {
		return fmt.Errorf("interpreter '%s' not found: %w", f.Interpreter, err)
	}
	if !fileExists(f.Script) {
		return fmt.Errorf("script '%s' not found", f.Script)
	}
	return nil
}

// Start spawns the filter with the given flags. The process runs in its own
// process group and is killed, together with anything it started, when ctx
// is done or the filter timeout expires.
func (f *Filter) Start(ctx context.Context, args []Arg) (*Process, error) {
	var cancel context.CancelFunc
	if f.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	maxStderr := f.MaxStderr
	if maxStderr <= 0 {
		maxStderr = defaultMaxStderr
	}

	cmd := exec.CommandContext(ctx, f.Interpreter, f.Argv(args)...)
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	p := &Process{
		ID:     uuid.New().String(),
		cmd:    cmd,
		cancel: cancel,
		stderr: &limitWriter{limit: maxStderr},
	}
	cmd.Stderr = p.stderr

	var err error
	if p.stdin, err = cmd.StdinPipe(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start filter '%s': %w", cmd.String(), err)
	}
	return p, nil
}

// Process is one running filter. It is owned by a single request: write the
// input, read the output until EOF, then Wait. Kill may be called at any time.
type Process struct {
	ID string

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *limitWriter
}

// Write sends input to the filter.
func (p *Process) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// CloseInput signals end of input.
func (p *Process) CloseInput() error {
	return p.stdin.Close()
}

// Feed writes data to the filter and closes its input.
func (p *Process) Feed(data []byte) error {
	_, werr := p.Write(data)
	cerr := p.CloseInput()
	if werr != nil {
		return fmt.Errorf("writing filter input: %w", werr)
	}
	if cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		return fmt.Errorf("closing filter input: %w", cerr)
	}
	return nil
}

// Read reads filter output.
func (p *Process) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

// Wait waits for the filter to exit and releases its resources. It must be
// called after output has been read to EOF or after Kill.
func (p *Process) Wait() error {
	defer p.cancel()
	if err := p.cmd.Wait(); err != nil {
		return &FilterError{RunID: p.ID, Err: err, Stderr: p.stderr.String()}
	}
	return nil
}

// Kill terminates the filter's process group. It is a no-op once the
// filter has been waited for.
func (p *Process) Kill() {
	p.cancel()
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stderr returns what the filter wrote to stderr, possibly truncated.
// It is only complete once Wait has returned.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// FilterError reports a filter run that did not exit cleanly.
type FilterError struct {
	RunID  string
	Err    error
	Stderr string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter run %s failed: %v", e.RunID, e.Err)
}

func (e *FilterError) Unwrap() error { return e.Err }

// ExitCode returns the filter's exit code, or -1 if it was killed or
// never produced an exit status.
func (e *FilterError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitWriter writes up to limit bytes to buf, then silently discards the rest.
type limitWriter struct {
	buf   bytes.Buffer
	limit int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil // discard
	}
	if len(p) > remaining {
		// Report all bytes as consumed to avoid short write errors from io.Copy.
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *limitWriter) String() string {
	return w.buf.String()
}
