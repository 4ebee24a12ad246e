// Package proc runs external programs as bounded tasks: every run has a hard
// deadline, and on expiry the whole process group is torn down.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when the program cannot be located or executed.
var ErrNotFound = errors.New("executable not found")

const (
	defaultCaptureLimit = 64 << 20
	waitDelay           = 5 * time.Second
)

// Invocation describes one child process to run.
type Invocation struct {
	Name string
	Args []string
	// Env is appended to the parent environment.
	Env []string
	Dir string
	// Timeout of zero means the run is bounded only by ctx.
	Timeout time.Duration

	OnStdoutLine func(line string)
	OnStderrLine func(line string)

	// CaptureLimit caps retained stdout/stderr bytes each. Zero uses 64MiB.
	CaptureLimit int
}

// Result is the outcome of a run that exited on its own.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Elapsed  time.Duration
}

// TimeoutError reports a run that was killed at its deadline. Partial output
// is discarded.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Name, e.Timeout)
}

// ExitError reports a non-zero exit.
type ExitError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
}

// Runner abstracts process execution so callers can be tested without
// spawning real programs.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// Exec runs programs with os/exec.
type Exec struct{}

// Run starts inv and waits for it, its deadline, or ctx. A non-zero exit
// returns both a Result and an *ExitError.
func (Exec) Run(ctx context.Context, inv Invocation) (*Result, error) {
	limit := inv.CaptureLimit
	if limit <= 0 {
		limit = defaultCaptureLimit
	}

	cmd := exec.Command(inv.Name, inv.Args...)
	cmd.Dir = inv.Dir
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	stdout := newCapture(limit, inv.OnStdoutLine)
	stderr := newCapture(limit, inv.OnStderrLine)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%s: %w", inv.Name, ErrNotFound)
		}
		return nil, fmt.Errorf("start %s: %w", inv.Name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var deadline <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-done:
		stdout.flush()
		stderr.flush()
		res := &Result{
			Stdout:  stdout.Bytes(),
			Stderr:  stderr.Bytes(),
			Elapsed: time.Since(start),
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
				return res, &ExitError{Name: inv.Name, ExitCode: res.ExitCode, Stderr: string(res.Stderr)}
			}
			res.ExitCode = -1
			return res, fmt.Errorf("wait %s: %w", inv.Name, err)
		}
		return res, nil

	case <-deadline:
		killProcessGroup(cmd)
		<-done
		return nil, &TimeoutError{Name: inv.Name, Timeout: inv.Timeout}

	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return nil, ctx.Err()
	}
}

// capture retains up to limit bytes and emits complete lines to onLine.
type capture struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	onLine  func(string)
	partial []byte
}

func newCapture(limit int, onLine func(string)) *capture {
	return &capture{limit: limit, onLine: onLine}
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}

	if c.onLine == nil {
		return len(p), nil
	}
	c.partial = append(c.partial, p...)
	for {
		i := bytes.IndexAny(c.partial, "\r\n")
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(c.partial[:i]))
		c.partial = c.partial[i+1:]
		if line != "" {
			c.onLine(line)
		}
	}
	return len(p), nil
}

func (c *capture) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onLine != nil {
		if line := strings.TrimSpace(string(c.partial)); line != "" {
			c.onLine(line)
		}
	}
	c.partial = nil
}

func (c *capture) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

// Tail returns at most n trailing bytes of s, trimmed.
func Tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
