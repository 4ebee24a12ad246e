// Package worker runs recognition in an isolated child process per job and
// turns its output into a transcript or a typed failure.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bosley/speaktotext/proc"
	"github.com/bosley/speaktotext/transcript"
)

// DefaultCredentialEnv carries the diarization credential to the worker.
const DefaultCredentialEnv = "HF_TOKEN"

// FailureError reports a worker that exited non-zero or produced output that
// failed validation. Message is already sanitized.
type FailureError struct {
	Message  string
	ExitCode int
}

func (e *FailureError) Error() string {
	return e.Message
}

// TimeoutError reports a worker killed at its deadline.
type TimeoutError struct {
	Timeout time.Duration
	Model   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transcription timed out after %s (model %s)", e.Timeout.Round(time.Second), e.Model)
}

// Request is one unit of work for the worker process.
type Request struct {
	AudioPath string
	Model     string
	JobID     string
	// Credential is passed through the environment only.
	Credential string
	Timeout    time.Duration
}

// Outcome is a validated worker result.
type Outcome struct {
	Result   transcript.Result
	Language string
}

// Response is the single JSON document a worker writes to stdout.
type Response struct {
	Result   *transcript.Result `json:"result,omitempty"`
	Language string             `json:"language,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Dispatcher launches worker processes.
type Dispatcher struct {
	// Command is the worker executable; Args are prepended to the request
	// flags.
	Command       string
	Args          []string
	CredentialEnv string
	Runner        proc.Runner
}

// NewDispatcher returns a dispatcher for the worker binary at command.
func NewDispatcher(command string) *Dispatcher {
	return &Dispatcher{
		Command:       command,
		CredentialEnv: DefaultCredentialEnv,
		Runner:        proc.Exec{},
	}
}

// Transcribe runs one worker and waits for its result, its deadline, or ctx.
// It never retries.
func (d *Dispatcher) Transcribe(ctx context.Context, req Request) (*Outcome, error) {
	args := append([]string{}, d.Args...)
	args = append(args, "--audio", req.AudioPath, "--model", req.Model)
	if req.JobID != "" {
		args = append(args, "--job-id", req.JobID)
	}

	var env []string
	if req.Credential != "" {
		name := d.CredentialEnv
		if name == "" {
			name = DefaultCredentialEnv
		}
		env = append(env, name+"="+req.Credential)
	}

	slog.Debug("Dispatching worker",
		"jobID", req.JobID,
		"model", req.Model,
		"timeout", req.Timeout)

	res, err := d.Runner.Run(ctx, proc.Invocation{
		Name:    d.Command,
		Args:    args,
		Env:     env,
		Timeout: req.Timeout,
		OnStderrLine: func(line string) {
			slog.Debug("worker", "jobID", req.JobID, "line", line)
		},
	})
	if err != nil {
		return nil, d.failure(req, res, err)
	}

	resp, err := decodeResponse(res.Stdout)
	if err != nil {
		return nil, &FailureError{Message: Sanitize("invalid worker output: "+err.Error(), req.Credential)}
	}
	if resp.Error != "" {
		return nil, &FailureError{Message: Sanitize(resp.Error, req.Credential)}
	}
	if err := validate(resp.Result); err != nil {
		return nil, &FailureError{Message: Sanitize("invalid worker result: "+err.Error(), req.Credential)}
	}

	return &Outcome{Result: *resp.Result, Language: resp.Language}, nil
}

func (d *Dispatcher) failure(req Request, res *proc.Result, err error) error {
	var timeoutErr *proc.TimeoutError
	var exitErr *proc.ExitError
	switch {
	case errors.As(err, &timeoutErr):
		return &TimeoutError{Timeout: timeoutErr.Timeout, Model: req.Model}
	case errors.Is(err, proc.ErrNotFound):
		return &FailureError{Message: "worker executable not found", ExitCode: -1}
	case errors.As(err, &exitErr):
		msg := ""
		if res != nil {
			if resp, derr := decodeResponse(res.Stdout); derr == nil && resp.Error != "" {
				msg = resp.Error
			}
		}
		if msg == "" {
			msg = proc.Tail(exitErr.Stderr, MaxMessageLength)
		}
		if msg == "" {
			msg = exitErr.Error()
		}
		return &FailureError{Message: Sanitize(msg, req.Credential), ExitCode: exitErr.ExitCode}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &FailureError{Message: Sanitize(err.Error(), req.Credential), ExitCode: -1}
	}
}

// decodeResponse requires stdout to hold exactly one JSON object.
func decodeResponse(stdout []byte) (*Response, error) {
	if len(bytes.TrimSpace(stdout)) == 0 {
		return nil, errors.New("no output")
	}

	dec := json.NewDecoder(bytes.NewReader(stdout))
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		return nil, errors.New("more than one JSON document")
	}
	return &resp, nil
}

func validate(r *transcript.Result) error {
	if r == nil {
		return errors.New("missing result")
	}
	if !r.DiarizationStatus.Valid() {
		return fmt.Errorf("unknown diarization status %q", r.DiarizationStatus)
	}
	if r.Segments == nil {
		return errors.New("missing segments")
	}
	for i, s := range r.Segments {
		if s.End < s.Start {
			return fmt.Errorf("segment %d ends before it starts", i)
		}
	}
	return nil
}
