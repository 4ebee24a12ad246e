// Package recognize is the logic inside the worker process: speech
// recognition, optional diarization, and transcript assembly.
package recognize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bosley/speaktotext/proc"
	"github.com/bosley/speaktotext/transcript"
	"github.com/bosley/speaktotext/worker"
)

// Recognizer turns a 16 kHz mono WAV into ordered segments and a language
// code.
type Recognizer interface {
	Recognize(ctx context.Context, wavPath, model string) ([]transcript.Segment, string, error)
}

// Diarizer returns the speaker turns found in a WAV file.
type Diarizer interface {
	Diarize(ctx context.Context, wavPath string) ([]transcript.Turn, error)
}

// Whisper runs the openai-whisper command line tool.
type Whisper struct {
	Path    string
	Timeout time.Duration
	Runner  proc.Runner
}

type whisperOutput struct {
	Language string               `json:"language"`
	Segments []transcript.Segment `json:"segments"`
}

func (w *Whisper) Recognize(ctx context.Context, wavPath, model string) ([]transcript.Segment, string, error) {
	outDir, err := os.MkdirTemp("", "stt-whisper-")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create output directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	bin := w.Path
	if bin == "" {
		bin = "whisper"
	}

	slog.Debug("Executing whisper command", "bin", bin, "model", model)
	_, err = w.Runner.Run(ctx, proc.Invocation{
		Name: bin,
		Args: []string{
			wavPath,
			"--model", model,
			"--output_format", "json",
			"--output_dir", outDir,
			"--verbose", "False",
		},
		Timeout: w.Timeout,
		OnStderrLine: func(line string) {
			slog.Debug("whisper", "line", line)
		},
	})
	if err != nil {
		var exitErr *proc.ExitError
		if errors.As(err, &exitErr) {
			return nil, "", fmt.Errorf("whisper execution failed: %s", proc.Tail(exitErr.Stderr, worker.MaxMessageLength))
		}
		return nil, "", fmt.Errorf("whisper execution failed: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(wavPath), filepath.Ext(wavPath))
	data, err := os.ReadFile(filepath.Join(outDir, base+".json"))
	if err != nil {
		return nil, "", fmt.Errorf("whisper produced no output: %w", err)
	}

	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, "", fmt.Errorf("failed to parse whisper output: %w", err)
	}
	return out.Segments, out.Language, nil
}

// Command runs an external diarization program. Argv is the program and
// its leading arguments; the WAV path is appended. The program must print a
// JSON array of {start, end, speaker} to stdout.
type Command struct {
	Argv    []string
	Timeout time.Duration
	Runner  proc.Runner
}

func (c *Command) Diarize(ctx context.Context, wavPath string) ([]transcript.Turn, error) {
	if len(c.Argv) == 0 {
		return nil, errors.New("no diarization command configured")
	}

	res, err := c.Runner.Run(ctx, proc.Invocation{
		Name:    c.Argv[0],
		Args:    append(append([]string{}, c.Argv[1:]...), wavPath),
		Timeout: c.Timeout,
		OnStderrLine: func(line string) {
			slog.Debug("diarizer", "line", line)
		},
	})
	if err != nil {
		var exitErr *proc.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("diarization failed: %s", proc.Tail(exitErr.Stderr, worker.MaxMessageLength))
		}
		return nil, fmt.Errorf("diarization failed: %w", err)
	}

	var turns []transcript.Turn
	if err := json.Unmarshal(res.Stdout, &turns); err != nil {
		return nil, fmt.Errorf("failed to parse diarization output: %w", err)
	}
	return turns, nil
}

// Pipeline recognizes speech and, when a credential is available, labels
// speakers. Diarizer may be nil.
type Pipeline struct {
	Recognizer Recognizer
	Diarizer   Diarizer
}

// Run produces the worker response for one file. Only recognition errors
// are returned; diarization problems are recorded on the result.
func (p *Pipeline) Run(ctx context.Context, wavPath, model, credential string) (*worker.Response, error) {
	segments, language, err := p.Recognizer.Recognize(ctx, wavPath, model)
	if err != nil {
		return nil, err
	}
	slog.Info("Recognition complete", "segments", len(segments), "language", language)

	status := transcript.DiarizationSkipped
	var reason string
	var turns []transcript.Turn

	switch {
	case credential == "":
		slog.Info("No credential provided, skipping diarization")
	case p.Diarizer == nil:
		reason = "diarization engine not configured"
		slog.Info("Skipping diarization", "reason", reason)
	default:
		turns, err = p.Diarizer.Diarize(ctx, wavPath)
		if err != nil {
			status = transcript.DiarizationFailed
			reason = worker.Sanitize(err.Error(), credential)
			slog.Warn("Diarization failed, continuing without speakers", "error", reason)
		} else {
			status = transcript.DiarizationSuccess
			slog.Info("Diarization complete", "turns", len(turns))
		}
	}

	result := transcript.Assemble(segments, turns, status, reason)
	return &worker.Response{Result: &result, Language: language}, nil
}
