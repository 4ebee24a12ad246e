// Package audio normalizes source media into the 16 kHz mono WAV the
// recognition engine expects, and probes audio length.
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bosley/speaktotext/proc"
)

const (
	// DefaultConvertTimeout bounds one ffmpeg conversion.
	DefaultConvertTimeout = time.Hour
	probeTimeout          = 30 * time.Second
	stderrTail            = 500
)

// ConversionError reports a failed format conversion.
type ConversionError struct {
	Input    string
	ExitCode int
	Detail   string
	Err      error
}

func (e *ConversionError) Error() string {
	switch {
	case errors.Is(e.Err, proc.ErrNotFound):
		return "ffmpeg not installed"
	case e.Detail != "":
		return fmt.Sprintf("ffmpeg conversion failed (exit %d): %s", e.ExitCode, e.Detail)
	default:
		return fmt.Sprintf("ffmpeg conversion failed: %v", e.Err)
	}
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Converter shells out to ffmpeg and ffprobe.
type Converter struct {
	FFmpegPath  string
	FFprobePath string
	Timeout     time.Duration
	Runner      proc.Runner
}

// NewConverter returns a converter using ffmpeg/ffprobe from PATH.
func NewConverter() *Converter {
	return &Converter{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Timeout:     DefaultConvertTimeout,
		Runner:      proc.Exec{},
	}
}

// ToWav converts any audio/video input to 16 kHz mono PCM WAV at outPath.
func (c *Converter) ToWav(ctx context.Context, inPath, outPath string) error {
	if _, err := os.Stat(inPath); err != nil {
		return &ConversionError{Input: inPath, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return &ConversionError{Input: inPath, Err: err}
	}

	res, err := c.Runner.Run(ctx, proc.Invocation{
		Name:    c.FFmpegPath,
		Args:    buildFFmpegArgs(inPath, outPath),
		Timeout: c.Timeout,
	})
	if err != nil {
		cerr := &ConversionError{Input: inPath, Err: err}
		var exitErr *proc.ExitError
		if errors.As(err, &exitErr) {
			cerr.ExitCode = exitErr.ExitCode
			cerr.Detail = proc.Tail(exitErr.Stderr, stderrTail)
		} else if res != nil {
			cerr.Detail = proc.Tail(string(res.Stderr), stderrTail)
		}
		return cerr
	}

	if _, err := os.Stat(outPath); err != nil {
		return &ConversionError{Input: inPath, Detail: "ffmpeg completed but output file is missing", Err: err}
	}
	return nil
}

// Duration returns the audio length in seconds. WAV files are read directly;
// anything else goes through ffprobe.
func (c *Converter) Duration(ctx context.Context, path string) (float64, error) {
	if IsWav(path) {
		d, err := WavDuration(path)
		if err == nil {
			return d.Seconds(), nil
		}
	}

	res, err := c.Runner.Run(ctx, proc.Invocation{
		Name: c.FFprobePath,
		Args: []string{
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "csv=p=0",
			path,
		},
		Timeout: probeTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get audio duration: %w", err)
	}

	secs, err := strconv.ParseFloat(strings.TrimSpace(string(res.Stdout)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}
	return secs, nil
}

// buildFFmpegArgs builds preprocessing CLI args for mono 16k PCM WAV output.
func buildFFmpegArgs(inPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(WhisperSampleRate),
		"-ac", strconv.Itoa(channels),
		outPath,
	}
}
