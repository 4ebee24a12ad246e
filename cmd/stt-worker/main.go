// Command stt-worker transcribes one audio file and prints a single JSON
// document to stdout. It is launched by the server, one process per job.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bosley/speaktotext/policy"
	"github.com/bosley/speaktotext/proc"
	"github.com/bosley/speaktotext/recognize"
	"github.com/bosley/speaktotext/worker"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	audioPath := flag.String("audio", "", "Path to 16 kHz mono WAV file")
	model := flag.String("model", policy.DefaultModel, "Recognition model")
	jobID := flag.String("job-id", "", "Job id, for logging")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	// stdout carries the result document only.
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("jobID", *jobID))

	credential := os.Getenv(worker.DefaultCredentialEnv)

	if *audioPath == "" {
		fail("--audio is required", credential)
	}
	if _, err := os.Stat(*audioPath); err != nil {
		fail("audio file not found: "+err.Error(), credential)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	whisperBin := os.Getenv("STT_WHISPER_BIN")
	if whisperBin == "" {
		whisperBin = "whisper"
	}
	pipeline := &recognize.Pipeline{
		Recognizer: &recognize.Whisper{Path: whisperBin, Runner: proc.Exec{}},
	}
	if argv := strings.Fields(os.Getenv("STT_DIARIZE_CMD")); len(argv) > 0 {
		pipeline.Diarizer = &recognize.Command{Argv: argv, Runner: proc.Exec{}}
	}

	slog.Info("Worker starting", "model", *model)
	resp, err := pipeline.Run(ctx, *audioPath, *model, credential)
	if err != nil {
		fail(err.Error(), credential)
	}

	if err := json.NewEncoder(os.Stdout).Encode(resp); err != nil {
		slog.Error("Failed to write result", "error", err)
		os.Exit(1)
	}
}

func fail(msg, credential string) {
	msg = worker.Sanitize(msg, credential)
	slog.Error("Worker failed", "error", msg)
	_ = json.NewEncoder(os.Stdout).Encode(worker.Response{Error: msg})
	os.Exit(1)
}
