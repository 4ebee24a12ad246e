package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/bosley/speaktotext/audio"
	"github.com/bosley/speaktotext/cache"
	sttcli "github.com/bosley/speaktotext/client"
	"github.com/bosley/speaktotext/policy"
	"github.com/bosley/speaktotext/realtime"
	"github.com/bosley/speaktotext/scribe"
	sttserv "github.com/bosley/speaktotext/server"
	"github.com/bosley/speaktotext/worker"
	"github.com/joho/godotenv"
)

const version = "0.3.0"

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	addr := flag.String("addr", "127.0.0.1:5123", "HTTP listen address")
	streamAddr := flag.String("stream", "", "Stream ingest listen address for microphone clients (disabled when empty)")
	serverAddr := flag.String("server", "", "Stream server address (host:port); runs as a microphone client")
	insecureMode := flag.Bool("insecure", false, "Enable insecure mode (skip certificate verification)")
	plaintext := flag.Bool("plaintext", false, "Connect to the stream server without TLS")
	certFile := flag.String("cert", "", "Path to certificate file")
	keyFile := flag.String("key", "", "Path to server key file")
	workerBin := flag.String("worker", envOr("STT_WORKER", "stt-worker"), "Path to the stt-worker executable")
	cacheDir := flag.String("cache-dir", envOr("STT_CACHE_DIR", defaultCacheDir()), "Directory for downloaded source audio")
	fetcherName := flag.String("fetcher", envOr("STT_FETCHER", "ytdlp"), "Source fetcher: ytdlp or youtube")
	maxJobs := flag.Int("max-jobs", envInt("STT_MAX_JOBS", scribe.DefaultMaxJobs), "Maximum number of tracked jobs")
	model := flag.String("model", policy.DefaultModel, "Recognition model for microphone streams")
	listDevices := flag.Bool("list-devices", false, "List available audio input devices")
	deviceID := flag.Int("device", 0, "Audio input device ID to use")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *listDevices {
		devices, err := sttcli.ListAudioDevices()
		if err != nil {
			slog.Error("Failed to list audio devices", "error", err)
			os.Exit(1)
		}

		fmt.Println("Available audio input devices:")
		for i, device := range devices {
			fmt.Printf("[%d] %s\n", i, device.Name)
			fmt.Printf("    Max Input Channels: %d\n", device.MaxInputChannels)
			fmt.Printf("    Default Sample Rate: %f\n", device.DefaultSampleRate)
			fmt.Println()
		}
		return
	}

	token := os.Getenv("STT_TOKEN")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *serverAddr != "" {
		if token == "" {
			slog.Error("STT_TOKEN environment variable is not set")
			os.Exit(1)
		}
		if !*insecureMode && !*plaintext && *certFile == "" {
			slog.Error("Server certificate file must be provided when not in insecure mode")
			flag.Usage()
			os.Exit(1)
		}
		err := sttcli.Launch(ctx, sttcli.Config{
			ServerAddr: *serverAddr,
			Token:      token,
			CertFile:   *certFile,
			Insecure:   *insecureMode,
			Plaintext:  *plaintext,
			DeviceID:   *deviceID,
		})
		if err != nil {
			slog.Error("Client failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, serveOptions{
		addr:        *addr,
		streamAddr:  *streamAddr,
		certFile:    *certFile,
		keyFile:     *keyFile,
		token:       token,
		credential:  os.Getenv(worker.DefaultCredentialEnv),
		workerBin:   *workerBin,
		cacheDir:    *cacheDir,
		fetcherName: *fetcherName,
		maxJobs:     *maxJobs,
		model:       *model,
	}); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}

	slog.Debug("Program exiting")
}

type serveOptions struct {
	addr        string
	streamAddr  string
	certFile    string
	keyFile     string
	token       string
	credential  string
	workerBin   string
	cacheDir    string
	fetcherName string
	maxJobs     int
	model       string
}

func serve(ctx context.Context, opts serveOptions) error {
	var fetcher cache.Fetcher
	switch opts.fetcherName {
	case "ytdlp":
		fetcher = cache.NewYTDLPFetcher()
	case "youtube":
		fetcher = cache.NewYouTubeFetcher()
	default:
		return fmt.Errorf("unknown fetcher %q", opts.fetcherName)
	}

	audioCache, err := cache.New(opts.cacheDir, fetcher)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}

	converter := audio.NewConverter()
	dispatcher := worker.NewDispatcher(opts.workerBin)
	sessions := realtime.NewManager(dispatcher, converter)

	services := scribe.Services{
		Cache:       audioCache,
		Converter:   converter,
		Transcriber: dispatcher,
		Sessions:    sessions,
	}
	var clientList *sttserv.ClientList
	if opts.streamAddr != "" {
		if opts.token == "" {
			return fmt.Errorf("STT_TOKEN must be set to run the stream ingest")
		}
		clientList = sttserv.NewClientList()
		services.StreamClients = clientList
	}

	scribeService, err := scribe.New(scribe.Config{
		HTTPAddr:          opts.addr,
		CertFile:          opts.certFile,
		KeyFile:           opts.keyFile,
		Token:             opts.token,
		DefaultCredential: opts.credential,
		WorkDir:           filepath.Join(os.TempDir(), "speaktotext"),
		MaxJobs:           opts.maxJobs,
		Version:           version,
	}, services)
	if err != nil {
		return fmt.Errorf("failed to initialize Scribe: %w", err)
	}

	if clientList != nil {
		go func() {
			err := sttserv.Launch(ctx, sttserv.Config{
				Addr:     opts.streamAddr,
				CertFile: opts.certFile,
				KeyFile:  opts.keyFile,
				Token:    opts.token,
				Model:    opts.model,
			}, sessions, clientList)
			if err != nil {
				slog.Error("Stream server failed", "error", err)
			}
		}()
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := scribeService.Stop(shutdownCtx); err != nil {
			slog.Error("Failed to stop Scribe service", "error", err)
		}
	}()

	slog.Info("Serving", "address", opts.addr, "cacheDir", audioCache.Dir(), "worker", opts.workerBin)
	return scribeService.Start(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring invalid integer in environment", "key", key, "value", v)
		return fallback
	}
	return n
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "speaktotext")
}
