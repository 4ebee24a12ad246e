package scribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bosley/speaktotext/cache"
	"github.com/bosley/speaktotext/jobs"
	"github.com/bosley/speaktotext/realtime"
	"github.com/gorilla/websocket"
)

const (
	DefaultMaxJobs      = 50
	DefaultJobRetention = time.Hour
	maintenancePeriod   = 5 * time.Minute
	maxUploadBytes      = 2 << 30
	maxChunkBytes       = 32 << 20
)

// Configuration for the Scribe service
type Config struct {
	// HTTP server address
	HTTPAddr string

	// Optional certificate files; plain HTTP when empty
	CertFile string
	KeyFile  string

	// Bearer token required on every route but / and /health. Empty
	// disables the check.
	Token string

	// Diarization credential used when a request does not carry one
	DefaultCredential string

	// Directory for uploads and converted audio
	WorkDir string

	MaxJobs      int
	JobRetention time.Duration

	Version string
}

// AudioCache resolves remote locators to local files.
type AudioCache interface {
	Resolve(ctx context.Context, locator string, progress func(cache.Progress)) (string, error)
	Stats() cache.Stats
}

// MediaConverter normalizes audio and measures it.
type MediaConverter interface {
	ToWav(ctx context.Context, inPath, outPath string) error
	Duration(ctx context.Context, path string) (float64, error)
}

// ClientCounter reports connected stream ingest clients.
type ClientCounter interface {
	Len() int
}

// Services are the collaborators Scribe orchestrates.
type Services struct {
	Cache       AudioCache
	Converter   MediaConverter
	Transcriber realtime.Transcriber
	Sessions    *realtime.Manager
	// Optional; nil when the stream ingest is disabled
	StreamClients ClientCounter
}

// Scribe manages the transcription service
type Scribe struct {
	config Config

	jobs        *jobs.Registry
	cache       AudioCache
	converter   MediaConverter
	transcriber realtime.Transcriber
	sessions    *realtime.Manager
	clients     ClientCounter

	// Job progress subscribers, keyed by job id
	subsMu      sync.Mutex
	subscribers map[string][]*wsConnection

	// In-flight jobs
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	// HTTP/Websocket
	server   *http.Server
	upgrader websocket.Upgrader
	handler  http.Handler
}

// New creates a new Scribe instance
func New(cfg Config, svc Services) (*Scribe, error) {
	if svc.Cache == nil || svc.Converter == nil || svc.Transcriber == nil || svc.Sessions == nil {
		return nil, errors.New("scribe: all services are required")
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = DefaultMaxJobs
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = DefaultJobRetention
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scribe{
		config:      cfg,
		cache:       svc.Cache,
		converter:   svc.Converter,
		transcriber: svc.Transcriber,
		sessions:    svc.Sessions,
		clients:     svc.StreamClients,
		subscribers: make(map[string][]*wsConnection),
		ctx:         ctx,
		cancel:      cancel,
		upgrader: websocket.Upgrader{
			// Browser extensions connect from their own origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.jobs = jobs.NewRegistry(cfg.MaxJobs, cfg.JobRetention, jobs.WithChangeHook(s.publishJob))
	s.handler = s.routes()

	return s, nil
}

// Handler returns the HTTP handler with middleware applied.
func (s *Scribe) Handler() http.Handler {
	return s.handler
}

// Start serves HTTP and runs maintenance until ctx is done.
func (s *Scribe) Start(ctx context.Context) error {
	go s.maintain(ctx)
	return s.startHTTP(ctx)
}

// Stop gracefully shuts down the Scribe service
func (s *Scribe) Stop(ctx context.Context) error {
	// Abort in-flight jobs; each ends in the error state
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out")
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
	}

	s.closeAllSubscribers()
	return nil
}
