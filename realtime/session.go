// Package realtime manages streaming sessions that transcribe audio chunk
// by chunk and accumulate the text.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bosley/speaktotext/audio"
	"github.com/bosley/speaktotext/policy"
	"github.com/bosley/speaktotext/worker"
	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidState = errors.New("session is not active")
)

// DefaultRetention is how long a session is kept, stopped or not.
const DefaultRetention = time.Hour

// FormatPCM16 marks chunk data as raw 16 kHz mono signed 16-bit LE PCM.
const FormatPCM16 = "pcm16"

type Status string

const (
	StatusActive  Status = "active"
	StatusStopped Status = "stopped"
)

// Session is a snapshot of one streaming session.
type Session struct {
	ID          string    `json:"session_id"`
	Model       string    `json:"model"`
	Transcripts []string  `json:"transcripts"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChunkResult is returned for every accepted chunk. Error is set when the
// chunk could not be transcribed; the session stays active.
type ChunkResult struct {
	Text        string   `json:"text"`
	Transcripts []string `json:"transcripts"`
	Error       string   `json:"error,omitempty"`
}

// StopResult is the accumulated transcript of a stopped session.
type StopResult struct {
	FullText    string   `json:"full_text"`
	Transcripts []string `json:"transcripts"`
}

// Transcriber is satisfied by *worker.Dispatcher.
type Transcriber interface {
	Transcribe(ctx context.Context, req worker.Request) (*worker.Outcome, error)
}

// Converter is satisfied by *audio.Converter.
type Converter interface {
	ToWav(ctx context.Context, inPath, outPath string) error
}

type session struct {
	Session
	// busy serializes chunks within one session.
	busy sync.Mutex
}

// Manager owns all sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	transcriber Transcriber
	converter   Converter
	retention   time.Duration
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(t Transcriber, c Converter, opts ...Option) *Manager {
	m := &Manager{
		sessions:    make(map[string]*session),
		transcriber: t,
		converter:   c,
		retention:   DefaultRetention,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens an active session. An empty model selects the default.
func (m *Manager) Start(model string) Session {
	if model == "" {
		model = policy.DefaultModel
	}
	s := &session{Session: Session{
		ID:          uuid.New().String(),
		Model:       model,
		Transcripts: []string{},
		Status:      StatusActive,
		CreatedAt:   m.now(),
	}}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	slog.Info("Realtime session started", "sessionID", s.ID, "model", model)
	return s.snapshot()
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.snapshot(), nil
}

func (m *Manager) lookupActive(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, s.Status)
	}
	return s, nil
}

// SubmitChunk transcribes one chunk and appends its text to the session.
// format is FormatPCM16 or a file extension such as ".webm"; anything but
// raw PCM goes through the converter. Only unknown or inactive sessions are
// errors; transcription problems are reported on the result.
func (m *Manager) SubmitChunk(ctx context.Context, id string, data []byte, format string) (*ChunkResult, error) {
	s, err := m.lookupActive(id)
	if err != nil {
		return nil, err
	}

	s.busy.Lock()
	defer s.busy.Unlock()

	// Stop may have won the race while we waited.
	if _, err := m.lookupActive(id); err != nil {
		return nil, err
	}

	text, chunkErr := m.transcribeChunk(ctx, s.ID, s.Model, data, format)

	m.mu.Lock()
	if text != "" {
		s.Transcripts = append(s.Transcripts, text)
	}
	res := &ChunkResult{
		Text:        text,
		Transcripts: append([]string{}, s.Transcripts...),
	}
	m.mu.Unlock()

	if chunkErr != nil {
		slog.Warn("Realtime chunk failed", "sessionID", id, "error", chunkErr)
		res.Text = ""
		res.Error = chunkMarker(chunkErr)
	}
	return res, nil
}

func (m *Manager) transcribeChunk(ctx context.Context, id, model string, data []byte, format string) (string, error) {
	dir, err := os.MkdirTemp("", "stt-chunk-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, "chunk.wav")
	if format == FormatPCM16 {
		if err := audio.WritePCM16File(wavPath, data); err != nil {
			return "", err
		}
	} else {
		ext := format
		if ext == "" {
			ext = ".webm"
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		raw := filepath.Join(dir, "chunk"+ext)
		if err := os.WriteFile(raw, data, 0600); err != nil {
			return "", err
		}
		if err := m.converter.ToWav(ctx, raw, wavPath); err != nil {
			return "", err
		}
	}

	out, err := m.transcriber.Transcribe(ctx, worker.Request{
		AudioPath: wavPath,
		Model:     model,
		JobID:     id,
		Timeout:   policy.ChunkTimeout(model),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Result.FullText), nil
}

func chunkMarker(err error) string {
	var te *worker.TimeoutError
	if errors.As(err, &te) {
		return "timeout"
	}
	var fe *worker.FailureError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return worker.Sanitize(err.Error())
}

// Stop marks the session stopped and returns everything transcribed so far.
// Stopping twice returns the same transcript. Stale sessions are reaped.
func (m *Manager) Stop(id string) (*StopResult, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	s.Status = StatusStopped
	res := &StopResult{
		FullText:    strings.Join(s.Transcripts, " "),
		Transcripts: append([]string{}, s.Transcripts...),
	}
	m.mu.Unlock()

	slog.Info("Realtime session stopped", "sessionID", id, "chunks", len(res.Transcripts))
	if n := m.Reap(); n > 0 {
		slog.Debug("Reaped realtime sessions", "count", n)
	}
	return res, nil
}

// Reap removes sessions older than the retention window regardless of
// status.
func (m *Manager) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		if now.Sub(s.CreatedAt) > m.retention {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// snapshot must be called with the manager lock held, or before the session
// is shared.
func (s *session) snapshot() Session {
	out := s.Session
	out.Transcripts = append([]string{}, s.Transcripts...)
	return out
}
