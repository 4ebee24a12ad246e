package scribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bosley/speaktotext/cache"
	"github.com/bosley/speaktotext/jobs"
	"github.com/bosley/speaktotext/realtime"
	"github.com/bosley/speaktotext/transcript"
	"github.com/bosley/speaktotext/worker"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	dir   string
	err   error
	calls int
	mu    sync.Mutex
}

func (c *fakeCache) Resolve(_ context.Context, locator string, progress func(cache.Progress)) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	progress(cache.Progress{Percent: 50, Message: "Downloading audio... 50.0%"})
	path := filepath.Join(c.dir, cache.Key(locator)+".m4a")
	return path, os.WriteFile(path, []byte("remote audio"), 0644)
}

func (c *fakeCache) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeCache) Stats() cache.Stats { return cache.Stats{Entries: 3, Bytes: 42} }

type fakeConverter struct {
	duration float64
	err      error
}

func (c *fakeConverter) ToWav(_ context.Context, in, out string) error {
	if c.err != nil {
		return c.err
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0644)
}

func (c *fakeConverter) Duration(context.Context, string) (float64, error) {
	if c.duration < 0 {
		return 0, fmt.Errorf("ffprobe failed")
	}
	return c.duration, nil
}

type fakeTranscriber struct {
	mu       sync.Mutex
	requests []worker.Request
	release  chan struct{}
	err      error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req worker.Request) (*worker.Outcome, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if _, err := os.Stat(req.AudioPath); err != nil {
		return nil, err
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	result := transcript.Plain([]transcript.Segment{{Start: 0, End: 1, Text: "hello world"}}, transcript.DiarizationSkipped, "")
	return &worker.Outcome{Result: result, Language: "en"}, nil
}

func (f *fakeTranscriber) last() worker.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type staticClients int

func (c staticClients) Len() int { return int(c) }

type fixture struct {
	scribe      *Scribe
	server      *httptest.Server
	token       string
	workDir     string
	cache       *fakeCache
	converter   *fakeConverter
	transcriber *fakeTranscriber
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		token:       cfg.Token,
		workDir:     t.TempDir(),
		cache:       &fakeCache{dir: t.TempDir()},
		converter:   &fakeConverter{duration: 120},
		transcriber: &fakeTranscriber{},
	}
	cfg.WorkDir = f.workDir
	cfg.Version = "test"

	s, err := New(cfg, Services{
		Cache:       f.cache,
		Converter:   f.converter,
		Transcriber: f.transcriber,
		Sessions:    realtime.NewManager(f.transcriber, f.converter),

		StreamClients: staticClients(2),
	})
	require.NoError(t, err)
	f.scribe = s
	f.server = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		f.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return f
}

func (f *fixture) uploadFile(t *testing.T, fields map[string]string, token string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "meeting.mp3")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("fake mp3 data"))
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequest("POST", f.server.URL+"/transcribe/file", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) waitTerminal(t *testing.T, id string) jobs.Job {
	t.Helper()
	var job jobs.Job
	require.Eventually(t, func() bool {
		req, err := http.NewRequest("GET", f.server.URL+"/job/"+id, nil)
		if err != nil {
			return false
		}
		if f.token != "" {
			req.Header.Set("Authorization", "Bearer "+f.token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		job = decode[jobs.Job](t, resp)
		return job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestRootAndHealth(t *testing.T) {
	f := newFixture(t, Config{Token: "sekret"})

	resp, err := http.Get(f.server.URL + "/")
	require.NoError(t, err)
	root := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", root["status"])
	assert.Equal(t, serviceName, root["service"])

	resp, err = http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	health := decode[healthResponse](t, resp)
	assert.Equal(t, cache.Stats{Entries: 3, Bytes: 42}, health.Cache)
	assert.Equal(t, 2, health.StreamClients)
}

func TestAuthAndCORS(t *testing.T) {
	f := newFixture(t, Config{Token: "sekret"})

	resp, err := http.Get(f.server.URL + "/models")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ := http.NewRequest("GET", f.server.URL+"/models", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest("OPTIONS", f.server.URL+"/transcribe/file", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestTranscribeFileCompletes(t *testing.T) {
	f := newFixture(t, Config{Token: "sekret", DefaultCredential: "hf_defaultdefault"})

	resp := f.uploadFile(t, map[string]string{"hf_token": "hf_fromrequest1"}, "sekret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub := decode[submitResponse](t, resp)
	assert.Equal(t, jobs.StatusQueued, sub.Status)

	job := f.waitTerminal(t, sub.JobID)
	require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)
	assert.Equal(t, "base", job.Model, "auto picks the balanced model for short audio")
	assert.Equal(t, "meeting.mp3", job.Filename)
	assert.Equal(t, "en", job.Language)
	require.NotNil(t, job.Result)
	assert.Equal(t, "hello world", job.Result.FullText)
	require.NotNil(t, job.DurationSeconds)
	assert.Equal(t, 120.0, *job.DurationSeconds)
	assert.Equal(t, 300.0, job.TimeoutSeconds)

	req := f.transcriber.last()
	assert.Equal(t, "hf_fromrequest1", req.Credential)
	assert.Equal(t, 300*time.Second, req.Timeout)

	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(f.workDir)
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond, "upload and converted wav are removed")
}

func TestTranscribeFileExplicitModelAndDefaultCredential(t *testing.T) {
	f := newFixture(t, Config{DefaultCredential: "hf_defaultdefault"})
	f.converter.duration = 4000

	resp := f.uploadFile(t, map[string]string{"model": "small"}, "")
	sub := decode[submitResponse](t, resp)
	job := f.waitTerminal(t, sub.JobID)

	assert.Equal(t, "small", job.Model)
	assert.Equal(t, "hf_defaultdefault", f.transcriber.last().Credential)
}

func TestTranscribeFileUnknownModel(t *testing.T) {
	f := newFixture(t, Config{})
	resp := f.uploadFile(t, map[string]string{"model": "huge"}, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	entries, _ := os.ReadDir(f.workDir)
	assert.Empty(t, entries)
}

func TestTranscribeURL(t *testing.T) {
	f := newFixture(t, Config{})
	f.converter.duration = 2400

	resp, err := http.PostForm(f.server.URL+"/transcribe/url", url.Values{"url": {"https://youtu.be/abc"}})
	require.NoError(t, err)
	sub := decode[submitResponse](t, resp)

	job := f.waitTerminal(t, sub.JobID)
	require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)
	assert.Equal(t, "tiny", job.Model, "long audio gets the fastest model")
	assert.Equal(t, "https://youtu.be/abc", job.URL)
	assert.Equal(t, 1, f.cache.Calls())

	resp, err = http.PostForm(f.server.URL+"/transcribe/url", url.Values{"url": {"ftp://nope"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobFailures(t *testing.T) {
	cases := []struct {
		name     string
		setup    func(f *fixture)
		wantMsg  string
		wantHint string
	}{
		{
			name: "worker timeout",
			setup: func(f *fixture) {
				f.transcriber.err = &worker.TimeoutError{Timeout: 5 * time.Minute, Model: "base"}
			},
			wantMsg:  "timed out after 5m0s for 2m0s of audio on model base",
			wantHint: "smaller model",
		},
		{
			name: "worker failure",
			setup: func(f *fixture) {
				f.transcriber.err = &worker.FailureError{Message: "engine crashed", ExitCode: 1}
			},
			wantMsg: "engine crashed",
		},
		{
			name: "download tool missing",
			setup: func(f *fixture) {
				f.cache.err = &cache.DownloadError{Kind: cache.KindToolMissing, Tool: "yt-dlp"}
			},
			wantMsg:  "yt-dlp not installed",
			wantHint: "Install yt-dlp",
		},
		{
			name: "conversion failure",
			setup: func(f *fixture) {
				f.converter.err = fmt.Errorf("convert /home/alice/private/in.mp3: %w", os.ErrInvalid)
			},
			wantMsg: "convert <path>",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			tc.setup(f)

			resp, err := http.PostForm(f.server.URL+"/transcribe/url", url.Values{"url": {"https://example.com/a.mp3"}})
			require.NoError(t, err)
			sub := decode[submitResponse](t, resp)

			job := f.waitTerminal(t, sub.JobID)
			assert.Equal(t, jobs.StatusError, job.Status)
			assert.Contains(t, job.Error, tc.wantMsg)
			assert.NotContains(t, job.Error, "/home/alice")
			if tc.wantHint != "" {
				assert.Contains(t, job.ErrorHint, tc.wantHint)
			}
			assert.Nil(t, job.Result)
		})
	}
}

func TestCapacityAndDelete(t *testing.T) {
	f := newFixture(t, Config{MaxJobs: 1})
	f.transcriber.release = make(chan struct{})

	resp := f.uploadFile(t, nil, "")
	first := decode[submitResponse](t, resp)

	resp = f.uploadFile(t, nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	close(f.transcriber.release)
	f.waitTerminal(t, first.JobID)

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest("DELETE", f.server.URL+"/job/"+first.JobID, nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"status": "deleted"}, decode[map[string]string](t, resp))
	}

	resp, err := http.Get(f.server.URL + "/job/" + first.JobID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEstimate(t *testing.T) {
	f := newFixture(t, Config{})

	resp, err := http.Get(f.server.URL + "/estimate?duration=960")
	require.NoError(t, err)
	est := decode[estimateResponse](t, resp)
	assert.Equal(t, "base", est.RecommendedModel)
	assert.Equal(t, 300.0, est.TimeoutSeconds)
	assert.Equal(t, 90.0, est.Estimates["base"].Seconds)

	resp, err = http.Get(f.server.URL + "/estimate?duration=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRealtimeOverHTTP(t *testing.T) {
	f := newFixture(t, Config{})

	resp, err := http.PostForm(f.server.URL+"/realtime/start", url.Values{"model": {"tiny"}})
	require.NoError(t, err)
	sess := decode[realtime.Session](t, resp)
	assert.Equal(t, "tiny", sess.Model)

	pcm := make([]byte, 3200)
	resp, err = http.Post(f.server.URL+"/realtime/"+sess.ID+"/chunk?format=pcm16", "application/octet-stream", bytes.NewReader(pcm))
	require.NoError(t, err)
	chunk := decode[realtime.ChunkResult](t, resp)
	assert.Equal(t, "hello world", chunk.Text)

	resp, err = http.Post(f.server.URL+"/realtime/"+sess.ID+"/stop", "", nil)
	require.NoError(t, err)
	stop := decode[realtime.StopResult](t, resp)
	assert.Equal(t, "hello world", stop.FullText)

	resp, err = http.Post(f.server.URL+"/realtime/"+sess.ID+"/chunk?format=pcm16", "application/octet-stream", bytes.NewReader(pcm))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(f.server.URL+"/realtime/unknown/stop", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketJobUpdates(t *testing.T) {
	f := newFixture(t, Config{Token: "sekret"})
	f.transcriber.release = make(chan struct{})

	resp := f.uploadFile(t, nil, "sekret")
	sub := decode[submitResponse](t, resp)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/job/" + sub.JobID + "?token=sekret"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	close(f.transcriber.release)

	var last WebSocketMessage
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		require.NoError(t, json.Unmarshal(data, &last))
		assert.Equal(t, sub.JobID, last.JobID)
	}
	assert.Equal(t, jobs.StatusCompleted, last.Payload.Status)
}

func TestWebSocketRejectsUnknownJob(t *testing.T) {
	f := newFixture(t, Config{})
	resp, err := http.Get(f.server.URL + "/ws/job/not-a-uuid")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
}
