package scribe

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bosley/speaktotext/jobs"
	"github.com/bosley/speaktotext/policy"
	"github.com/bosley/speaktotext/realtime"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	serviceName = "SpeakToText Local"
	modelAuto   = "auto"
)

type wsConnection struct {
	conn   *websocket.Conn
	jobID  string
	send   chan []byte
	scribe *Scribe

	mu     sync.Mutex
	closed bool
}

func (s *Scribe) routes() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/", s.handleRoot).Methods("GET")
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/models", s.handleModels).Methods("GET")
	router.HandleFunc("/estimate", s.handleEstimate).Methods("GET")

	router.HandleFunc("/transcribe/file", s.handleTranscribeFile).Methods("POST")
	router.HandleFunc("/transcribe/url", s.handleTranscribeURL).Methods("POST")
	router.HandleFunc("/job/{id}", s.handleGetJob).Methods("GET")
	router.HandleFunc("/job/{id}", s.handleDeleteJob).Methods("DELETE")
	router.HandleFunc("/ws/job/{id}", s.handleWebSocket)

	router.HandleFunc("/realtime/start", s.handleRealtimeStart).Methods("POST")
	router.HandleFunc("/realtime/{id}/chunk", s.handleRealtimeChunk).Methods("POST")
	router.HandleFunc("/realtime/{id}/stop", s.handleRealtimeStop).Methods("POST")

	return withCORS(s.withAuth(router))
}

func (s *Scribe) startHTTP(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.HTTPAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.CertFile != "" && s.config.KeyFile != "" {
			err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("HTTP server listening", "address", s.config.HTTPAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// withCORS allows any origin; the client is a browser extension.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth requires the configured token as a bearer header, or as a token
// query parameter for websocket upgrades.
func (s *Scribe) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token == "" || r.URL.Path == "/" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if presented == "" {
			presented = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.config.Token)) != 1 {
			slog.Warn("Rejected unauthenticated request", "path", r.URL.Path, "remoteAddr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "Invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// normalizeModel maps "" to auto and rejects names outside the catalog.
func normalizeModel(model string) (string, bool) {
	model = strings.TrimSpace(strings.ToLower(model))
	if model == "" || model == modelAuto {
		return modelAuto, true
	}
	return model, policy.IsKnown(model)
}

func (s *Scribe) credential(r *http.Request) string {
	if c := strings.TrimSpace(r.FormValue("hf_token")); c != "" {
		return c
	}
	return s.config.DefaultCredential
}

func (s *Scribe) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": serviceName,
		"version": s.config.Version,
	})
}

func (s *Scribe) handleHealth(w http.ResponseWriter, r *http.Request) {
	var streamClients int
	if s.clients != nil {
		streamClients = s.clients.Len()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Jobs:          s.jobs.Counts(),
		Sessions:      s.sessions.Len(),
		StreamClients: streamClients,
		Cache:         s.cache.Stats(),
	})
}

func (s *Scribe) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  policy.Catalog,
		"default": modelAuto,
	})
}

func (s *Scribe) handleEstimate(w http.ResponseWriter, r *http.Request) {
	duration, err := strconv.ParseFloat(r.URL.Query().Get("duration"), 64)
	if err != nil || duration < 0 {
		writeError(w, http.StatusBadRequest, "duration must be a non-negative number of seconds")
		return
	}

	model := policy.SelectModel(duration)
	writeJSON(w, http.StatusOK, estimateResponse{
		DurationSeconds:  duration,
		RecommendedModel: model,
		TimeoutSeconds:   policy.CalculateTimeout(duration, model).Seconds(),
		Hint:             policy.Hint(duration),
		Estimates:        policy.EstimateAll(duration),
	})
}

func (s *Scribe) handleTranscribeFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	model, ok := normalizeModel(r.FormValue("model"))
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown model %q", model))
		return
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = ".audio"
	}
	uploadPath := filepath.Join(s.config.WorkDir, "upload-"+uuid.New().String()+ext)
	if err := saveUpload(file, uploadPath); err != nil {
		slog.Error("Failed to save upload", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save upload")
		return
	}

	s.submit(w, jobs.Job{Filename: filepath.Base(header.Filename)}, jobRequest{
		UploadPath: uploadPath,
		Model:      model,
		Credential: s.credential(r),
	})
}

func saveUpload(src io.Reader, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return err
	}
	return dst.Close()
}

func (s *Scribe) handleTranscribeURL(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.FormValue("url"))
	u, err := url.Parse(raw)
	if raw == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "an http(s) url is required")
		return
	}

	model, ok := normalizeModel(r.FormValue("model"))
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown model %q", model))
		return
	}

	s.submit(w, jobs.Job{URL: raw}, jobRequest{
		URL:        raw,
		Model:      model,
		Credential: s.credential(r),
	})
}

// submit admits a job and starts it in the background.
func (s *Scribe) submit(w http.ResponseWriter, init jobs.Job, req jobRequest) {
	if n := s.jobs.Reap(); n > 0 {
		slog.Debug("Reaped finished jobs", "count", n)
	}

	init.Progress = "Queued"
	if req.Model != modelAuto {
		init.Model = req.Model
	}
	job, err := s.jobs.Create(init)
	if err != nil {
		if req.UploadPath != "" {
			os.Remove(req.UploadPath)
		}
		if errors.Is(err, jobs.ErrCapacityExceeded) {
			writeError(w, http.StatusServiceUnavailable, "Too many jobs in progress, try again later")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("Job queued", "jobID", job.ID, "model", req.Model, "url", req.URL, "file", job.Filename)

	s.workers.Add(1)
	go s.runJob(job.ID, req)

	writeJSON(w, http.StatusOK, submitResponse{JobID: job.ID, Status: job.Status})
}

func (s *Scribe) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDeleteJob is idempotent: unknown ids are reported as deleted too.
func (s *Scribe) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.jobs.Delete(id); err == nil {
		slog.Info("Job deleted", "jobID", id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Scribe) handleRealtimeStart(w http.ResponseWriter, r *http.Request) {
	model, ok := normalizeModel(r.FormValue("model"))
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown model %q", model))
		return
	}
	if model == modelAuto {
		model = policy.DefaultModel
	}
	sess := s.sessions.Start(model)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Scribe) handleRealtimeChunk(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	r.Body = http.MaxBytesReader(w, r.Body, maxChunkBytes)

	var data []byte
	var format string
	if r.URL.Query().Get("format") == realtime.FormatPCM16 {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read chunk")
			return
		}
		data, format = b, realtime.FormatPCM16
	} else {
		file, header, err := r.FormFile("audio")
		if err != nil {
			writeError(w, http.StatusBadRequest, "multipart field 'audio' is required")
			return
		}
		defer file.Close()
		b, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read chunk")
			return
		}
		data, format = b, filepath.Ext(header.Filename)
	}

	res, err := s.sessions.SubmitChunk(r.Context(), id, data, format)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Scribe) handleRealtimeStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.Stop(mux.Vars(r)["id"])
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, realtime.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, realtime.ErrInvalidState):
		writeError(w, http.StatusConflict, "Session is not active")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Scribe) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	// Validate job ID
	if _, err := uuid.Parse(jobID); err != nil {
		http.Error(w, "Invalid job ID", http.StatusBadRequest)
		return
	}
	job, err := s.jobs.Get(jobID)
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	// Upgrade connection to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	wsConn := &wsConnection{
		conn:   conn,
		jobID:  jobID,
		send:   make(chan []byte, 256),
		scribe: s,
	}

	s.registerSubscriber(jobID, wsConn)
	wsConn.push(job)

	go wsConn.writePump()
	go wsConn.readPump()

	// The job may have finished between Get and registration.
	if latest, err := s.jobs.Get(jobID); err == nil && latest.Status.Terminal() {
		s.publishJob(latest)
	}
}

// publishJob is the registry change hook.
func (s *Scribe) publishJob(job jobs.Job) {
	s.subsMu.Lock()
	conns := append([]*wsConnection(nil), s.subscribers[job.ID]...)
	if job.Status.Terminal() {
		delete(s.subscribers, job.ID)
	}
	s.subsMu.Unlock()

	for _, c := range conns {
		c.push(job)
		if job.Status.Terminal() {
			c.close()
		}
	}
}

func (s *Scribe) registerSubscriber(jobID string, wsConn *wsConnection) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subscribers[jobID] = append(s.subscribers[jobID], wsConn)
}

func (s *Scribe) unregisterSubscriber(jobID string, wsConn *wsConnection) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	connections := s.subscribers[jobID]
	for i, conn := range connections {
		if conn == wsConn {
			connections = append(connections[:i], connections[i+1:]...)
			break
		}
	}

	if len(connections) == 0 {
		delete(s.subscribers, jobID)
	} else {
		s.subscribers[jobID] = connections
	}
}

func (s *Scribe) closeAllSubscribers() {
	s.subsMu.Lock()
	all := s.subscribers
	s.subscribers = make(map[string][]*wsConnection)
	s.subsMu.Unlock()

	for _, conns := range all {
		for _, c := range conns {
			c.close()
		}
	}
}

// push queues a job snapshot, dropping it if the peer is too slow.
func (c *wsConnection) push(job jobs.Job) {
	msg, err := json.Marshal(WebSocketMessage{
		Type:      "job",
		JobID:     job.ID,
		Timestamp: time.Now(),
		Payload:   job,
	})
	if err != nil {
		slog.Error("Failed to encode job update", "error", err, "jobID", job.ID)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		slog.Warn("Dropping job update for slow subscriber", "jobID", job.ID)
	}
}

func (c *wsConnection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConnection) readPump() {
	defer func() {
		c.scribe.unregisterSubscriber(c.jobID, c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Error("WebSocket read error", "error", err)
			}
			break
		}
	}
}
