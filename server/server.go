package sttserv

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/bosley/speaktotext/audio"
	"github.com/bosley/speaktotext/realtime"
	"github.com/google/uuid"
)

const (
	DefaultAddr = "localhost:8443"

	startMarker = 0xFFFFFFFF
	endMarker   = 0x00000000

	// Bursts shorter than one second of audio are dropped.
	minBurstBytes = audio.WhisperSampleRate * 2
	maxChunkBytes = 1 << 20
	maxBurstBytes = 64 << 20
)

// Config for the stream ingest listener.
type Config struct {
	Addr     string
	CertFile string
	KeyFile  string
	Token    string
	// Model used for every session opened by this listener
	Model string
}

// SessionManager is satisfied by *realtime.Manager.
type SessionManager interface {
	Start(model string) realtime.Session
	SubmitChunk(ctx context.Context, id string, data []byte, format string) (*realtime.ChunkResult, error)
	Stop(id string) (*realtime.StopResult, error)
}

// Launch listens for microphone clients until ctx is done. TLS is used when
// a certificate is configured.
func Launch(ctx context.Context, cfg Config, sessions SessionManager, clientList *ClientList) error {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Token == "" {
		return errors.New("stream ingest requires a token")
	}
	slog.Debug("Starting stream server", "address", cfg.Addr)

	var listener net.Listener
	var err error
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, lerr := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if lerr != nil {
			return fmt.Errorf("failed to load server certificate and key: %w", lerr)
		}
		listener, err = tls.Listen("tcp", cfg.Addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		slog.Warn("Stream server running without TLS. This should not be used in production!")
		listener, err = net.Listen("tcp", cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("failed to start stream server: %w", err)
	}

	return Serve(ctx, listener, cfg, sessions, clientList)
}

// Serve accepts connections on listener until ctx is done.
func Serve(ctx context.Context, listener net.Listener, cfg Config, sessions SessionManager, clientList *ClientList) error {
	go func() {
		<-ctx.Done()
		slog.Debug("Stream server shutting down")
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				slog.Debug("Stream server stopped accepting new connections")
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				slog.Error("Failed to accept connection", "error", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		go handleNewConnection(ctx, conn, cfg, sessions, clientList)
	}
}

func handleNewConnection(ctx context.Context, conn net.Conn, cfg Config, sessions SessionManager, clientList *ClientList) {
	defer conn.Close()

	tokenBuffer := make([]byte, len(cfg.Token))
	if _, err := io.ReadFull(conn, tokenBuffer); err != nil {
		slog.Error("Failed to read token from client", "error", err, "remoteAddr", conn.RemoteAddr())
		return
	}

	if subtle.ConstantTimeCompare(tokenBuffer, []byte(cfg.Token)) != 1 {
		slog.Warn("Invalid token received", "remoteAddr", conn.RemoteAddr())
		return
	}

	clientID := uuid.New()
	session := sessions.Start(cfg.Model)
	clientList.Add(&Client{
		ID:        clientID,
		Addr:      conn.RemoteAddr().String(),
		SessionID: session.ID,
	})

	handleConnection(ctx, conn, clientID, session.ID, sessions, clientList)
}

func handleConnection(ctx context.Context, conn net.Conn, clientID uuid.UUID, sessionID string, sessions SessionManager, clientList *ClientList) {
	slog.Debug("New client connected", "clientID", clientID, "sessionID", sessionID, "remoteAddr", conn.RemoteAddr())
	defer func() {
		clientList.Remove(clientID)
		if res, err := sessions.Stop(sessionID); err == nil {
			slog.Info("Stream session finished",
				"clientID", clientID,
				"sessionID", sessionID,
				"chunks", len(res.Transcripts))
		}
		slog.Debug("Client connection closed", "clientID", clientID, "remoteAddr", conn.RemoteAddr())
	}()

	if err := sendClientID(conn, clientID); err != nil {
		slog.Error("Failed to send client ID", "error", err, "clientID", clientID)
		return
	}

	var burst []byte
	receiving := false

	for {
		marker := make([]byte, 4)
		if _, err := io.ReadFull(conn, marker); err != nil {
			if err == io.EOF {
				slog.Debug("Client disconnected", "clientID", clientID, "remoteAddr", conn.RemoteAddr())
			} else {
				slog.Error("Failed to read marker", "error", err, "clientID", clientID, "remoteAddr", conn.RemoteAddr())
			}
			if receiving {
				slog.Debug("Dropping incomplete transmission", "bytes", len(burst), "clientID", clientID)
			}
			return
		}

		switch value := binary.BigEndian.Uint32(marker); {
		case value == startMarker:
			receiving = true
			burst = burst[:0]
			slog.Debug("Started receiving new transmission", "clientID", clientID)

		case value == endMarker:
			receiving = false
			if len(burst) < minBurstBytes {
				slog.Debug("Dropping short transmission", "bytes", len(burst), "clientID", clientID)
				continue
			}
			slog.Info("Finished receiving transmission", "bytes", len(burst), "clientID", clientID)

			res, err := sessions.SubmitChunk(ctx, sessionID, burst, realtime.FormatPCM16)
			if err != nil {
				slog.Error("Failed to submit transmission", "error", err, "clientID", clientID)
				return
			}
			if err := sendResult(conn, res); err != nil {
				slog.Error("Failed to send result", "error", err, "clientID", clientID)
				return
			}

		case receiving:
			if value > maxChunkBytes || len(burst)+int(value) > maxBurstBytes {
				slog.Warn("Chunk too large, closing connection", "size", value, "clientID", clientID)
				return
			}
			chunk := make([]byte, value)
			if _, err := io.ReadFull(conn, chunk); err != nil {
				slog.Error("Failed to read chunk data", "error", err, "clientID", clientID, "remoteAddr", conn.RemoteAddr())
				return
			}
			burst = append(burst, chunk...)

		default:
			slog.Warn("Chunk outside of a transmission, closing connection", "clientID", clientID)
			return
		}

		select {
		case <-ctx.Done():
			slog.Debug("Connection handler shutting down", "clientID", clientID, "remoteAddr", conn.RemoteAddr())
			return
		default:
		}
	}
}

func sendClientID(conn net.Conn, clientID uuid.UUID) error {
	_, err := conn.Write(clientID[:])
	return err
}

// sendResult writes a big-endian length prefix followed by the JSON result.
func sendResult(w io.Writer, res *realtime.ChunkResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadResult reads one length-prefixed chunk result written by the server.
func ReadResult(r io.Reader) (*realtime.ChunkResult, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header)
	if size > maxChunkBytes {
		return nil, fmt.Errorf("result too large: %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var res realtime.ChunkResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &res, nil
}
