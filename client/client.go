// Package sttcli captures microphone audio, detects speech bursts and streams
// them to a stream ingest server for realtime transcription.
package sttcli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/bosley/speaktotext/audio"
	sttserv "github.com/bosley/speaktotext/server"
	"github.com/google/uuid"
	"github.com/gordonklaus/portaudio"
)

const (
	calibrationDuration  = 5 * time.Second
	silenceThreshold     = 1 * time.Second
	defaultVADThreshold  = 2.22
	backgroundBufferSize = 50

	sampleRate      = audio.WhisperSampleRate
	channels        = 1
	framesPerBuffer = 1024
)

// Config for a microphone client.
type Config struct {
	ServerAddr string
	Token      string
	// CertFile is the server certificate to trust
	CertFile string
	// Insecure skips certificate verification
	Insecure bool
	// Plaintext dials without TLS
	Plaintext bool
	DeviceID  int
	// VADThreshold is the energy ratio over background noise that counts as speech
	VADThreshold float64
	// Output receives one line per transcribed burst
	Output io.Writer
}

type AudioProcessor struct {
	backgroundNoise  float64
	backgroundBuffer []float64
	threshold        float64
	isTransmitting   bool
	lastNoiseTime    time.Time
	totalSamples     int
	totalBytes       int
	logCounter       int
	clientID         uuid.UUID

	// now is swapped in tests
	now func() time.Time
}

func NewAudioProcessor(threshold float64) *AudioProcessor {
	if threshold <= 0 {
		threshold = defaultVADThreshold
	}
	return &AudioProcessor{
		backgroundBuffer: make([]float64, 0, backgroundBufferSize),
		threshold:        threshold,
		now:              time.Now,
	}
}

func (ap *AudioProcessor) calibrateBackgroundNoise() {
	slog.Debug("Calibrating background noise")

	var totalAmplitude float64
	var sampleCount int

	stream, err := portaudio.OpenDefaultStream(channels, 0, sampleRate, framesPerBuffer, func(in []int16) {
		amplitude := calculateChunkAmplitude(in)
		totalAmplitude += amplitude
		sampleCount++
	})
	if err != nil {
		slog.Error("Failed to open calibration stream", "error", err)
		return
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		slog.Error("Failed to start calibration stream", "error", err)
		return
	}

	time.Sleep(calibrationDuration)

	if err := stream.Stop(); err != nil {
		slog.Error("Failed to stop calibration stream", "error", err)
	}

	if sampleCount > 0 {
		ap.backgroundNoise = totalAmplitude / float64(sampleCount)
	}
	slog.Debug("Background noise calibration complete", "averageAmplitude", ap.backgroundNoise)
}

// processAudioChunk frames chunk onto w when it belongs to a speech burst.
// A non-nil error means the connection is gone.
func (ap *AudioProcessor) processAudioChunk(ctx context.Context, w io.Writer, chunk []int16) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	chunkAmplitude := calculateChunkAmplitude(chunk)
	ap.updateBackgroundNoise(chunkAmplitude)

	energyRatio := chunkAmplitude / math.Max(ap.backgroundNoise, 1)
	isSpeech := energyRatio > ap.threshold

	ap.logCounter++
	if ap.logCounter%10 == 0 {
		slog.Debug("Audio chunk received",
			"chunkAmplitude", chunkAmplitude,
			"backgroundNoise", ap.backgroundNoise,
			"ratio", energyRatio)
	}

	switch {
	case isSpeech:
		ap.lastNoiseTime = ap.now()
		if !ap.isTransmitting {
			ap.isTransmitting = true
			ap.totalSamples = 0
			ap.totalBytes = 0
			slog.Info("Speech detected, starting transmission",
				"chunkAmplitude", chunkAmplitude,
				"backgroundNoise", ap.backgroundNoise,
				"ratio", energyRatio)
			if err := sendMarker(w, startMarker); err != nil {
				return err
			}
		}
		if err := ap.send(w, chunk); err != nil {
			return err
		}

	case ap.isTransmitting:
		// Short pauses stay inside the burst
		if err := ap.send(w, chunk); err != nil {
			return err
		}
		if ap.now().Sub(ap.lastNoiseTime) > silenceThreshold {
			ap.isTransmitting = false
			slog.Info("Extended silence detected, stopping transmission",
				"totalSamples", ap.totalSamples,
				"totalBytes", ap.totalBytes,
				"durationSeconds", float64(ap.totalSamples)/sampleRate)
			if err := sendMarker(w, endMarker); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ap *AudioProcessor) send(w io.Writer, chunk []int16) error {
	if err := sendAudioChunk(w, chunk); err != nil {
		return err
	}
	ap.totalSamples += len(chunk)
	ap.totalBytes += len(chunk) * 2
	return nil
}

func (ap *AudioProcessor) updateBackgroundNoise(amplitude float64) {
	if len(ap.backgroundBuffer) >= backgroundBufferSize {
		ap.backgroundBuffer = ap.backgroundBuffer[1:]
	}
	ap.backgroundBuffer = append(ap.backgroundBuffer, amplitude)

	var sum float64
	for _, a := range ap.backgroundBuffer {
		sum += a
	}
	ap.backgroundNoise = sum / float64(len(ap.backgroundBuffer))
}

func calculateChunkAmplitude(chunk []int16) float64 {
	if len(chunk) == 0 {
		return 0
	}
	var totalAmplitude float64
	for _, sample := range chunk {
		totalAmplitude += math.Abs(float64(sample))
	}
	return totalAmplitude / float64(len(chunk))
}

const (
	startMarker = 0xFFFFFFFF
	endMarker   = 0x00000000
)

func sendMarker(w io.Writer, marker uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, marker)
	_, err := w.Write(buf)
	return err
}

func sendAudioChunk(w io.Writer, chunk []int16) error {
	buf := make([]byte, 4+len(chunk)*2)
	binary.BigEndian.PutUint32(buf, uint32(len(chunk)*2))
	for i, sample := range chunk {
		binary.LittleEndian.PutUint16(buf[4+i*2:], uint16(sample))
	}
	_, err := w.Write(buf)
	return err
}

func isConnectionClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// readResults prints every transcription the server sends back until the
// connection closes.
func readResults(r io.Reader, out io.Writer) error {
	for {
		res, err := sttserv.ReadResult(r)
		if err != nil {
			return err
		}
		if res.Error != "" {
			slog.Warn("Server failed to transcribe burst", "error", res.Error)
			continue
		}
		if res.Text == "" {
			slog.Debug("Burst produced no text")
			continue
		}
		fmt.Fprintln(out, res.Text)
	}
}

func ListAudioDevices() ([]portaudio.DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	inputDevices := make([]portaudio.DeviceInfo, 0)
	for _, device := range devices {
		if device.MaxInputChannels > 0 {
			inputDevices = append(inputDevices, *device)
		}
	}

	return inputDevices, nil
}

func dial(ctx context.Context, cfg Config) (net.Conn, error) {
	if cfg.Plaintext {
		slog.Warn("Connecting without TLS. This should not be used in production!")
		var d net.Dialer
		return d.DialContext(ctx, "tcp", cfg.ServerAddr)
	}
	tlsConfig, err := createTLSConfig(cfg.Insecure, cfg.CertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	dialer := &tls.Dialer{Config: tlsConfig}
	return dialer.DialContext(ctx, "tcp", cfg.ServerAddr)
}

// Launch streams the selected microphone to the server until ctx is done or
// the connection drops.
func Launch(ctx context.Context, cfg Config) error {
	slog.Debug("Starting client",
		"serverAddress", cfg.ServerAddr,
		"deviceID", cfg.DeviceID)

	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(cfg.Token)); err != nil {
		return fmt.Errorf("failed to send token to server: %w", err)
	}

	clientID, err := receiveClientID(conn)
	if err != nil {
		return fmt.Errorf("failed to receive client ID: %w", err)
	}
	slog.Info("Received client ID", "clientID", clientID)

	go func() {
		err := readResults(conn, cfg.Output)
		if ctx.Err() == nil {
			slog.Error("Server connection lost", "error", err)
		}
		cancel()
	}()

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	inputParams, err := inputParameters(cfg.DeviceID)
	if err != nil {
		return err
	}

	ap := NewAudioProcessor(cfg.VADThreshold)
	ap.clientID = clientID
	ap.calibrateBackgroundNoise()

	var once sync.Once
	stream, err := portaudio.OpenStream(inputParams, func(in []int16) {
		if ctx.Err() != nil {
			return
		}
		if err := ap.processAudioChunk(ctx, conn, in); err != nil {
			if isConnectionClosed(err) {
				once.Do(func() {
					slog.Error("Server connection lost")
					cancel()
				})
				return
			}
			slog.Error("Error sending audio chunk", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	<-ctx.Done()
	slog.Debug("Client shutting down")

	if err := stream.Stop(); err != nil {
		slog.Error("Failed to stop audio stream", "error", err)
	}
	return nil
}

func inputParameters(deviceID int) (portaudio.StreamParameters, error) {
	var device *portaudio.DeviceInfo
	if deviceID > 0 {
		devices, err := portaudio.Devices()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("failed to get audio devices: %w", err)
		}
		if deviceID >= len(devices) {
			return portaudio.StreamParameters{}, fmt.Errorf("invalid device ID %d", deviceID)
		}
		device = devices[deviceID]
		if device.MaxInputChannels == 0 {
			return portaudio.StreamParameters{}, fmt.Errorf("device %d (%s) is not an input device", deviceID, device.Name)
		}
		slog.Info("Using specified audio device",
			"deviceID", deviceID,
			"deviceName", device.Name,
			"sampleRate", device.DefaultSampleRate,
			"inputChannels", device.MaxInputChannels)
	} else {
		d, err := portaudio.DefaultInputDevice()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("failed to get default input device: %w", err)
		}
		device = d
		slog.Info("Using default audio device",
			"deviceName", device.Name,
			"sampleRate", device.DefaultSampleRate,
			"inputChannels", device.MaxInputChannels)
	}

	return portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: framesPerBuffer,
	}, nil
}

func receiveClientID(conn net.Conn) (uuid.UUID, error) {
	idBytes := make([]byte, 16)
	if _, err := io.ReadFull(conn, idBytes); err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(idBytes)
}

func createTLSConfig(insecureMode bool, serverCertFile string) (*tls.Config, error) {
	if insecureMode {
		slog.Warn("Running in insecure mode. This should not be used in production!")
		return &tls.Config{InsecureSkipVerify: true}, nil
	}

	certPEM, err := os.ReadFile(serverCertFile)
	if err != nil {
		return nil, err
	}

	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("failed to append server certificate")
	}

	return &tls.Config{
		RootCAs: certPool,
	}, nil
}
