package audio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/youpy/go-wav"
)

const (
	WhisperSampleRate = 16000 // Rate required by the recognition engine
	channels          = 1     // Mono audio
	bitsPerSample     = 16    // Using int16 for samples
	bytesPerSample    = bitsPerSample / 8
)

// WritePCM16 wraps raw little-endian signed 16-bit mono PCM in a WAV container.
func WritePCM16(w io.Writer, pcm []byte, sampleRate uint32) error {
	if len(pcm)%bytesPerSample != 0 {
		return fmt.Errorf("pcm payload has odd length %d", len(pcm))
	}

	numSamples := len(pcm) / bytesPerSample
	samples := make([]wav.Sample, numSamples)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
		samples[i].Values[0] = int(v)
	}

	writer := wav.NewWriter(w, uint32(numSamples), channels, sampleRate, bitsPerSample)
	if err := writer.WriteSamples(samples); err != nil {
		return fmt.Errorf("failed to write wav samples: %w", err)
	}
	return nil
}

// WritePCM16File writes pcm as a 16 kHz mono WAV file at path.
func WritePCM16File(path string, pcm []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create wav file: %w", err)
	}

	bw := bufio.NewWriter(f)
	if err := WritePCM16(bw, pcm, WhisperSampleRate); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush wav file: %w", err)
	}
	return f.Close()
}

// WavDuration reads the length of a WAV file from its header.
func WavDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open wav file: %w", err)
	}
	defer f.Close()

	d, err := wav.NewReader(f).Duration()
	if err != nil {
		return 0, fmt.Errorf("failed to read wav header: %w", err)
	}
	return d, nil
}

// IsWav reports whether path has a .wav extension.
func IsWav(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".wav")
}
