package sttcli

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/bosley/speaktotext/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tone(n int, amp int16) []int16 {
	chunk := make([]int16, n)
	for i := range chunk {
		if i%2 == 0 {
			chunk[i] = amp
		} else {
			chunk[i] = -amp
		}
	}
	return chunk
}

func TestCalculateChunkAmplitude(t *testing.T) {
	assert.Equal(t, 0.0, calculateChunkAmplitude(nil))
	assert.Equal(t, 100.0, calculateChunkAmplitude(tone(10, 100)))
}

func TestUpdateBackgroundNoiseIsRolling(t *testing.T) {
	ap := NewAudioProcessor(0)
	for i := 0; i < backgroundBufferSize; i++ {
		ap.updateBackgroundNoise(10)
	}
	assert.Equal(t, 10.0, ap.backgroundNoise)

	ap.updateBackgroundNoise(10 + backgroundBufferSize)
	assert.Len(t, ap.backgroundBuffer, backgroundBufferSize)
	assert.InDelta(t, 11.0, ap.backgroundNoise, 1e-9)
}

func TestProcessAudioChunkFramesBurst(t *testing.T) {
	clock := time.Unix(1000, 0)
	ap := NewAudioProcessor(2)
	ap.now = func() time.Time { return clock }
	for i := 0; i < backgroundBufferSize; i++ {
		ap.updateBackgroundNoise(10)
	}

	var wire bytes.Buffer
	ctx := context.Background()

	require.NoError(t, ap.processAudioChunk(ctx, &wire, tone(4, 10)))
	assert.Zero(t, wire.Len(), "background noise is not sent")

	require.NoError(t, ap.processAudioChunk(ctx, &wire, tone(4, 5000)))
	assert.True(t, ap.isTransmitting)

	clock = clock.Add(500 * time.Millisecond)
	require.NoError(t, ap.processAudioChunk(ctx, &wire, tone(4, 10)))
	assert.True(t, ap.isTransmitting, "short pause stays in the burst")

	clock = clock.Add(2 * time.Second)
	require.NoError(t, ap.processAudioChunk(ctx, &wire, tone(4, 10)))
	assert.False(t, ap.isTransmitting)

	read := func() uint32 {
		var v uint32
		require.NoError(t, binary.Read(&wire, binary.BigEndian, &v))
		return v
	}

	assert.Equal(t, uint32(startMarker), read())
	for i := 0; i < 3; i++ {
		assert.Equal(t, uint32(8), read())
		wire.Next(8)
	}
	assert.Equal(t, uint32(endMarker), read())
	assert.Zero(t, wire.Len())
}

func TestSendAudioChunkLittleEndianSamples(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, sendAudioChunk(&wire, []int16{1, -2}))
	assert.Equal(t, []byte{0, 0, 0, 4, 1, 0, 0xFE, 0xFF}, wire.Bytes())
}

func TestReadResultsPrintsText(t *testing.T) {
	var wire bytes.Buffer
	for _, res := range []realtime.ChunkResult{
		{Text: "hello there"},
		{Text: ""},
		{Error: "boom"},
		{Text: "general kenobi"},
	} {
		payload, err := json.Marshal(res)
		require.NoError(t, err)
		require.NoError(t, binary.Write(&wire, binary.BigEndian, uint32(len(payload))))
		wire.Write(payload)
	}

	var out bytes.Buffer
	err := readResults(&wire, &out)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "hello there\ngeneral kenobi\n", out.String())
}
