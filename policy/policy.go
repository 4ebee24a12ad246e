// Package policy maps audio duration to a recognition model, a processing
// deadline and a client-facing estimate.
package policy

import (
	"fmt"
	"math"
	"time"
)

const (
	ModelTiny   = "tiny"
	ModelBase   = "base"
	ModelSmall  = "small"
	ModelMedium = "medium"
	ModelLarge  = "large"

	// DefaultModel is the balanced-accuracy model.
	DefaultModel = ModelBase
	// FastestModel trades accuracy for completion probability on long audio.
	FastestModel = ModelTiny
)

// Duration breakpoints in seconds. MediumAudio is informational only.
const (
	MediumAudio   = 600.0
	LongAudio     = 1800.0
	VeryLongAudio = 3600.0
)

const (
	MinTimeout = 300 * time.Second
	MaxTimeout = 14400 * time.Second

	safetyFactor    = 1.5
	overheadSeconds = 180.0
	estimateBuffer  = 30.0
)

// ModelInfo describes one recognition model offered to clients.
type ModelInfo struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Speed        float64 `json:"speed"`
	ChunkTimeout float64 `json:"chunk_timeout_seconds"`
}

// Catalog lists models fastest first.
var Catalog = []ModelInfo{
	{ID: ModelTiny, Name: "Tiny", Description: "Fastest, least accurate (~1GB)", Speed: 32, ChunkTimeout: 30},
	{ID: ModelBase, Name: "Base", Description: "Good balance (default)", Speed: 16, ChunkTimeout: 45},
	{ID: ModelSmall, Name: "Small", Description: "Better accuracy (~2GB)", Speed: 6, ChunkTimeout: 90},
	{ID: ModelMedium, Name: "Medium", Description: "High accuracy (~5GB)", Speed: 2, ChunkTimeout: 180},
	{ID: ModelLarge, Name: "Large", Description: "Best accuracy (~10GB)", Speed: 1, ChunkTimeout: 300},
}

func lookup(model string) (ModelInfo, bool) {
	for _, m := range Catalog {
		if m.ID == model {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// IsKnown reports whether model is in the catalog.
func IsKnown(model string) bool {
	_, ok := lookup(model)
	return ok
}

// Speed returns the realtime multiplier for model, falling back to the
// default model's speed for unknown names.
func Speed(model string) float64 {
	if m, ok := lookup(model); ok {
		return m.Speed
	}
	m, _ := lookup(DefaultModel)
	return m.Speed
}

// SelectModel picks the model for audio of the given length in seconds.
// Anything past LongAudio gets the fastest model; VeryLongAudio only changes
// the hint shown to the client.
func SelectModel(duration float64) string {
	if duration <= LongAudio {
		return DefaultModel
	}
	return FastestModel
}

// CalculateTimeout returns the processing deadline for duration seconds of
// audio on model, clamped to [MinTimeout, MaxTimeout].
func CalculateTimeout(duration float64, model string) time.Duration {
	if duration < 0 || math.IsNaN(duration) {
		duration = 0
	}
	secs := duration/Speed(model)*safetyFactor + overheadSeconds
	secs = math.Max(secs, MinTimeout.Seconds())
	secs = math.Min(secs, MaxTimeout.Seconds())
	return time.Duration(secs * float64(time.Second))
}

// ChunkTimeout is the per-chunk deadline for realtime sessions. Larger models
// get proportionally more time.
func ChunkTimeout(model string) time.Duration {
	m, ok := lookup(model)
	if !ok {
		m, _ = lookup(DefaultModel)
	}
	return time.Duration(m.ChunkTimeout * float64(time.Second))
}

// Estimate is the optimistic processing time for one model.
type Estimate struct {
	Seconds       float64 `json:"seconds"`
	HumanReadable string  `json:"human_readable"`
}

// EstimateAll computes an estimate per catalog model for duration seconds.
func EstimateAll(duration float64) map[string]Estimate {
	if duration < 0 {
		duration = 0
	}
	out := make(map[string]Estimate, len(Catalog))
	for _, m := range Catalog {
		secs := duration/m.Speed + estimateBuffer
		out[m.ID] = Estimate{Seconds: math.Round(secs), HumanReadable: Humanize(secs)}
	}
	return out
}

// Humanize renders a rough duration like "~45 sec", "~3 min" or "~1.5 hr".
func Humanize(secs float64) string {
	switch {
	case secs < 60:
		return fmt.Sprintf("~%d sec", int(math.Ceil(secs)))
	case secs < 3600:
		return fmt.Sprintf("~%d min", int(math.Ceil(secs/60)))
	default:
		return fmt.Sprintf("~%.1f hr", secs/3600)
	}
}

// Hint gives the operator a short note about the duration band.
func Hint(duration float64) string {
	switch {
	case duration > VeryLongAudio:
		return "Very long audio: using the fastest model, expect reduced accuracy"
	case duration > LongAudio:
		return "Long audio: using the fastest model to finish in time"
	case duration > MediumAudio:
		return "Medium-length audio"
	default:
		return ""
	}
}
