// Package model defines the capability interfaces the Runner drives: a
// Runner that performs inference, and a Health probe that reports GPU
// telemetry. Both are explicit collaborators injected by the caller
// rather than package-level singletons.
package model

import "context"

// SamplingParams are the fixed sampling parameters used for every chunk,
// sourced from configuration.
type SamplingParams struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Output is one generated completion for a single prompt in a chunk.
type Output struct {
	Content          string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Runner is the external inference capability. Load may be expensive
// (seconds); the caller avoids unnecessary reloads by checking the
// heartbeat's loaded model before calling Load.
type Runner interface {
	// Load prepares the named model for inference, releasing any
	// previously loaded model first.
	Load(ctx context.Context, modelID string) error
	// Unload releases the currently loaded model's GPU resources.
	Unload(ctx context.Context) error
	// Generate runs one chunk of prompts through the loaded model and
	// returns one Output per prompt, in order.
	Generate(ctx context.Context, prompts []string, params SamplingParams) ([]Output, error)
}

// Health is the GPU telemetry capability.
type Health interface {
	Read(ctx context.Context) (HealthSnapshot, error)
}

// HealthSnapshot reports the current GPU utilization.
type HealthSnapshot struct {
	MemoryPercent float64
	TemperatureC  float64
}
