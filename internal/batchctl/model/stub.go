// The inference engine itself is an external collaborator known only by
// its contract. StubRunner is the sample collaborator a deployment with
// no GPU backend wired in yet can plug in to exercise the rest of the
// control plane end to end, mirroring the healthprobe package's
// HostMemoryProbe stand-in for real GPU telemetry.
package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StubRunner "generates" a deterministic canned response per prompt
// without any real inference, so the scheduler/runner/webhook pipeline is
// runnable without a GPU. It is not a substitute for wiring a real
// ModelRunner in production.
type StubRunner struct {
	mu     sync.Mutex
	loaded string
}

// NewStubRunner returns a StubRunner with no model loaded.
func NewStubRunner() *StubRunner {
	return &StubRunner{}
}

// Load implements Runner.
func (s *StubRunner) Load(ctx context.Context, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = modelID
	return nil
}

// Unload implements Runner.
func (s *StubRunner) Unload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = ""
	return nil
}

// Generate implements Runner by returning a fixed completion naming the
// loaded model for each prompt, with a token count proportional to prompt
// length so throughput/ETA math has non-trivial numbers to work with.
func (s *StubRunner) Generate(ctx context.Context, prompts []string, params SamplingParams) ([]Output, error) {
	s.mu.Lock()
	modelID := s.loaded
	s.mu.Unlock()
	if modelID == "" {
		return nil, fmt.Errorf("no model loaded")
	}

	outputs := make([]Output, len(prompts))
	for i, p := range prompts {
		promptTokens := len(strings.Fields(p))
		maxTokens := params.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 64
		}
		completionTokens := promptTokens / 4
		if completionTokens < 1 {
			completionTokens = 1
		}
		if completionTokens > maxTokens {
			completionTokens = maxTokens
		}
		outputs[i] = Output{
			Content:          fmt.Sprintf("[stub response from %s]", modelID),
			FinishReason:     "stop",
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
		}
	}
	return outputs, nil
}
