package whisper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MockEngine is an in-memory Engine for tests and the mock runtime mode.
// It tracks open handles and inference overlap so tests can assert the
// single-instance and no-concurrent-inference invariants.
type MockEngine struct {
	mu         sync.Mutex
	loadErr    error
	inferErr   error
	inferDelay time.Duration
	transcript string

	loads       atomic.Int32
	closes      atomic.Int32
	infers      atomic.Int32
	openHandles atomic.Int32
	maxOpen     atomic.Int32
	inferActive atomic.Int32
	maxInfer    atomic.Int32
}

func NewMockEngine() *MockEngine {
	return &MockEngine{transcript: "mock transcript"}
}

// FailLoads makes subsequent Load calls return err (nil restores success).
func (e *MockEngine) FailLoads(err error) {
	e.mu.Lock()
	e.loadErr = err
	e.mu.Unlock()
}

// FailInference makes subsequent Infer calls return err.
func (e *MockEngine) FailInference(err error) {
	e.mu.Lock()
	e.inferErr = err
	e.mu.Unlock()
}

// SetInferDelay makes each inference take d, for overlap tests.
func (e *MockEngine) SetInferDelay(d time.Duration) {
	e.mu.Lock()
	e.inferDelay = d
	e.mu.Unlock()
}

// SetTranscript fixes the text returned by inference.
func (e *MockEngine) SetTranscript(text string) {
	e.mu.Lock()
	e.transcript = text
	e.mu.Unlock()
}

func (e *MockEngine) Loads() int       { return int(e.loads.Load()) }
func (e *MockEngine) Closes() int      { return int(e.closes.Load()) }
func (e *MockEngine) Infers() int      { return int(e.infers.Load()) }
func (e *MockEngine) OpenHandles() int { return int(e.openHandles.Load()) }

// MaxOpenHandles reports the high-water mark of simultaneously open handles.
func (e *MockEngine) MaxOpenHandles() int { return int(e.maxOpen.Load()) }

// MaxConcurrentInfers reports the high-water mark of overlapping inferences.
func (e *MockEngine) MaxConcurrentInfers() int { return int(e.maxInfer.Load()) }

func (e *MockEngine) Load(_ context.Context, modelPath string) (Handle, error) {
	e.mu.Lock()
	err := e.loadErr
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.loads.Add(1)
	open := e.openHandles.Add(1)
	bumpMax(&e.maxOpen, open)
	return &mockHandle{engine: e, path: modelPath}, nil
}

type mockHandle struct {
	engine *MockEngine
	path   string
	closed atomic.Bool
}

func (h *mockHandle) Infer(ctx context.Context, samples []float32, _ int, onStage StageFunc) (string, error) {
	if h.closed.Load() {
		return "", fmt.Errorf("infer on closed handle for %s", h.path)
	}
	e := h.engine
	e.infers.Add(1)
	active := e.inferActive.Add(1)
	bumpMax(&e.maxInfer, active)
	defer e.inferActive.Add(-1)

	e.mu.Lock()
	delay := e.inferDelay
	inferErr := e.inferErr
	text := e.transcript
	e.mu.Unlock()

	emit(onStage, StageLoadingModel, 0.0)
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	emit(onStage, StageProcessingAudio, 0.33)
	if inferErr != nil {
		return "", inferErr
	}
	emit(onStage, StageFinalizing, 0.66)
	emit(onStage, StageComplete, 1.0)
	return text, nil
}

func (h *mockHandle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.engine.closes.Add(1)
	h.engine.openHandles.Add(-1)
	return nil
}

func bumpMax(max *atomic.Int32, candidate int32) {
	for {
		cur := max.Load()
		if candidate <= cur || max.CompareAndSwap(cur, candidate) {
			return
		}
	}
}
