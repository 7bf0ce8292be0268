//go:build whisper_cpp

package whisper

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"

	ggml "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// nativeEngine wraps the whisper.cpp cgo bindings. Build with
// -tags whisper_cpp and the whisper.cpp library available.
type nativeEngine struct {
	language string
}

// NewNativeEngine returns the cgo-backed engine.
func NewNativeEngine(language string) (Engine, error) {
	return &nativeEngine{language: language}, nil
}

func (e *nativeEngine) Load(_ context.Context, modelPath string) (Handle, error) {
	model, err := ggml.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", modelPath, err)
	}
	return &nativeHandle{model: model, language: e.language}, nil
}

type nativeHandle struct {
	model    ggml.Model
	language string
}

func (h *nativeHandle) Infer(ctx context.Context, samples []float32, threads int, onStage StageFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	emit(onStage, StageLoadingModel, 0.0)

	wctx, err := h.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	wctx.SetThreads(uint(threads))
	if h.language != "" {
		if err := wctx.SetLanguage(h.language); err != nil {
			return "", fmt.Errorf("set language %q: %w", h.language, err)
		}
	}

	emit(onStage, StageProcessingAudio, 0.33)
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}

	emit(onStage, StageFinalizing, 0.66)
	var segments []string
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read segment: %w", err)
		}
		segments = append(segments, seg.Text)
	}

	emit(onStage, StageComplete, 1.0)
	return strings.TrimSpace(strings.Join(segments, " ")), nil
}

func (h *nativeHandle) Close() error {
	if h.model == nil {
		return nil
	}
	err := h.model.Close()
	h.model = nil
	return err
}
