// Package whisper abstracts the native speech-to-text engine. The lifecycle
// manager is the only component that opens or closes handles.
package whisper

import "context"

// SampleRate is the PCM rate every engine consumes. Callers must validate
// or resample before handing samples over.
const SampleRate = 16000

// Inference stage labels, reported in order with non-decreasing fractions.
const (
	StageLoadingModel    = "loading_model"
	StageProcessingAudio = "processing_audio"
	StageFinalizing      = "finalizing"
	StageComplete        = "complete"
)

// StageProgress reports coarse progress of one inference call.
type StageProgress struct {
	Stage    string
	Fraction float64 // 0.0 to 1.0
}

// StageFunc consumes stage progress. May be nil.
type StageFunc func(StageProgress)

// Handle is an open model instance. It is owned by exactly one caller and
// must be closed on every exit path.
type Handle interface {
	// Infer transcribes mono 16 kHz float32 samples.
	Infer(ctx context.Context, samples []float32, threads int, onStage StageFunc) (string, error)
	Close() error
}

// Engine opens model files into handles.
type Engine interface {
	Load(ctx context.Context, modelPath string) (Handle, error)
}

func emit(onStage StageFunc, stage string, fraction float64) {
	if onStage != nil {
		onStage(StageProgress{Stage: stage, Fraction: fraction})
	}
}
