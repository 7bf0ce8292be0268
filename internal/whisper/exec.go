package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/ambiware-labs/murmur/internal/audio"
	shellwords "github.com/mattn/go-shellwords"
)

// execEngine shells out to a whisper-cli style binary. Useful where cgo is
// unavailable; the binary receives a wav path and prints {"text": ...}.
type execEngine struct {
	cmd        []string
	language   string
	sampleRate int
}

type execOutput struct {
	Text string `json:"text"`
}

// NewExecEngine parses command into argv once at construction.
func NewExecEngine(command, language string, sampleRate int) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &execEngine{cmd: args, language: language, sampleRate: sampleRate}, nil
}

func (e *execEngine) Load(_ context.Context, modelPath string) (Handle, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	return &execHandle{engine: e, modelPath: modelPath}, nil
}

type execHandle struct {
	engine    *execEngine
	modelPath string
}

func (h *execHandle) Infer(ctx context.Context, samples []float32, threads int, onStage StageFunc) (string, error) {
	emit(onStage, StageLoadingModel, 0.0)

	file, err := os.CreateTemp("", "murmur_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, samples, h.engine.sampleRate); err != nil {
		return "", err
	}

	args := append([]string{}, h.engine.cmd[1:]...)
	args = append(args, "--model", h.modelPath, "--audio", file.Name())
	if h.engine.language != "" {
		args = append(args, "--language", h.engine.language)
	}
	if threads > 0 {
		args = append(args, "--threads", strconv.Itoa(threads))
	}

	emit(onStage, StageProcessingAudio, 0.33)
	command := exec.CommandContext(ctx, h.engine.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return "", fmt.Errorf("engine command failed: %w: %s", err, stderr.String())
	}

	emit(onStage, StageFinalizing, 0.66)
	var out execOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return "", fmt.Errorf("decode engine output: %w", err)
	}
	emit(onStage, StageComplete, 1.0)
	return out.Text, nil
}

// Close is a no-op; the external process holds no persistent state.
func (h *execHandle) Close() error { return nil }
