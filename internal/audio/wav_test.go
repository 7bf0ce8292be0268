package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteThenDecode(t *testing.T) {
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 16000))
	}

	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := WriteWAV(f, samples, 16000); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	clip, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if clip.SampleRate != 16000 {
		t.Fatalf("expected 16kHz, got %d", clip.SampleRate)
	}
	if len(clip.Samples) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(clip.Samples))
	}
	for i := 0; i < len(samples); i += 100 {
		if diff := math.Abs(float64(clip.Samples[i] - samples[i])); diff > 0.001 {
			t.Fatalf("sample %d off by %f", i, diff)
		}
	}
	if clip.DurationMS() != 100 {
		t.Fatalf("expected 100ms clip, got %d", clip.DurationMS())
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeWAV([]byte("definitely not riff data")); err == nil {
		t.Fatal("expected error for non-wav payload")
	}
}
