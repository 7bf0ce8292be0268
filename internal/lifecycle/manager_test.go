package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ambiware-labs/murmur/internal/catalog"
	"github.com/ambiware-labs/murmur/internal/store"
	"github.com/ambiware-labs/murmur/internal/whisper"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeModels lays down valid files for tiny and base, and nothing for small.
func newFixture(t *testing.T, idle time.Duration) (*Manager, *whisper.MockEngine, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	tiny := []byte("tiny weights")
	base := []byte("base weights")
	cat := catalog.New([]catalog.Metadata{
		{Variant: catalog.Tiny, FileName: "ggml-tiny.bin", SizeBytes: int64(len(tiny)), Checksum: digest(tiny)},
		{Variant: catalog.Base, FileName: "ggml-base.bin", SizeBytes: int64(len(base)), Checksum: digest(base)},
		{Variant: catalog.Small, FileName: "ggml-small.bin", SizeBytes: 10, Checksum: digest([]byte("absent"))},
	})
	if err := os.WriteFile(filepath.Join(dir, "ggml-tiny.bin"), tiny, 0o644); err != nil {
		t.Fatalf("write tiny: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ggml-base.bin"), base, 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}

	st := store.New(dir, cat, newLogger())
	engine := whisper.NewMockEngine()
	m := NewManager(engine, st, 1, idle, newLogger())
	t.Cleanup(m.Close)
	return m, engine, st
}

func TestEnsureLoadedAndReuse(t *testing.T) {
	m, engine, _ := newFixture(t, time.Minute)

	if err := m.EnsureLoaded(context.Background(), catalog.Tiny); err != nil {
		t.Fatalf("ensure tiny: %v", err)
	}
	if err := m.EnsureLoaded(context.Background(), catalog.Tiny); err != nil {
		t.Fatalf("ensure tiny again: %v", err)
	}
	if engine.Loads() != 1 {
		t.Fatalf("same variant must not reload, loads=%d", engine.Loads())
	}
	status := m.Status()
	if status.State != StateLoaded || status.Variant != catalog.Tiny {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSwitchVariantUnloadsFirst(t *testing.T) {
	m, engine, _ := newFixture(t, time.Minute)

	if err := m.EnsureLoaded(context.Background(), catalog.Tiny); err != nil {
		t.Fatalf("ensure tiny: %v", err)
	}
	if err := m.EnsureLoaded(context.Background(), catalog.Base); err != nil {
		t.Fatalf("ensure base: %v", err)
	}
	if engine.Loads() != 2 || engine.Closes() != 1 {
		t.Fatalf("expected 2 loads, 1 close; got %d/%d", engine.Loads(), engine.Closes())
	}
	if engine.MaxOpenHandles() != 1 {
		t.Fatalf("single-instance invariant violated: max open %d", engine.MaxOpenHandles())
	}
	if v, ok := m.LoadedVariant(); !ok || v != catalog.Base {
		t.Fatalf("expected base loaded, got %q ok=%v", v, ok)
	}
}

func TestEnsureLoadedNotDownloaded(t *testing.T) {
	m, engine, _ := newFixture(t, time.Minute)

	err := m.EnsureLoaded(context.Background(), catalog.Small)
	if !errors.Is(err, store.ErrNotDownloaded) {
		t.Fatalf("expected ErrNotDownloaded, got %v", err)
	}
	if engine.Loads() != 0 {
		t.Fatal("must not touch the engine for a missing model")
	}
	if m.Status().State != StateUnloaded {
		t.Fatalf("state should stay unloaded, got %s", m.Status().State)
	}
}

func TestLoadFailureLeavesUnloaded(t *testing.T) {
	m, engine, _ := newFixture(t, time.Minute)
	engine.FailLoads(errors.New("bad magic"))

	err := m.EnsureLoaded(context.Background(), catalog.Tiny)
	var loadErr *LoadFailureError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadFailureError, got %v", err)
	}
	if m.Status().State != StateUnloaded {
		t.Fatalf("state should be unloaded after failure, got %s", m.Status().State)
	}

	engine.FailLoads(nil)
	if err := m.EnsureLoaded(context.Background(), catalog.Tiny); err != nil {
		t.Fatalf("recovery load: %v", err)
	}
}

func TestIdleEviction(t *testing.T) {
	m, engine, _ := newFixture(t, 40*time.Millisecond)

	if _, err := m.Infer(context.Background(), catalog.Tiny, []float32{0}, nil); err != nil {
		t.Fatalf("infer: %v", err)
	}
	if m.Status().State != StateLoaded {
		t.Fatal("model should be loaded right after inference")
	}

	deadline := time.After(2 * time.Second)
	for m.Status().State != StateUnloaded {
		select {
		case <-deadline:
			t.Fatal("idle eviction never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if engine.Closes() != 1 {
		t.Fatalf("expected handle closed by eviction, closes=%d", engine.Closes())
	}

	// A later call transparently reloads.
	text, err := m.Infer(context.Background(), catalog.Tiny, []float32{0}, nil)
	if err != nil {
		t.Fatalf("infer after eviction: %v", err)
	}
	if text == "" {
		t.Fatal("expected transcript after reload")
	}
	if engine.Loads() != 2 {
		t.Fatalf("expected reload, loads=%d", engine.Loads())
	}
}

func TestInferResetsIdleTimer(t *testing.T) {
	m, _, _ := newFixture(t, 80*time.Millisecond)

	if _, err := m.Infer(context.Background(), catalog.Tiny, []float32{0}, nil); err != nil {
		t.Fatalf("infer: %v", err)
	}
	// Keep using the model at a cadence shorter than the idle window.
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		if _, err := m.Infer(context.Background(), catalog.Tiny, []float32{0}, nil); err != nil {
			t.Fatalf("infer %d: %v", i, err)
		}
	}
	if m.Status().State != StateLoaded {
		t.Fatal("active use must keep the model loaded")
	}
}

func TestUnloadIdempotent(t *testing.T) {
	m, engine, _ := newFixture(t, time.Minute)
	m.Unload()
	m.Unload()
	if engine.Closes() != 0 {
		t.Fatal("unload with nothing loaded should be a no-op")
	}

	if err := m.EnsureLoaded(context.Background(), catalog.Tiny); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	m.Unload()
	m.Unload()
	if engine.Closes() != 1 {
		t.Fatalf("expected exactly one close, got %d", engine.Closes())
	}
}

func TestStoreDeleteUnloadsLoadedVariant(t *testing.T) {
	m, engine, st := newFixture(t, time.Minute)
	st.AttachUnloader(m)

	if err := m.EnsureLoaded(context.Background(), catalog.Tiny); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := st.Delete(catalog.Tiny); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if engine.Closes() != 1 {
		t.Fatal("deleting the loaded variant must unload first")
	}
	if m.Status().State != StateUnloaded {
		t.Fatalf("expected unloaded after delete, got %s", m.Status().State)
	}
}

func TestStatusDoesNotBlockBehindInference(t *testing.T) {
	m, engine, _ := newFixture(t, time.Minute)
	engine.SetInferDelay(300 * time.Millisecond)

	if err := m.EnsureLoaded(context.Background(), catalog.Tiny); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := m.Infer(context.Background(), catalog.Tiny, []float32{0}, nil); err != nil {
			t.Errorf("infer: %v", err)
		}
	}()

	deadline := time.After(time.Second)
	for engine.Infers() == 0 {
		select {
		case <-deadline:
			t.Fatal("inference never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	start := time.Now()
	status := m.Status()
	variant, loaded := m.LoadedVariant()
	elapsed := time.Since(start)

	if elapsed > 100*time.Millisecond {
		t.Fatalf("status read waited %v behind an in-flight inference", elapsed)
	}
	if status.State != StateLoaded || status.Variant != catalog.Tiny {
		t.Fatalf("unexpected status during inference: %+v", status)
	}
	if !loaded || variant != catalog.Tiny {
		t.Fatalf("unexpected loaded variant during inference: %q %v", variant, loaded)
	}
	<-done
}
