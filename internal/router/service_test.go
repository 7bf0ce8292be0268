package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ambiware-labs/murmur/internal/audio"
	"github.com/ambiware-labs/murmur/internal/catalog"
	"github.com/ambiware-labs/murmur/internal/lifecycle"
	"github.com/ambiware-labs/murmur/internal/protocol"
	"github.com/ambiware-labs/murmur/internal/queue"
	"github.com/ambiware-labs/murmur/internal/settings"
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

func wavFixture(t *testing.T) []byte {
	return wavFixtureRate(t, 16000)
}

func wavFixtureRate(t *testing.T, sampleRate int) []byte {
	t.Helper()
	samples := make([]float32, 800)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 220 * float64(i) / float64(sampleRate)))
	}
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := audio.WriteWAV(f, samples, sampleRate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

type fakeRemote struct {
	text  string
	err   error
	calls atomic.Int32
}

func (r *fakeRemote) Transcribe(_ context.Context, _ []byte) (string, error) {
	r.calls.Add(1)
	if r.err != nil {
		return "", r.err
	}
	return r.text, nil
}

func (r *fakeRemote) IsAvailable(context.Context) bool { return r.err == nil }

type memoryRecorder struct {
	transcripts []protocol.TranscriptReady
	fallbacks   []protocol.FallbackEvent
}

func (m *memoryRecorder) SaveTranscript(_ context.Context, t protocol.TranscriptReady) error {
	m.transcripts = append(m.transcripts, t)
	return nil
}

func (m *memoryRecorder) SaveFallback(_ context.Context, ev protocol.FallbackEvent) error {
	m.fallbacks = append(m.fallbacks, ev)
	return nil
}

type fixture struct {
	svc    *Service
	engine *whisper.MockEngine
	remote *fakeRemote
	rec    *memoryRecorder
}

func newFixture(t *testing.T, snap settings.Transcription) *fixture {
	t.Helper()
	dir := t.TempDir()
	weights := []byte("tiny weights")
	cat := catalog.New([]catalog.Metadata{
		{Variant: catalog.Tiny, FileName: "ggml-tiny.bin", SizeBytes: int64(len(weights)), Checksum: digest(weights)},
		{Variant: catalog.Base, FileName: "ggml-base.bin", SizeBytes: 10, Checksum: digest([]byte("absent"))},
	})
	if err := os.WriteFile(filepath.Join(dir, "ggml-tiny.bin"), weights, 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}

	st := store.New(dir, cat, newLogger())
	engine := whisper.NewMockEngine()
	engine.SetTranscript("local words")
	manager := lifecycle.NewManager(engine, st, 1, time.Minute, newLogger())
	t.Cleanup(manager.Close)

	q := queue.New(context.Background(), func(ctx context.Context, req queue.Request) (string, error) {
		return manager.Infer(ctx, req.Variant, req.Samples, req.OnStage)
	}, newLogger())
	t.Cleanup(q.Close)

	rt := &fakeRemote{text: "remote words"}
	rec := &memoryRecorder{}
	if snap.LocalVariant == "" {
		snap.LocalVariant = catalog.Tiny
	}
	svc := NewService(settings.Static(snap), manager, q, rt, nil, newLogger())
	svc.SetRecorder(rec)
	return &fixture{svc: svc, engine: engine, remote: rt, rec: rec}
}

func TestLocalTranscription(t *testing.T) {
	fx := newFixture(t, settings.Transcription{Method: settings.MethodLocal})

	res, err := fx.svc.Transcribe(context.Background(), wavFixture(t), nil)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Provider != ProviderLocal {
		t.Fatalf("expected local provider, got %q", res.Provider)
	}
	if res.Text != "local words" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.ID == "" {
		t.Fatal("result must carry a request id")
	}
	if fx.remote.calls.Load() != 0 {
		t.Fatal("remote must not be touched on a local success")
	}
	if len(fx.rec.transcripts) != 1 || fx.rec.transcripts[0].Provider != ProviderLocal {
		t.Fatalf("transcript not recorded: %+v", fx.rec.transcripts)
	}
}

func TestRemoteMethodSkipsLocal(t *testing.T) {
	fx := newFixture(t, settings.Transcription{Method: settings.MethodRemote})

	res, err := fx.svc.Transcribe(context.Background(), wavFixture(t), nil)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Provider != ProviderRemote || res.Text != "remote words" {
		t.Fatalf("unexpected result %+v", res)
	}
	if fx.engine.Loads() != 0 {
		t.Fatal("local engine must stay untouched in remote mode")
	}
}

func TestFallbackOnLoadFailure(t *testing.T) {
	fx := newFixture(t, settings.Transcription{Method: settings.MethodLocal, EnableFallback: true})
	fx.engine.FailLoads(errors.New("model file truncated"))

	var events []protocol.FallbackEvent
	fx.svc.OnFallback(func(ev protocol.FallbackEvent) { events = append(events, ev) })

	res, err := fx.svc.Transcribe(context.Background(), wavFixture(t), nil)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Provider != ProviderRemote || res.Text != "remote words" {
		t.Fatalf("expected remote result, got %+v", res)
	}
	if got := fx.remote.calls.Load(); got != 1 {
		t.Fatalf("remote must be invoked exactly once, got %d", got)
	}
	if len(events) != 1 {
		t.Fatalf("expected one fallback event, got %d", len(events))
	}
	ev := events[0]
	if ev.Reason == "" || ev.Timestamp.IsZero() {
		t.Fatalf("fallback event must carry reason and timestamp: %+v", ev)
	}
	if ev.From != ProviderLocal || ev.To != ProviderRemote {
		t.Fatalf("unexpected event direction %+v", ev)
	}
	if len(fx.rec.fallbacks) != 1 {
		t.Fatalf("fallback not recorded: %+v", fx.rec.fallbacks)
	}
}

func TestFallbackDisabledPropagatesError(t *testing.T) {
	fx := newFixture(t, settings.Transcription{Method: settings.MethodLocal, EnableFallback: false})
	fx.engine.FailLoads(errors.New("model file truncated"))

	_, err := fx.svc.Transcribe(context.Background(), wavFixture(t), nil)
	if err == nil {
		t.Fatal("expected error with fallback disabled")
	}
	var loadErr *lifecycle.LoadFailureError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected load failure, got %v", err)
	}
	if fx.remote.calls.Load() != 0 {
		t.Fatal("remote must not be invoked with fallback disabled")
	}
}

func TestBothProvidersFailingCombinesErrors(t *testing.T) {
	fx := newFixture(t, settings.Transcription{Method: settings.MethodLocal, EnableFallback: true})
	localCause := errors.New("model file truncated")
	remoteCause := errors.New("remote unreachable")
	fx.engine.FailLoads(localCause)
	fx.remote.err = remoteCause

	_, err := fx.svc.Transcribe(context.Background(), wavFixture(t), nil)
	if err == nil {
		t.Fatal("expected combined error")
	}
	if !errors.Is(err, remoteCause) {
		t.Fatalf("combined error should carry the remote cause: %v", err)
	}
	var loadErr *lifecycle.LoadFailureError
	if !errors.As(err, &loadErr) {
		t.Fatalf("combined error should carry the local cause: %v", err)
	}
}

func TestNotDownloadedVariantFallsBack(t *testing.T) {
	fx := newFixture(t, settings.Transcription{
		Method:         settings.MethodLocal,
		LocalVariant:   catalog.Base, // no file on disk
		EnableFallback: true,
	})

	res, err := fx.svc.Transcribe(context.Background(), wavFixture(t), nil)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Provider != ProviderRemote {
		t.Fatalf("expected remote fallback, got %+v", res)
	}
	if fx.engine.Loads() != 0 {
		t.Fatal("missing model must fail before the engine is opened")
	}
}

func TestMismatchedSampleRateRejected(t *testing.T) {
	fx := newFixture(t, settings.Transcription{Method: settings.MethodLocal, EnableFallback: false})

	_, err := fx.svc.Transcribe(context.Background(), wavFixtureRate(t, 8000), nil)
	if err == nil {
		t.Fatal("expected error for 8 kHz payload")
	}
	var rateErr *audio.UnsupportedRateError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected sample rate error, got %v", err)
	}
	if rateErr.Got != 8000 || rateErr.Want != 16000 {
		t.Fatalf("error should carry both rates: %+v", rateErr)
	}
	if fx.engine.Loads() != 0 {
		t.Fatal("mismatched rate must be rejected before the engine is opened")
	}
}

func TestMismatchedSampleRateFallsBack(t *testing.T) {
	fx := newFixture(t, settings.Transcription{Method: settings.MethodLocal, EnableFallback: true})

	res, err := fx.svc.Transcribe(context.Background(), wavFixtureRate(t, 44100), nil)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Provider != ProviderRemote {
		t.Fatalf("expected remote fallback for unsupported rate, got %+v", res)
	}
	if fx.engine.Infers() != 0 {
		t.Fatal("engine must never see off-rate samples")
	}
}

func TestGarbageAudioFailsLocally(t *testing.T) {
	fx := newFixture(t, settings.Transcription{Method: settings.MethodLocal, EnableFallback: false})

	_, err := fx.svc.Transcribe(context.Background(), []byte("not a wav"), nil)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if fx.engine.Loads() != 0 {
		t.Fatal("undecodable audio must not load the model")
	}
}
