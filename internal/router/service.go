package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ambiware-labs/murmur/internal/audio"
	"github.com/ambiware-labs/murmur/internal/bus"
	"github.com/ambiware-labs/murmur/internal/lifecycle"
	"github.com/ambiware-labs/murmur/internal/protocol"
	"github.com/ambiware-labs/murmur/internal/queue"
	"github.com/ambiware-labs/murmur/internal/remote"
	"github.com/ambiware-labs/murmur/internal/settings"
	"github.com/ambiware-labs/murmur/internal/whisper"
)

const (
	ProviderLocal  = "local"
	ProviderRemote = "remote"
)

// Result is the normalized transcription outcome. Callers never branch on
// which provider produced it beyond reading Provider for display.
type Result struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	DurationMS int64  `json:"duration_ms"`
	Provider   string `json:"provider"`
}

// Recorder persists finished transcriptions and fallback switches.
type Recorder interface {
	SaveTranscript(ctx context.Context, t protocol.TranscriptReady) error
	SaveFallback(ctx context.Context, ev protocol.FallbackEvent) error
}

// FallbackFunc observes provider switches. Subscribers are registered
// explicitly; there is no ambient broadcast.
type FallbackFunc func(ev protocol.FallbackEvent)

// Service routes transcription requests between the local whisper pipeline
// and the remote service, retrying remotely on local failure when enabled.
type Service struct {
	provider settings.Provider
	manager  *lifecycle.Manager
	q        *queue.Queue
	remote   remote.Transcriber
	bus      *bus.Client
	recorder Recorder
	logger   *slog.Logger
	clock    func() time.Time

	mu          sync.Mutex
	subscribers []FallbackFunc

	transcriptions metric.Int64Counter
	fallbacks      metric.Int64Counter
}

func NewService(provider settings.Provider, manager *lifecycle.Manager, q *queue.Queue, rt remote.Transcriber, busClient *bus.Client, logger *slog.Logger) *Service {
	meter := otel.Meter("github.com/ambiware-labs/murmur/router")
	transcriptions, _ := meter.Int64Counter("murmur.transcriptions.completed")
	fallbacks, _ := meter.Int64Counter("murmur.transcriptions.fallbacks")
	return &Service{
		provider:       provider,
		manager:        manager,
		q:              q,
		remote:         rt,
		bus:            busClient,
		logger:         logger.With(slog.String("component", "router")),
		clock:          time.Now,
		transcriptions: transcriptions,
		fallbacks:      fallbacks,
	}
}

// SetRecorder attaches a history sink. Optional.
func (s *Service) SetRecorder(r Recorder) { s.recorder = r }

// SetClock overrides time for tests.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// OnFallback registers a subscriber for provider-switch events.
func (s *Service) OnFallback(fn FallbackFunc) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

// Transcribe converts one WAV payload to text. The settings snapshot is
// re-read per call so method changes take effect between requests.
func (s *Service) Transcribe(ctx context.Context, wavData []byte, onStage whisper.StageFunc) (Result, error) {
	id := uuid.NewString()
	start := s.clock()
	snap := s.provider.Transcription()

	if snap.Method == settings.MethodRemote {
		text, err := s.transcribeRemote(ctx, wavData)
		if err != nil {
			return Result{}, err
		}
		return s.finish(ctx, id, text, start, ProviderRemote), nil
	}

	text, localErr := s.transcribeLocal(ctx, snap, wavData, onStage)
	if localErr == nil {
		return s.finish(ctx, id, text, start, ProviderLocal), nil
	}

	if !snap.EnableFallback {
		return Result{}, fmt.Errorf("local transcription: %w", localErr)
	}

	s.emitFallback(ctx, id, localErr)
	text, remoteErr := s.transcribeRemote(ctx, wavData)
	if remoteErr != nil {
		return Result{}, errors.Join(
			fmt.Errorf("local transcription: %w", localErr),
			fmt.Errorf("remote fallback: %w", remoteErr),
		)
	}
	return s.finish(ctx, id, text, start, ProviderRemote), nil
}

func (s *Service) transcribeLocal(ctx context.Context, snap settings.Transcription, wavData []byte, onStage whisper.StageFunc) (string, error) {
	clip, err := audio.DecodeWAV(wavData)
	if err != nil {
		return "", fmt.Errorf("decode audio: %w", err)
	}
	if clip.SampleRate != whisper.SampleRate {
		return "", &audio.UnsupportedRateError{Got: clip.SampleRate, Want: whisper.SampleRate}
	}
	if err := s.manager.EnsureLoaded(ctx, snap.LocalVariant); err != nil {
		return "", err
	}
	return s.q.Enqueue(ctx, queue.Request{
		Variant: snap.LocalVariant,
		Samples: clip.Samples,
		OnStage: onStage,
	})
}

func (s *Service) transcribeRemote(ctx context.Context, wavData []byte) (string, error) {
	if s.remote == nil {
		return "", errors.New("remote transcription is not configured")
	}
	return s.remote.Transcribe(ctx, wavData)
}

func (s *Service) finish(ctx context.Context, id, text string, start time.Time, provider string) Result {
	res := Result{
		ID:         id,
		Text:       text,
		DurationMS: s.clock().Sub(start).Milliseconds(),
		Provider:   provider,
	}
	s.transcriptions.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))

	ready := protocol.TranscriptReady{
		RequestID:  res.ID,
		Text:       res.Text,
		Provider:   res.Provider,
		DurationMS: res.DurationMS,
		Timestamp:  s.clock().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptReady, ready); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
	if s.recorder != nil {
		if err := s.recorder.SaveTranscript(ctx, ready); err != nil {
			s.logger.Warn("failed to record transcript", slogError(err))
		}
	}
	return res
}

func (s *Service) emitFallback(ctx context.Context, id string, cause error) {
	ev := protocol.FallbackEvent{
		RequestID: id,
		Reason:    cause.Error(),
		From:      ProviderLocal,
		To:        ProviderRemote,
		Timestamp: s.clock().UTC(),
	}
	s.logger.Warn("falling back to remote transcription",
		slog.String("request_id", ev.RequestID),
		slog.String("reason", ev.Reason))
	s.fallbacks.Add(ctx, 1)

	if err := s.bus.PublishJSON(protocol.SubjectFallback, ev); err != nil {
		s.logger.Warn("failed to publish fallback event", slogError(err))
	}
	if s.recorder != nil {
		if err := s.recorder.SaveFallback(ctx, ev); err != nil {
			s.logger.Warn("failed to record fallback event", slogError(err))
		}
	}

	s.mu.Lock()
	subs := make([]FallbackFunc, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
