// Package lifecycle owns the single native engine handle. At most one model
// is resident at any time; loads, unloads, idle eviction, and inference all
// pass through the manager's lock.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ambiware-labs/murmur/internal/catalog"
	"github.com/ambiware-labs/murmur/internal/store"
	"github.com/ambiware-labs/murmur/internal/whisper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State of the managed handle.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateLoaded    State = "loaded"
	StateUnloading State = "unloading"
)

// LoadFailureError reports that the native engine rejected a model file.
type LoadFailureError struct {
	Variant catalog.Variant
	Cause   error
}

func (e *LoadFailureError) Error() string {
	return fmt.Sprintf("failed to load model %s: %v", e.Variant, e.Cause)
}

func (e *LoadFailureError) Unwrap() error { return e.Cause }

// Status is an observable snapshot of the manager.
type Status struct {
	State      State           `json:"state"`
	Variant    catalog.Variant `json:"variant,omitempty"`
	LoadedAt   time.Time       `json:"loaded_at,omitzero"`
	LastUsedAt time.Time       `json:"last_used_at,omitzero"`
}

// StatusFunc observes load/unload transitions.
type StatusFunc func(variant catalog.Variant, state State)

type Manager struct {
	engine   whisper.Engine
	st       *store.Store
	threads  int
	idle     time.Duration
	log      *slog.Logger
	clock    func() time.Time
	onStatus StatusFunc

	mu         sync.Mutex
	state      State
	handle     whisper.Handle
	variant    catalog.Variant
	loadedAt   time.Time
	lastUsedAt time.Time
	idleTimer  *time.Timer
	gen        uint64

	// snap mirrors the guarded state so status reads never wait behind an
	// in-flight inference holding mu.
	snap atomic.Pointer[Status]

	loadCount  metric.Int64Counter
	evictCount metric.Int64Counter
}

func NewManager(engine whisper.Engine, st *store.Store, threads int, idle time.Duration, log *slog.Logger) *Manager {
	meter := otel.Meter("github.com/ambiware-labs/murmur/lifecycle")
	loads, _ := meter.Int64Counter("murmur.model.loads")
	evictions, _ := meter.Int64Counter("murmur.model.idle_evictions")

	m := &Manager{
		engine:     engine,
		st:         st,
		threads:    threads,
		idle:       idle,
		log:        log.With(slog.String("component", "lifecycle")),
		clock:      time.Now,
		state:      StateUnloaded,
		loadCount:  loads,
		evictCount: evictions,
	}
	m.snap.Store(&Status{State: StateUnloaded})
	return m
}

// SetClock replaces the time source, used by tests.
func (m *Manager) SetClock(clock func() time.Time) { m.clock = clock }

// OnStatus registers a transition observer (e.g. a bus publisher).
func (m *Manager) OnStatus(fn StatusFunc) { m.onStatus = fn }

// EnsureLoaded makes variant the resident model. A same-variant call only
// refreshes the usage timestamp; a different variant is fully unloaded
// before the new one is opened. Downloads are never triggered here.
func (m *Manager) EnsureLoaded(ctx context.Context, v catalog.Variant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLoadedLocked(ctx, v)
}

func (m *Manager) ensureLoadedLocked(ctx context.Context, v catalog.Variant) error {
	if m.state == StateLoaded && m.variant == v {
		m.lastUsedAt = m.clock()
		m.scheduleIdleLocked()
		m.publishStatusLocked()
		return nil
	}

	m.unloadLocked()

	downloaded, err := m.st.IsDownloaded(v)
	if err != nil {
		return fmt.Errorf("check model %s: %w", v, err)
	}
	if !downloaded {
		return fmt.Errorf("model %s: %w", v, store.ErrNotDownloaded)
	}

	path, err := m.st.Path(v)
	if err != nil {
		return err
	}

	m.state = StateLoading
	m.publishStatusLocked()
	start := m.clock()
	handle, err := m.engine.Load(ctx, path)
	if err != nil {
		m.state = StateUnloaded
		m.publishStatusLocked()
		return &LoadFailureError{Variant: v, Cause: err}
	}

	m.handle = handle
	m.variant = v
	m.state = StateLoaded
	m.loadedAt = m.clock()
	m.lastUsedAt = m.loadedAt
	m.scheduleIdleLocked()
	m.publishStatusLocked()
	m.loadCount.Add(ctx, 1, metric.WithAttributes(attribute.String("variant", string(v))))
	m.log.Info("model loaded",
		slog.String("variant", string(v)),
		slog.Duration("elapsed", m.clock().Sub(start)))
	m.notify(v, StateLoaded)
	return nil
}

// Infer runs one transcription against the resident model, loading it first
// if needed. The lock is held for the duration, so inference never overlaps
// an unload or a second inference.
func (m *Manager) Infer(ctx context.Context, v catalog.Variant, samples []float32, onStage whisper.StageFunc) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoadedLocked(ctx, v); err != nil {
		return "", err
	}
	text, err := m.handle.Infer(ctx, samples, m.threads, onStage)
	if err != nil {
		return "", err
	}
	m.lastUsedAt = m.clock()
	m.scheduleIdleLocked()
	m.publishStatusLocked()
	return text, nil
}

// Unload releases the native resource. Calling it with nothing loaded is a
// no-op.
func (m *Manager) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unloadLocked()
}

// UnloadVariant releases the handle only if v is the resident model. The
// store calls this before deleting a model file.
func (m *Manager) UnloadVariant(v catalog.Variant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateLoaded && m.variant == v {
		m.unloadLocked()
	}
}

// Close releases the handle at shutdown.
func (m *Manager) Close() {
	m.Unload()
}

// Status returns an observable snapshot. It reads the published copy, so it
// stays responsive while an inference holds the manager lock.
func (m *Manager) Status() Status {
	return *m.snap.Load()
}

// LoadedVariant reports the resident variant, if any.
func (m *Manager) LoadedVariant() (catalog.Variant, bool) {
	s := m.snap.Load()
	if s.State == StateLoaded {
		return s.Variant, true
	}
	return "", false
}

func (m *Manager) unloadLocked() {
	m.gen++
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	if m.handle == nil {
		m.state = StateUnloaded
		m.publishStatusLocked()
		return
	}
	v := m.variant
	m.state = StateUnloading
	m.publishStatusLocked()
	if err := m.handle.Close(); err != nil {
		m.log.Warn("error closing model handle",
			slog.String("variant", string(v)),
			slog.String("error", err.Error()))
	}
	m.handle = nil
	m.variant = ""
	m.state = StateUnloaded
	m.publishStatusLocked()
	m.log.Info("model unloaded", slog.String("variant", string(v)))
	m.notify(v, StateUnloaded)
}

// publishStatusLocked refreshes the lock-free snapshot. Call with mu held.
func (m *Manager) publishStatusLocked() {
	s := Status{State: m.state}
	if m.state == StateLoaded {
		s.Variant = m.variant
		s.LoadedAt = m.loadedAt
		s.LastUsedAt = m.lastUsedAt
	}
	m.snap.Store(&s)
}

// scheduleIdleLocked arms the eviction timer, superseding any previous one.
// The generation counter keeps a timer that already fired but lost the lock
// race from evicting a model that was used in the meantime.
func (m *Manager) scheduleIdleLocked() {
	m.gen++
	gen := m.gen
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	if m.idle <= 0 {
		m.idleTimer = nil
		return
	}
	m.idleTimer = time.AfterFunc(m.idle, func() { m.expireIdle(gen) })
}

func (m *Manager) expireIdle(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != StateLoaded {
		return
	}
	v := m.variant
	m.evictCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("variant", string(v))))
	m.log.Info("idle timeout, evicting model", slog.String("variant", string(v)))
	m.unloadLocked()
}

func (m *Manager) notify(v catalog.Variant, state State) {
	if m.onStatus != nil {
		m.onStatus(v, state)
	}
}
