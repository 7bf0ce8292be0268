package settings

import (
	"sync"

	"github.com/ambiware-labs/murmur/internal/catalog"
	"github.com/ambiware-labs/murmur/internal/config"
)

// Method selects the transcription path.
type Method string

const (
	MethodLocal  Method = "local"
	MethodRemote Method = "remote"
)

// Transcription is a read-only view of the user's transcription preferences.
// The core never writes these back anywhere.
type Transcription struct {
	Method           Method
	LocalVariant     catalog.Variant
	EnableFallback   bool
	StorageDirectory string
}

// Provider hands out the current settings snapshot. The router re-reads it
// on every request so an external owner can change settings between calls.
type Provider interface {
	Transcription() Transcription
}

type staticProvider struct {
	mu   sync.RWMutex
	snap Transcription
}

// FromConfig builds a provider seeded from the loaded configuration.
func FromConfig(cfg *config.Config) Provider {
	return &staticProvider{snap: Transcription{
		Method:           Method(cfg.Transcription.Method),
		LocalVariant:     catalog.Variant(cfg.Transcription.LocalVariant),
		EnableFallback:   cfg.Transcription.EnableFallback,
		StorageDirectory: cfg.Models.Directory,
	}}
}

// Static wraps a fixed snapshot, mostly for tests.
func Static(snap Transcription) Provider {
	return &staticProvider{snap: snap}
}

func (p *staticProvider) Transcription() Transcription {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Update replaces the snapshot. The concrete type is exported through
// UpdatableProvider so the runtime can apply live changes.
func (p *staticProvider) Update(snap Transcription) {
	p.mu.Lock()
	p.snap = snap
	p.mu.Unlock()
}

// UpdatableProvider is a Provider whose snapshot can be swapped at runtime.
type UpdatableProvider interface {
	Provider
	Update(Transcription)
}

var _ UpdatableProvider = (*staticProvider)(nil)
