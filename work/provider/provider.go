package provider

import (
	"context"
	"fmt"

	"eplustv/work/database"

	"github.com/puzpuzpuz/xsync/v3"
)

// EventData is a resolved playback target for a single entry.
type EventData struct {
	URL     string
	Headers map[string]string
}

// Provider is the boundary to one content source. The ~40 per-vendor
// auth/harvest integrations live behind this interface; the core only ever
// asks for a schedule or a playable URL.
type Provider interface {
	// Name returns the source id entries are namespaced under.
	Name() string

	// GetSchedule harvests upcoming events as unassigned entry rows.
	GetSchedule(ctx context.Context) ([]*database.EntryRow, error)

	// GetEventData resolves a playable URL and the headers required to
	// fetch it. An event that is scheduled but not yet live returns an
	// error; that is expected, not fatal.
	GetEventData(ctx context.Context, entryID string) (EventData, error)
}

// Registry holds the registered providers keyed by source id.
type Registry struct {
	providers *xsync.MapOf[string, Provider]
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: xsync.NewMapOf[string, Provider](),
	}
}

// Register adds a provider under its own name.
func (r *Registry) Register(p Provider) {
	r.providers.Store(p.Name(), p)
}

// Get returns the provider owning the given source id.
func (r *Registry) Get(source string) (Provider, error) {
	p, ok := r.providers.Load(source)
	if !ok {
		return nil, fmt.Errorf("no provider registered for source %q", source)
	}
	return p, nil
}

// Each calls fn for every registered provider.
func (r *Registry) Each(fn func(Provider)) {
	r.providers.Range(func(_ string, p Provider) bool {
		fn(p)
		return true
	})
}
