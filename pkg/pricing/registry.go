package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store persists published pricing versions. Implementations must never
// overwrite or delete a stored version.
type Store interface {
	// Save persists models atomically: either all are stored or none.
	Save(ctx context.Context, models []*Model) error

	// LoadAll returns every stored model.
	LoadAll(ctx context.Context) ([]*Model, error)

	// Close releases resources held by the store.
	Close() error
}

// HistoryEntry describes one version in the history of a component/action.
type HistoryEntry struct {
	Model *Model

	// SupersededBy is the next version for the same component and action,
	// or zero if this is the latest.
	SupersededBy uint64
}

// Registry resolves immutable pricing versions.
// It is safe for concurrent use. Publishing is the only mutation.
type Registry struct {
	mu         sync.RWMutex
	models     map[uint64]*Model
	byKey      map[modelKey][]*Model // ascending version
	components map[string]bool
	latest     uint64

	store      Store
	currencies CurrencyTable
	logger     *slog.Logger
}

type modelKey struct {
	component string
	action    string
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists published versions to s.
func WithStore(s Store) Option {
	return func(r *Registry) {
		r.store = s
	}
}

// WithCurrencies replaces the minor-unit table used to default precision.
func WithCurrencies(t CurrencyTable) Option {
	return func(r *Registry) {
		r.currencies = t
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		models:     make(map[uint64]*Model),
		byKey:      make(map[modelKey][]*Model),
		components: make(map[string]bool),
		currencies: DefaultCurrencies(),
		logger:     slog.Default().With("component", "pricing.registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads every version from the configured store into the registry.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	models, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sort.Slice(models, func(i, j int) bool { return models[i].Version < models[j].Version })
	for _, m := range models {
		if _, exists := r.models[m.Version]; exists {
			continue
		}
		r.insertLocked(m)
	}

	r.logger.Info("Loaded pricing versions", "count", len(models), "latest", r.latest)
	return nil
}

// Publish validates and publishes a single model.
func (r *Registry) Publish(ctx context.Context, m Model) (*Model, error) {
	published, err := r.PublishAll(ctx, []Model{m})
	if err != nil {
		return nil, err
	}
	return published[0], nil
}

// PublishAll publishes a set of models atomically. Versions must be new and
// greater than every version already published.
func (r *Registry) PublishAll(ctx context.Context, models []Model) ([]*Model, error) {
	if len(models) == 0 {
		return nil, nil
	}

	normalized := make([]*Model, 0, len(models))
	for _, m := range models {
		n, err := Normalize(m, r.currencies)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, n)
	}
	sort.Slice(normalized, func(i, j int) bool { return normalized[i].Version < normalized[j].Version })

	r.mu.Lock()
	defer r.mu.Unlock()

	floor := r.latest
	for i, m := range normalized {
		if _, exists := r.models[m.Version]; exists {
			return nil, NewDuplicateVersionError(m.Version)
		}
		if i > 0 && normalized[i-1].Version == m.Version {
			return nil, NewDuplicateVersionError(m.Version)
		}
		if m.Version <= floor {
			return nil, NewInvalidModelError(m.Version, "version",
				fmt.Sprintf("must be greater than the latest published version %d", floor))
		}
	}

	if r.store != nil {
		if err := r.store.Save(ctx, normalized); err != nil {
			return nil, err
		}
	}

	out := make([]*Model, 0, len(normalized))
	for _, m := range normalized {
		r.insertLocked(m)
		out = append(out, m.Clone())
		r.logger.Info("Published pricing version",
			"version", m.Version,
			"component", m.Component,
			"action", m.Action,
			"kind", m.Kind,
			"effective_from", m.EffectiveFrom,
		)
	}
	return out, nil
}

func (r *Registry) insertLocked(m *Model) {
	r.models[m.Version] = m
	k := modelKey{component: m.Component, action: m.Action}
	r.byKey[k] = append(r.byKey[k], m)
	sort.Slice(r.byKey[k], func(i, j int) bool { return r.byKey[k][i].Version < r.byKey[k][j].Version })
	r.components[m.Component] = true
	if m.Version > r.latest {
		r.latest = m.Version
	}
}

// Resolve returns the exact version.
func (r *Registry) Resolve(version uint64) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[version]
	if !ok {
		return nil, NewPricingVersionNotFoundError(version)
	}
	return m.Clone(), nil
}

// ResolveEffective returns the highest version effective at the given time
// for a component and action. A model for the exact action is preferred
// over a component-wide model.
func (r *Registry) ResolveEffective(component, action string, at time.Time) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if action != "" {
		if m := effectiveAt(r.byKey[modelKey{component, action}], at); m != nil {
			return m.Clone(), nil
		}
	}
	if m := effectiveAt(r.byKey[modelKey{component, ""}], at); m != nil {
		return m.Clone(), nil
	}
	return nil, NewNoApplicablePricingError(component, action, at, r.components[component])
}

// ResolveFor returns the model that prices usage of a component and action
// at a time: the pinned version when one is given, otherwise the version
// effective at that time.
func (r *Registry) ResolveFor(pinned uint64, component, action string, at time.Time) (*Model, error) {
	if pinned != 0 {
		return r.Resolve(pinned)
	}
	return r.ResolveEffective(component, action, at)
}

func effectiveAt(models []*Model, at time.Time) *Model {
	for i := len(models) - 1; i >= 0; i-- {
		if !models[i].EffectiveFrom.After(at) {
			return models[i]
		}
	}
	return nil
}

// Contains reports whether a version is published with identical content.
func (r *Registry) Contains(m *Model) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	existing, ok := r.models[m.Version]
	return ok && existing.Digest() == m.Digest()
}

// Latest returns the highest published version, or zero.
func (r *Registry) Latest() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// Versions returns every published model in ascending version order.
func (r *Registry) Versions() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// History returns the versions published for a component and action.
func (r *Registry) History(component, action string) []HistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := r.byKey[modelKey{component, action}]
	out := make([]HistoryEntry, len(models))
	for i, m := range models {
		out[i].Model = m.Clone()
		if i+1 < len(models) {
			out[i].SupersededBy = models[i+1].Version
		}
	}
	return out
}

// Currencies returns the registry's minor-unit table.
func (r *Registry) Currencies() CurrencyTable {
	return r.currencies
}
