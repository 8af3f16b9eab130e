package instrument

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Logger defines the logging interface used by the Catalog.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Catalog provides instrument management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating CRUD operations.
//
// All public methods are thread-safe.
type Catalog struct {
	repo    Repository
	cache   map[string]*Instrument // Cached instruments by ID
	byName  map[string]string      // Name to ID index
	cacheMu sync.RWMutex           // Protects cache and byName
	logger  Logger
}

// NewCatalog creates a new instrument catalogue.
// The repository is used for persistence; the catalogue adds caching.
func NewCatalog(repo Repository) *Catalog {
	return &Catalog{
		repo:   repo,
		cache:  make(map[string]*Instrument),
		byName: make(map[string]string),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the catalogue.
func (c *Catalog) SetLogger(logger Logger) {
	c.logger = logger
}

// RefreshCache reloads all instruments from the repository into the cache.
// This should be called on application startup.
func (c *Catalog) RefreshCache(ctx context.Context) error {
	instruments, err := c.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading instruments: %w", err)
	}

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	c.cache = make(map[string]*Instrument, len(instruments))
	c.byName = make(map[string]string, len(instruments))
	for i := range instruments {
		inst := instruments[i]
		c.cache[inst.ID] = inst.DeepCopy()
		c.byName[inst.Name] = inst.ID
	}

	c.logger.Info("instrument cache refreshed", "count", len(instruments))
	return nil
}

// Get retrieves an instrument by ID.
// Returns ErrNotFound if the instrument does not exist.
// The returned instrument is a deep copy; callers can safely modify it.
func (c *Catalog) Get(ctx context.Context, id string) (*Instrument, error) {
	c.cacheMu.RLock()
	cached, ok := c.cache[id]
	c.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	inst, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	c.cache[inst.ID] = inst.DeepCopy()
	c.byName[inst.Name] = inst.ID
	c.cacheMu.Unlock()

	return inst, nil
}

// GetByName retrieves an instrument by its unique name.
// Returns ErrNotFound if the instrument does not exist.
// The returned instrument is a deep copy; callers can safely modify it.
func (c *Catalog) GetByName(ctx context.Context, name string) (*Instrument, error) {
	c.cacheMu.RLock()
	id, ok := c.byName[name]
	var cached *Instrument
	if ok {
		cached = c.cache[id]
	}
	c.cacheMu.RUnlock()

	if cached != nil {
		return cached.DeepCopy(), nil
	}

	inst, err := c.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	c.cache[inst.ID] = inst.DeepCopy()
	c.byName[inst.Name] = inst.ID
	c.cacheMu.Unlock()

	return inst, nil
}

// List retrieves all instruments.
// The returned instruments are deep copies; callers can safely modify them.
func (c *Catalog) List(ctx context.Context) ([]Instrument, error) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	if len(c.cache) > 0 {
		instruments := make([]Instrument, 0, len(c.cache))
		for _, inst := range c.cache {
			instruments = append(instruments, *inst.DeepCopy())
		}
		return instruments, nil
	}

	return c.repo.List(ctx)
}

// ListByKind retrieves all instruments of a specific driver kind.
// The returned instruments are deep copies; callers can safely modify them.
func (c *Catalog) ListByKind(ctx context.Context, kind Kind) ([]Instrument, error) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	if len(c.cache) > 0 {
		var instruments []Instrument
		for _, inst := range c.cache {
			if inst.Kind == kind {
				instruments = append(instruments, *inst.DeepCopy())
			}
		}
		return instruments, nil
	}

	return c.repo.ListByKind(ctx, kind)
}

// Create creates a new instrument.
// It validates the instrument, generates an ID if needed, and persists it.
func (c *Catalog) Create(ctx context.Context, inst *Instrument) error {
	if inst != nil && inst.ID == "" {
		inst.ID = GenerateID()
	}

	if err := Validate(inst); err != nil {
		return err
	}

	if err := c.repo.Create(ctx, inst); err != nil {
		return err
	}

	c.cacheMu.Lock()
	c.cache[inst.ID] = inst.DeepCopy()
	c.byName[inst.Name] = inst.ID
	c.cacheMu.Unlock()

	c.logger.Info("instrument created", "id", inst.ID, "name", inst.Name, "kind", inst.Kind)
	return nil
}

// Update updates an existing instrument.
// It validates the instrument and persists the changes.
func (c *Catalog) Update(ctx context.Context, inst *Instrument) error {
	if err := Validate(inst); err != nil {
		return err
	}

	existing, err := c.Get(ctx, inst.ID)
	if err != nil {
		return err
	}

	if err := c.repo.Update(ctx, inst); err != nil {
		return err
	}

	c.cacheMu.Lock()
	if existing.Name != inst.Name {
		delete(c.byName, existing.Name)
	}
	c.cache[inst.ID] = inst.DeepCopy()
	c.byName[inst.Name] = inst.ID
	c.cacheMu.Unlock()

	c.logger.Info("instrument updated", "id", inst.ID, "name", inst.Name)
	return nil
}

// Delete removes an instrument.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if err := c.repo.Delete(ctx, id); err != nil {
		return err
	}

	c.cacheMu.Lock()
	if cached, ok := c.cache[id]; ok {
		delete(c.byName, cached.Name)
		delete(c.cache, id)
	}
	c.cacheMu.Unlock()

	c.logger.Info("instrument deleted", "id", id)
	return nil
}

// Count returns the number of cached instruments.
func (c *Catalog) Count() int {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return len(c.cache)
}

// SeedEntry describes one instrument from config.yaml.
type SeedEntry struct {
	Name     string
	Kind     string
	Settings map[string]any
}

// Seed upserts config-declared instruments into the catalogue.
//
// Entries that do not exist are created. Entries that exist have their
// kind and settings updated so config.yaml stays authoritative for
// connection parameters. Instruments created through other paths are
// left untouched.
func (c *Catalog) Seed(ctx context.Context, entries []SeedEntry) error {
	for _, e := range entries {
		existing, err := c.GetByName(ctx, e.Name)
		switch {
		case err == nil:
			existing.Kind = Kind(e.Kind)
			existing.Settings = deepCopyMap(e.Settings)
			if err := c.Update(ctx, existing); err != nil {
				return fmt.Errorf("updating seeded instrument %q: %w", e.Name, err)
			}
		case errors.Is(err, ErrNotFound):
			inst := &Instrument{
				Name:     e.Name,
				Kind:     Kind(e.Kind),
				Settings: deepCopyMap(e.Settings),
				Enabled:  true,
			}
			if err := c.Create(ctx, inst); err != nil {
				return fmt.Errorf("creating seeded instrument %q: %w", e.Name, err)
			}
		default:
			return fmt.Errorf("looking up seeded instrument %q: %w", e.Name, err)
		}
	}
	return nil
}
