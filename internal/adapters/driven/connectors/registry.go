package connectors

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// Ensure Registry implements the interface.
var _ driven.ConnectorRegistry = (*Registry)(nil)

// Builder creates a connector from its configuration.
type Builder func(cfg domain.ConnectorConfig) (driven.Connector, error)

// Registry builds connectors by type and resolves them by configured id.
// It maintains a map of Builders keyed by connector type.
type Registry struct {
	mu         sync.RWMutex
	builders   map[string]Builder
	connectors map[string]driven.Connector
	configs    []domain.ConnectorConfig
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:   make(map[string]Builder),
		connectors: make(map[string]driven.Connector),
	}
}

// RegisterType registers a builder for a connector type.
func (r *Registry) RegisterType(typ string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[typ] = builder
}

// Add builds a connector from cfg and registers it under cfg.ID.
func (r *Registry) Add(cfg domain.ConnectorConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("%w: connector id is required", domain.ErrInvalidInput)
	}

	r.mu.RLock()
	builder, ok := r.builders[cfg.Type]
	_, exists := r.connectors[cfg.ID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: connector type %q", domain.ErrUnsupported, cfg.Type)
	}
	if exists {
		return fmt.Errorf("connector %s: %w", cfg.ID, domain.ErrAlreadyExists)
	}

	connector, err := builder(cfg)
	if err != nil {
		return fmt.Errorf("build connector %s: %w", cfg.ID, err)
	}
	return r.Register(connector, cfg)
}

// Register adds an already built connector.
func (r *Registry) Register(connector driven.Connector, cfg domain.ConnectorConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[connector.ID()]; exists {
		return fmt.Errorf("connector %s: %w", connector.ID(), domain.ErrAlreadyExists)
	}
	cfg.ID = connector.ID()
	r.connectors[cfg.ID] = connector
	r.configs = append(r.configs, cfg)
	return nil
}

// Get returns the connector registered under id.
func (r *Registry) Get(id string) (driven.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrConnectorNotFound, id)
	}
	return c, nil
}

// Configs returns the configuration of every registered connector in registration order.
func (r *Registry) Configs() []domain.ConnectorConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.configs)
}

// SupportedTypes returns all registered connector types, sorted.
func (r *Registry) SupportedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.builders))
	for t := range r.builders {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Build creates a registry holding one connector per config.
func Build(ctx context.Context, builders map[string]Builder, configs []domain.ConnectorConfig) (*Registry, error) {
	r := NewRegistry()
	for typ, b := range builders {
		r.RegisterType(typ, b)
	}
	for _, cfg := range configs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.Add(cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}
