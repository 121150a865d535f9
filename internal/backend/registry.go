package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind names one of the three backend families.
type Kind string

const (
	KindInventory      Kind = "inventory"
	KindMonitoring     Kind = "monitoring"
	KindVirtualization Kind = "virtualization"
)

// ConnectionConfig is everything an adapter needs to open a session.
type ConnectionConfig struct {
	// Type selects the adapter (foreman, icinga2, vsphere, ...)
	Type string

	// Address is the backend host name or URL as written in the report
	Address string

	Username string
	Password string

	// Insecure disables TLS certificate verification
	Insecure bool

	// Timeout bounds each request; zero means no timeout
	Timeout time.Duration

	// RateLimit is the maximum requests per second; zero disables limiting
	RateLimit float64
}

type (
	InventoryConstructor      func(ctx context.Context, cfg ConnectionConfig) (InventoryClient, error)
	MonitoringConstructor     func(ctx context.Context, cfg ConnectionConfig) (MonitoringClient, error)
	VirtualizationConstructor func(ctx context.Context, cfg ConnectionConfig) (VirtualizationClient, error)
)

// Registry maps backend type names to adapter constructors.
//
// Thread-safe for concurrent access.
type Registry struct {
	mu             sync.RWMutex
	inventory      map[string]InventoryConstructor
	monitoring     map[string]MonitoringConstructor
	virtualization map[string]VirtualizationConstructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		inventory:      make(map[string]InventoryConstructor),
		monitoring:     make(map[string]MonitoringConstructor),
		virtualization: make(map[string]VirtualizationConstructor),
	}
}

// RegisterInventory registers an inventory adapter under one or more names.
func (r *Registry) RegisterInventory(ctor InventoryConstructor, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.inventory[normalize(n)] = ctor
	}
}

// RegisterMonitoring registers a monitoring adapter under one or more names.
func (r *Registry) RegisterMonitoring(ctor MonitoringConstructor, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.monitoring[normalize(n)] = ctor
	}
}

// RegisterVirtualization registers a virtualization adapter under one or more names.
func (r *Registry) RegisterVirtualization(ctor VirtualizationConstructor, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.virtualization[normalize(n)] = ctor
	}
}

// NewInventory connects an inventory client.
func (r *Registry) NewInventory(ctx context.Context, cfg ConnectionConfig) (InventoryClient, error) {
	r.mu.RLock()
	ctor, ok := r.inventory[normalize(cfg.Type)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: inventory type %q (available: %s)", ErrUnsupportedBackend, cfg.Type, names(r.inventory))
	}
	return ctor(ctx, cfg)
}

// NewMonitoring connects a monitoring client.
func (r *Registry) NewMonitoring(ctx context.Context, cfg ConnectionConfig) (MonitoringClient, error) {
	r.mu.RLock()
	ctor, ok := r.monitoring[normalize(cfg.Type)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: monitoring type %q (available: %s)", ErrUnsupportedBackend, cfg.Type, names(r.monitoring))
	}
	return ctor(ctx, cfg)
}

// NewVirtualization connects a virtualization client.
func (r *Registry) NewVirtualization(ctx context.Context, cfg ConnectionConfig) (VirtualizationClient, error) {
	r.mu.RLock()
	ctor, ok := r.virtualization[normalize(cfg.Type)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: virtualization type %q (available: %s)", ErrUnsupportedBackend, cfg.Type, names(r.virtualization))
	}
	return ctor(ctx, cfg)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func names[T any](m map[string]T) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, ", ")
}
