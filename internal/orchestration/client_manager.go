package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"evalgo.org/katprep/internal/backend"
	"evalgo.org/katprep/internal/credentials"
	"evalgo.org/katprep/internal/metrics"
	"evalgo.org/katprep/models"
)

// ErrNoBackend is returned when a host needs a backend but neither its
// params nor the configuration name an address.
var ErrNoBackend = errors.New("no backend address configured")

// Dialer opens backend sessions. *backend.Registry implements it.
type Dialer interface {
	NewInventory(ctx context.Context, cfg backend.ConnectionConfig) (backend.InventoryClient, error)
	NewMonitoring(ctx context.Context, cfg backend.ConnectionConfig) (backend.MonitoringClient, error)
	NewVirtualization(ctx context.Context, cfg backend.ConnectionConfig) (backend.VirtualizationClient, error)
}

// CredentialSource resolves backend credentials. *credentials.Resolver implements it.
type CredentialSource interface {
	Resolve(ctx context.Context, purpose, address string) (credentials.Credential, error)
}

// Endpoint identifies one backend connection.
type Endpoint struct {
	Kind    backend.Kind
	Type    string
	Address string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%s/%s", e.Kind, e.Type, e.Address)
}

// BackendSettings are the configured defaults of one backend kind.
type BackendSettings struct {
	Type     string
	Address  string
	Insecure bool
	Timeout  time.Duration
}

// ManagerOptions configures a ClientManager.
type ManagerOptions struct {
	Inventory      BackendSettings
	Monitoring     BackendSettings
	Virtualization BackendSettings

	// RateLimit is passed to every connection (requests per second)
	RateLimit float64
}

type connection struct {
	once   sync.Once
	client interface{}
	raw    interface{}
	err    error
}

// ClientManager owns the backend clients of one run.
//
// Every endpoint is connected at most once and its credentials are resolved
// at most once, including failed attempts, which are remembered and returned
// to every later caller. Clients are wrapped so that calls on one endpoint
// are serialized.
//
// Thread-safe for concurrent access.
type ClientManager struct {
	dialer  Dialer
	creds   CredentialSource
	opts    ManagerOptions
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	conns map[Endpoint]*connection
}

// NewClientManager creates a new client manager. metrics may be nil.
func NewClientManager(dialer Dialer, creds CredentialSource, opts ManagerOptions, logger zerolog.Logger, m *metrics.Metrics) *ClientManager {
	return &ClientManager{
		dialer:  dialer,
		creds:   creds,
		opts:    opts,
		logger:  logger,
		metrics: m,
		conns:   make(map[Endpoint]*connection),
	}
}

// InventoryEndpoint returns the configured inventory backend.
func (m *ClientManager) InventoryEndpoint() (Endpoint, error) {
	s := m.opts.Inventory
	if s.Address == "" {
		return Endpoint{}, fmt.Errorf("%w: inventory", ErrNoBackend)
	}
	return Endpoint{Kind: backend.KindInventory, Type: s.Type, Address: s.Address}, nil
}

// MonitoringEndpoint returns the monitoring backend of host: katprep_mon and
// katprep_mon_type, falling back to the configured defaults.
func (m *ClientManager) MonitoringEndpoint(host *models.Host) (Endpoint, error) {
	return hostEndpoint(backend.KindMonitoring, m.opts.Monitoring,
		host.Param(models.ParamMon), host.Param(models.ParamMonType))
}

// VirtualizationEndpoint returns the virtualization backend of host:
// katprep_virt and katprep_virt_type, falling back to the configured defaults.
func (m *ClientManager) VirtualizationEndpoint(host *models.Host) (Endpoint, error) {
	return hostEndpoint(backend.KindVirtualization, m.opts.Virtualization,
		host.Param(models.ParamVirt), host.Param(models.ParamVirtType))
}

func hostEndpoint(kind backend.Kind, defaults BackendSettings, address, typ string) (Endpoint, error) {
	if address == "" {
		address = defaults.Address
	}
	if typ == "" {
		typ = defaults.Type
	}
	if address == "" {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNoBackend, kind)
	}
	return Endpoint{Kind: kind, Type: typ, Address: address}, nil
}

// Inventory returns the inventory client.
func (m *ClientManager) Inventory(ctx context.Context) (backend.InventoryClient, error) {
	ep, err := m.InventoryEndpoint()
	if err != nil {
		return nil, err
	}
	c, err := m.get(ctx, ep)
	if err != nil {
		return nil, err
	}
	return c.(backend.InventoryClient), nil
}

// Monitoring returns the monitoring client for host.
func (m *ClientManager) Monitoring(ctx context.Context, host *models.Host) (backend.MonitoringClient, error) {
	ep, err := m.MonitoringEndpoint(host)
	if err != nil {
		return nil, err
	}
	c, err := m.get(ctx, ep)
	if err != nil {
		return nil, err
	}
	return c.(backend.MonitoringClient), nil
}

// Virtualization returns the virtualization client for host.
func (m *ClientManager) Virtualization(ctx context.Context, host *models.Host) (backend.VirtualizationClient, error) {
	ep, err := m.VirtualizationEndpoint(host)
	if err != nil {
		return nil, err
	}
	c, err := m.get(ctx, ep)
	if err != nil {
		return nil, err
	}
	return c.(backend.VirtualizationClient), nil
}

// Preconnect connects all endpoints up front. Connection failures are
// remembered and surface per host; an unsupported API level aborts.
func (m *ClientManager) Preconnect(ctx context.Context, endpoints []Endpoint) error {
	for _, ep := range endpoints {
		if _, err := m.get(ctx, ep); err != nil && backend.IsFatal(err) {
			return fmt.Errorf("%s: %w", ep, err)
		}
	}
	return nil
}

// Count returns the number of endpoints attempted so far.
func (m *ClientManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *ClientManager) get(ctx context.Context, ep Endpoint) (interface{}, error) {
	m.mu.Lock()
	c, ok := m.conns[ep]
	if !ok {
		c = &connection{}
		m.conns[ep] = c
	}
	m.mu.Unlock()

	c.once.Do(func() {
		c.raw, c.err = m.dial(ctx, ep)
		if c.err == nil {
			c.client = serialize(ep.Kind, c.raw)
		}
		if m.metrics != nil {
			m.metrics.ObserveConnection(string(ep.Kind), c.err)
		}
	})
	return c.client, c.err
}

func (m *ClientManager) dial(ctx context.Context, ep Endpoint) (interface{}, error) {
	log := m.logger.With().
		Str("backend", string(ep.Kind)).
		Str("type", ep.Type).
		Str("address", ep.Address).
		Logger()

	cred, err := m.creds.Resolve(ctx, string(ep.Kind), ep.Address)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve credentials")
		return nil, fmt.Errorf("credentials for %s: %w", ep.Address, err)
	}

	settings := m.settings(ep.Kind)
	cfg := backend.ConnectionConfig{
		Type:      ep.Type,
		Address:   ep.Address,
		Username:  cred.Username,
		Password:  cred.Password,
		Insecure:  settings.Insecure,
		Timeout:   settings.Timeout,
		RateLimit: m.opts.RateLimit,
	}

	var client interface{}
	switch ep.Kind {
	case backend.KindInventory:
		client, err = m.dialer.NewInventory(ctx, cfg)
	case backend.KindMonitoring:
		client, err = m.dialer.NewMonitoring(ctx, cfg)
	case backend.KindVirtualization:
		client, err = m.dialer.NewVirtualization(ctx, cfg)
	default:
		err = fmt.Errorf("%w: kind %q", backend.ErrUnsupportedBackend, ep.Kind)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect backend")
		return nil, err
	}

	log.Debug().Msg("Connected backend")
	return client, nil
}

func (m *ClientManager) settings(kind backend.Kind) BackendSettings {
	switch kind {
	case backend.KindInventory:
		return m.opts.Inventory
	case backend.KindMonitoring:
		return m.opts.Monitoring
	default:
		return m.opts.Virtualization
	}
}

// Close ends all sessions and clears the manager.
func (m *ClientManager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoints := make([]Endpoint, 0, len(m.conns))
	for ep := range m.conns {
		endpoints = append(endpoints, ep)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].String() < endpoints[j].String() })

	var errs []error
	for _, ep := range endpoints {
		if closer, ok := m.conns[ep].raw.(backend.Closer); ok {
			if err := closer.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to close %s: %w", ep, err))
			}
		}
	}

	m.conns = make(map[Endpoint]*connection)
	return errors.Join(errs...)
}

func serialize(kind backend.Kind, client interface{}) interface{} {
	mu := &sync.Mutex{}
	switch kind {
	case backend.KindInventory:
		return &lockedInventory{mu: mu, c: client.(backend.InventoryClient)}
	case backend.KindMonitoring:
		return &lockedMonitoring{mu: mu, c: client.(backend.MonitoringClient)}
	default:
		return &lockedVirtualization{mu: mu, c: client.(backend.VirtualizationClient)}
	}
}

type lockedInventory struct {
	mu *sync.Mutex
	c  backend.InventoryClient
}

func (l *lockedInventory) IsRebootRequired(ctx context.Context, host *models.Host) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.IsRebootRequired(ctx, host)
}

func (l *lockedInventory) InstallPatches(ctx context.Context, host *models.Host) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.InstallPatches(ctx, host)
}

func (l *lockedInventory) InstallUpgrades(ctx context.Context, host *models.Host) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.InstallUpgrades(ctx, host)
}

func (l *lockedInventory) RebootHost(ctx context.Context, host *models.Host) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.RebootHost(ctx, host)
}

func (l *lockedInventory) ErrataTaskStatus(ctx context.Context, hostID string) ([]backend.TaskRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.ErrataTaskStatus(ctx, hostID)
}

func (l *lockedInventory) UpgradeTaskStatus(ctx context.Context, hostID string) ([]backend.TaskRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.UpgradeTaskStatus(ctx, hostID)
}

type lockedMonitoring struct {
	mu *sync.Mutex
	c  backend.MonitoringClient
}

func (l *lockedMonitoring) ScheduleDowntime(ctx context.Context, target models.MonitoringTarget, hours int, comment string) (backend.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.ScheduleDowntime(ctx, target, hours, comment)
}

func (l *lockedMonitoring) RemoveDowntime(ctx context.Context, target models.MonitoringTarget) (backend.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.RemoveDowntime(ctx, target)
}

func (l *lockedMonitoring) HasDowntime(ctx context.Context, target models.MonitoringTarget) (backend.Presence, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.HasDowntime(ctx, target)
}

func (l *lockedMonitoring) GetServices(ctx context.Context, target models.MonitoringTarget, onlyFailed bool) ([]backend.Service, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.GetServices(ctx, target, onlyFailed)
}

type lockedVirtualization struct {
	mu *sync.Mutex
	c  backend.VirtualizationClient
}

func (l *lockedVirtualization) CreateSnapshot(ctx context.Context, host *models.Host, title, description string) (backend.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.CreateSnapshot(ctx, host, title, description)
}

func (l *lockedVirtualization) RemoveSnapshot(ctx context.Context, host *models.Host, title string) (backend.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.RemoveSnapshot(ctx, host, title)
}

func (l *lockedVirtualization) RevertSnapshot(ctx context.Context, host *models.Host, title string) (backend.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.RevertSnapshot(ctx, host, title)
}

func (l *lockedVirtualization) HasSnapshot(ctx context.Context, host *models.Host, title string) (backend.Presence, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.HasSnapshot(ctx, host, title)
}
