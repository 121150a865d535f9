package orchestration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"evalgo.org/katprep/internal/backend"
	"evalgo.org/katprep/internal/credentials"
	"evalgo.org/katprep/internal/report"
	"evalgo.org/katprep/models"
)

var reportDate = time.Date(2024, 3, 15, 10, 0, 0, 0, time.Local)

type fakeVirt struct {
	mu        sync.Mutex
	snapshots map[string]bool
	created   []string
	reverted  []string
	removed   []string
	err       error
	closed    bool
}

func newFakeVirt() *fakeVirt { return &fakeVirt{snapshots: map[string]bool{}} }

func (f *fakeVirt) CreateSnapshot(_ context.Context, host *models.Host, title, description string) (backend.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	key := host.VirtualisationID() + "/" + title
	if f.snapshots[key] {
		return backend.AlreadyExists, nil
	}
	f.snapshots[key] = true
	f.created = append(f.created, key+"/"+description)
	return backend.Done, nil
}

func (f *fakeVirt) RemoveSnapshot(_ context.Context, host *models.Host, title string) (backend.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := host.VirtualisationID() + "/" + title
	if !f.snapshots[key] {
		return backend.NotFound, nil
	}
	delete(f.snapshots, key)
	f.removed = append(f.removed, key)
	return backend.Done, nil
}

func (f *fakeVirt) RevertSnapshot(_ context.Context, host *models.Host, title string) (backend.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := host.VirtualisationID() + "/" + title
	if !f.snapshots[key] {
		return backend.NotFound, nil
	}
	f.reverted = append(f.reverted, key)
	return backend.Done, nil
}

func (f *fakeVirt) HasSnapshot(_ context.Context, host *models.Host, title string) (backend.Presence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshots[host.VirtualisationID()+"/"+title] {
		return backend.Present, nil
	}
	return backend.Absent, nil
}

func (f *fakeVirt) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeMon struct {
	mu          sync.Mutex
	downtimes   map[string]string
	scheduled   []string
	failed      []backend.Service
	unsupported bool
}

func newFakeMon() *fakeMon { return &fakeMon{downtimes: map[string]string{}} }

func (f *fakeMon) ScheduleDowntime(_ context.Context, target models.MonitoringTarget, hours int, comment string) (backend.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsupported {
		return backend.Unsupported, nil
	}
	id := target.MonitoringID()
	if _, ok := f.downtimes[id]; ok {
		return backend.AlreadyExists, nil
	}
	f.downtimes[id] = comment
	f.scheduled = append(f.scheduled, fmt.Sprintf("%s/%d/%s", id, hours, comment))
	return backend.Done, nil
}

func (f *fakeMon) RemoveDowntime(_ context.Context, target models.MonitoringTarget) (backend.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsupported {
		return backend.Unsupported, nil
	}
	id := target.MonitoringID()
	if _, ok := f.downtimes[id]; !ok {
		return backend.NotFound, nil
	}
	delete(f.downtimes, id)
	return backend.Done, nil
}

func (f *fakeMon) HasDowntime(_ context.Context, target models.MonitoringTarget) (backend.Presence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.downtimes[target.MonitoringID()]; ok {
		return backend.Present, nil
	}
	return backend.Absent, nil
}

func (f *fakeMon) GetServices(context.Context, models.MonitoringTarget, bool) ([]backend.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed, nil
}

type fakeInv struct {
	mu             sync.Mutex
	patched        []string
	upgraded       []string
	rebooted       []string
	rebootRequired map[string]bool
	patchErr       error
	errata         map[string][]backend.TaskRecord
	upgrades       map[string][]backend.TaskRecord
}

func newFakeInv() *fakeInv {
	return &fakeInv{
		rebootRequired: map[string]bool{},
		errata:         map[string][]backend.TaskRecord{},
		upgrades:       map[string][]backend.TaskRecord{},
	}
}

func (f *fakeInv) IsRebootRequired(_ context.Context, host *models.Host) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rebootRequired[host.Hostname()], nil
}

func (f *fakeInv) InstallPatches(_ context.Context, host *models.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patchErr != nil {
		return f.patchErr
	}
	f.patched = append(f.patched, host.Hostname())
	return nil
}

func (f *fakeInv) InstallUpgrades(_ context.Context, host *models.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upgraded = append(f.upgraded, host.Hostname())
	return nil
}

func (f *fakeInv) RebootHost(_ context.Context, host *models.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebooted = append(f.rebooted, host.Hostname())
	return nil
}

func (f *fakeInv) ErrataTaskStatus(_ context.Context, hostID string) ([]backend.TaskRecord, error) {
	return f.errata[hostID], nil
}

func (f *fakeInv) UpgradeTaskStatus(_ context.Context, hostID string) ([]backend.TaskRecord, error) {
	return f.upgrades[hostID], nil
}

// fakeDialer hands out fake clients by address and counts connection attempts.
type fakeDialer struct {
	mu    sync.Mutex
	inv   map[string]*fakeInv
	mon   map[string]*fakeMon
	virt  map[string]*fakeVirt
	errs  map[string]error
	dials map[string]int
	seen  []backend.ConnectionConfig
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		inv:   map[string]*fakeInv{},
		mon:   map[string]*fakeMon{},
		virt:  map[string]*fakeVirt{},
		errs:  map[string]error{},
		dials: map[string]int{},
	}
}

func (d *fakeDialer) dial(cfg backend.ConnectionConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[cfg.Address]++
	d.seen = append(d.seen, cfg)
	return d.errs[cfg.Address]
}

func (d *fakeDialer) NewInventory(_ context.Context, cfg backend.ConnectionConfig) (backend.InventoryClient, error) {
	if err := d.dial(cfg); err != nil {
		return nil, err
	}
	if c, ok := d.inv[cfg.Address]; ok {
		return c, nil
	}
	return nil, backend.NewError(backend.ErrSession, cfg.Address, "connect", nil)
}

func (d *fakeDialer) NewMonitoring(_ context.Context, cfg backend.ConnectionConfig) (backend.MonitoringClient, error) {
	if err := d.dial(cfg); err != nil {
		return nil, err
	}
	if c, ok := d.mon[cfg.Address]; ok {
		return c, nil
	}
	return nil, backend.NewError(backend.ErrSession, cfg.Address, "connect", nil)
}

func (d *fakeDialer) NewVirtualization(_ context.Context, cfg backend.ConnectionConfig) (backend.VirtualizationClient, error) {
	if err := d.dial(cfg); err != nil {
		return nil, err
	}
	if c, ok := d.virt[cfg.Address]; ok {
		return c, nil
	}
	return nil, backend.NewError(backend.ErrSession, cfg.Address, "connect", nil)
}

func (d *fakeDialer) attempts(address string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[address]
}

// fakeCreds hands out admin credentials and counts lookups per address.
type fakeCreds struct {
	mu      sync.Mutex
	lookups map[string]int
	err     error
}

func newFakeCreds() *fakeCreds { return &fakeCreds{lookups: map[string]int{}} }

func (c *fakeCreds) Resolve(_ context.Context, purpose, address string) (credentials.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups[purpose+"/"+address]++
	if c.err != nil {
		return credentials.Credential{}, c.err
	}
	return credentials.Credential{Username: "admin", Password: "secret"}, nil
}

func newHost(t *testing.T, name string, params map[string]string, patches ...models.Erratum) *models.Host {
	t.Helper()
	h, err := models.NewHost(name, params, "Acme", "Berlin", patches)
	require.NoError(t, err)
	return h
}

func rebootErratum() models.Erratum {
	issued := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return models.Erratum{
		ID:              5,
		Name:            "FEDORA-2024-abc",
		Summary:         "kernel security update",
		IssuedAt:        issued,
		UpdatedAt:       issued,
		RebootSuggested: true,
	}
}

// newStore writes hosts to a report file dated reportDate and opens it.
func newStore(t *testing.T, hosts ...*models.Host) *report.Store {
	t.Helper()
	r := models.Report{}
	for _, h := range hosts {
		r[h.Hostname()] = h
	}
	path := filepath.Join(t.TempDir(), "errata-snapshot-report-20240315.json")
	require.NoError(t, report.Save(path, r))
	require.NoError(t, os.Chtimes(path, reportDate, reportDate))

	store, err := report.Open(path)
	require.NoError(t, err)
	return store
}

type harness struct {
	dialer  *fakeDialer
	creds   *fakeCreds
	clients *ClientManager
	store   *report.Store
}

func newHarness(t *testing.T, opts ManagerOptions, hosts ...*models.Host) *harness {
	t.Helper()
	h := &harness{dialer: newFakeDialer(), creds: newFakeCreds(), store: newStore(t, hosts...)}
	h.clients = NewClientManager(h.dialer, h.creds, opts, zerolog.Nop(), nil)
	t.Cleanup(func() { _ = h.clients.Close(context.Background()) })
	return h
}

func (h *harness) maintenance(opts Options) *Maintenance {
	return NewMaintenance(h.store, h.store.Report(), h.clients, opts, zerolog.Nop(), nil)
}

func reload(t *testing.T, store *report.Store) models.Report {
	t.Helper()
	r, err := report.Load(store.Path())
	require.NoError(t, err)
	return r
}
