package orchestration

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/katprep/internal/backend"
	"evalgo.org/katprep/internal/metrics"
	"evalgo.org/katprep/internal/report"
	"evalgo.org/katprep/models"
)

func web01(t *testing.T) *models.Host {
	return newHost(t, "web01.example.com", map[string]string{
		models.ParamVirt:         "vc1",
		models.ParamVirtSnapshot: "1",
		models.ParamMon:          "mon1",
	}, rebootErratum())
}

func outcome(t *testing.T, s *RunSummary, key, step string) string {
	t.Helper()
	h, ok := s.Host(key)
	require.True(t, ok, "no result for %s", key)
	r, ok := h.Step(step)
	require.True(t, ok, "no %s step for %s", step, key)
	return r.Outcome
}

func TestPrepare_SnapshotAndDowntime(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, web01(t))
	vc1, mon1 := newFakeVirt(), newFakeMon()
	h.dialer.virt["vc1"] = vc1
	h.dialer.mon["mon1"] = mon1

	m := h.maintenance(Options{DowntimeIfSuggested: true})
	assert.Equal(t, "katprep_20240315", m.Options().SnapshotTitle)

	summary, err := m.Prepare(context.Background())
	require.NoError(t, err)
	require.NoError(t, summary.Err())

	assert.Equal(t, []string{"web01.example.com/katprep_20240315/Snapshot created by katprep"}, vc1.created)
	assert.Equal(t, []string{"web01.example.com/8/Downtime managed by katprep"}, mon1.scheduled)
	assert.Equal(t, metrics.OutcomeDone, outcome(t, summary, "web01.example.com", StepSnapshot))
	assert.Equal(t, metrics.OutcomeDone, outcome(t, summary, "web01.example.com", StepDowntime))

	// A second prepare finds everything in place.
	summary, err = m.Prepare(context.Background())
	require.NoError(t, err)
	require.NoError(t, summary.Err())
	assert.Len(t, vc1.created, 1)
	assert.Len(t, mon1.scheduled, 1)
	assert.Equal(t, metrics.OutcomeNoop, outcome(t, summary, "web01.example.com", StepSnapshot))
	assert.Equal(t, metrics.OutcomeNoop, outcome(t, summary, "web01.example.com", StepDowntime))

	assert.Equal(t, 1, h.dialer.attempts("vc1"))
	assert.Equal(t, 1, h.creds.lookups["virtualization/vc1"])
	assert.Equal(t, 1, h.creds.lookups["monitoring/mon1"])
}

func TestPrepare_Guards(t *testing.T) {
	plain := newHost(t, "plain.example.com", map[string]string{
		models.ParamVirt:         "vc1",
		models.ParamVirtSnapshot: "fixmepls",
	})
	suggested := newHost(t, "kernel.example.com", map[string]string{
		models.ParamVirt:         "vc1",
		models.ParamVirtSnapshot: "yes",
	}, rebootErratum())

	h := newHarness(t, ManagerOptions{Monitoring: BackendSettings{Type: "icinga2", Address: "mon-default"}}, plain, suggested)
	vc1, mon := newFakeVirt(), newFakeMon()
	h.dialer.virt["vc1"] = vc1
	h.dialer.mon["mon-default"] = mon

	summary, err := h.maintenance(Options{}).Prepare(context.Background())
	require.NoError(t, err)
	require.NoError(t, summary.Err())
	assert.Equal(t, metrics.OutcomeSkipped, outcome(t, summary, "plain.example.com", StepSnapshot))
	assert.Equal(t, metrics.OutcomeSkipped, outcome(t, summary, "plain.example.com", StepDowntime))
	assert.Equal(t, metrics.OutcomeSkipped, outcome(t, summary, "kernel.example.com", StepDowntime))
	assert.Len(t, vc1.created, 1)
	assert.Empty(t, mon.scheduled)

	summary, err = h.maintenance(Options{DowntimeIfSuggested: true}).Prepare(context.Background())
	require.NoError(t, err)
	require.NoError(t, summary.Err())
	assert.Equal(t, []string{"kernel.example.com/8/Downtime managed by katprep"}, mon.scheduled)
	assert.Equal(t, metrics.OutcomeSkipped, outcome(t, summary, "plain.example.com", StepDowntime))

	summary, err = h.maintenance(Options{SkipSnapshot: true, SkipDowntime: true, DowntimeIfSuggested: true}).Prepare(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeSkipped, outcome(t, summary, "kernel.example.com", StepSnapshot))
	assert.Equal(t, metrics.OutcomeSkipped, outcome(t, summary, "kernel.example.com", StepDowntime))
}

func TestPrepare_DryRun(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, web01(t))
	vc1, mon1 := newFakeVirt(), newFakeMon()
	h.dialer.virt["vc1"] = vc1
	h.dialer.mon["mon1"] = mon1

	summary, err := h.maintenance(Options{DryRun: true}).Prepare(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Empty(t, vc1.created)
	assert.Empty(t, mon1.scheduled)
	assert.Equal(t, metrics.OutcomeDryRun, outcome(t, summary, "web01.example.com", StepSnapshot))
	assert.Equal(t, metrics.OutcomeDryRun, outcome(t, summary, "web01.example.com", StepDowntime))
}

func TestPrepare_UnsupportedDowntimeIsNotAFailure(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, web01(t))
	vc1, mon1 := newFakeVirt(), newFakeMon()
	mon1.unsupported = true
	h.dialer.virt["vc1"] = vc1
	h.dialer.mon["mon1"] = mon1

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)

	for _, phase := range []Phase{PhasePrepare, PhaseCleanup} {
		buf.Reset()
		m := NewMaintenance(h.store, h.store.Report(), h.clients, Options{}, logger, nil)
		summary, err := m.Run(context.Background(), phase)
		require.NoError(t, err)
		require.NoError(t, summary.Err(), phase)

		host, ok := summary.Host("web01.example.com")
		require.True(t, ok)
		assert.False(t, host.Failed(), phase)
		assert.Equal(t, metrics.OutcomeSkipped, outcome(t, summary, "web01.example.com", StepDowntime))
		assert.Contains(t, buf.String(), "Not supported by backend", "logged at info level during %s", phase)
	}
	assert.Empty(t, mon1.scheduled)
}

func TestPrepare_InvalidCredentialsFailPerAddress(t *testing.T) {
	a := newHost(t, "a.example.com", map[string]string{models.ParamVirt: "vc1", models.ParamVirtSnapshot: "1"})
	b := newHost(t, "b.example.com", map[string]string{models.ParamVirt: "vc1", models.ParamVirtSnapshot: "1"})
	c := newHost(t, "c.example.com", map[string]string{models.ParamVirt: "vc2", models.ParamVirtSnapshot: "1"})

	h := newHarness(t, ManagerOptions{}, a, b, c)
	vc2 := newFakeVirt()
	h.dialer.virt["vc2"] = vc2
	h.dialer.errs["vc1"] = backend.NewError(backend.ErrInvalidCredentials, "vc1", "login", nil)

	summary, err := h.maintenance(Options{Workers: 3}).Prepare(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, summary.Err(), ErrHostFailures)
	assert.Equal(t, 2, summary.FailedHosts())

	for _, f := range summary.Failures() {
		assert.Contains(t, []string{"a.example.com", "b.example.com"}, f.Key)
		assert.ErrorIs(t, f.Err, backend.ErrInvalidCredentials)
	}
	assert.Equal(t, metrics.OutcomeDone, outcome(t, summary, "c.example.com", StepSnapshot))
	assert.Len(t, vc2.created, 1)
	assert.Equal(t, 1, h.dialer.attempts("vc1"))
	assert.Equal(t, 1, h.creds.lookups["virtualization/vc1"])
}

func TestPrepare_APILevelAborts(t *testing.T) {
	a := newHost(t, "a.example.com", map[string]string{models.ParamVirt: "vc1", models.ParamVirtSnapshot: "1"})
	b := newHost(t, "b.example.com", map[string]string{models.ParamVirt: "vc2", models.ParamVirtSnapshot: "1"})

	h := newHarness(t, ManagerOptions{}, a, b)
	vc2 := newFakeVirt()
	h.dialer.virt["vc2"] = vc2
	h.dialer.errs["vc1"] = backend.NewError(backend.ErrAPILevelNotSupported, "vc1", "version", nil)

	summary, err := h.maintenance(Options{}).Prepare(context.Background())
	require.ErrorIs(t, err, backend.ErrAPILevelNotSupported)
	assert.Nil(t, summary)
	assert.Empty(t, vc2.created)
}

func TestExecute(t *testing.T) {
	patched := newHost(t, "a.example.com", nil, rebootErratum())
	clean := newHost(t, "b.example.com", nil)

	h := newHarness(t, ManagerOptions{Inventory: BackendSettings{Type: "foreman", Address: "foreman"}}, patched, clean)
	inv := newFakeInv()
	inv.rebootRequired["a.example.com"] = true
	h.dialer.inv["foreman"] = inv

	summary, err := h.maintenance(Options{InstallUpgrades: true}).Execute(context.Background())
	require.NoError(t, err)
	require.NoError(t, summary.Err())
	assert.Equal(t, []string{"a.example.com"}, inv.patched)
	assert.ElementsMatch(t, []string{"a.example.com", "b.example.com"}, inv.upgraded)
	assert.Equal(t, []string{"a.example.com"}, inv.rebooted)
	assert.Equal(t, metrics.OutcomeNoop, outcome(t, summary, "b.example.com", StepPatches))
	assert.Equal(t, metrics.OutcomeSkipped, outcome(t, summary, "b.example.com", StepReboot))
}

func TestExecute_RebootFlags(t *testing.T) {
	host := newHost(t, "a.example.com", nil)
	h := newHarness(t, ManagerOptions{Inventory: BackendSettings{Address: "foreman"}}, host)
	inv := newFakeInv()
	inv.rebootRequired["a.example.com"] = true
	h.dialer.inv["foreman"] = inv

	_, err := h.maintenance(Options{NoReboot: true}).Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, inv.rebooted)

	inv.rebootRequired["a.example.com"] = false
	_, err = h.maintenance(Options{ForceReboot: true, NoReboot: true}).Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example.com"}, inv.rebooted)
}

func TestExecute_SubStepsIndependent(t *testing.T) {
	host := newHost(t, "a.example.com", nil, rebootErratum())
	h := newHarness(t, ManagerOptions{Inventory: BackendSettings{Address: "foreman"}}, host)
	inv := newFakeInv()
	inv.patchErr = backend.NewError(backend.ErrSession, "foreman", "job invocation", nil)
	inv.rebootRequired["a.example.com"] = true
	h.dialer.inv["foreman"] = inv

	summary, err := h.maintenance(Options{InstallUpgrades: true}).Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeFailed, outcome(t, summary, "a.example.com", StepPatches))
	assert.Equal(t, []string{"a.example.com"}, inv.upgraded)
	assert.Equal(t, []string{"a.example.com"}, inv.rebooted)
	assert.Equal(t, 1, summary.FailedHosts())
}

func TestExecute_DryRun(t *testing.T) {
	host := newHost(t, "a.example.com", nil, rebootErratum())
	h := newHarness(t, ManagerOptions{Inventory: BackendSettings{Address: "foreman"}}, host)
	inv := newFakeInv()
	inv.rebootRequired["a.example.com"] = true
	h.dialer.inv["foreman"] = inv

	summary, err := h.maintenance(Options{DryRun: true, InstallUpgrades: true}).Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, inv.patched)
	assert.Empty(t, inv.upgraded)
	assert.Empty(t, inv.rebooted)
	assert.Equal(t, metrics.OutcomeDryRun, outcome(t, summary, "a.example.com", StepReboot))
}

func TestVerify_RecordsResults(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, web01(t))
	vc1, mon1 := newFakeVirt(), newFakeMon()
	vc1.snapshots["web01.example.com/katprep_20240315"] = true
	h.dialer.virt["vc1"] = vc1
	h.dialer.mon["mon1"] = mon1

	summary, err := h.maintenance(Options{}).Verify(context.Background())
	require.NoError(t, err)
	require.NoError(t, summary.Err())

	host := reload(t, h.store)["web01.example.com"]
	require.NotNil(t, host)
	v, ok := host.Verification(models.VerifyVirtSnapshot)
	assert.True(t, ok && v.Bool())
	v, ok = host.Verification(models.VerifyMonCleanup)
	assert.True(t, ok && v.Bool())
	_, ok = host.Verification(models.VerifyMonDowntime)
	assert.False(t, ok)
	v, _ = host.Verification(models.VerifyMonStatus)
	assert.Equal(t, "Ok", v.Text())
	v, _ = host.Verification(models.VerifyMonStatusDetail)
	assert.Equal(t, "All services OK", v.Text())

	date, err := report.ReportDate(h.store.Path())
	require.NoError(t, err)
	assert.True(t, date.Equal(reportDate), "report date must survive write-backs")
}

func TestVerify_FailedServices(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, web01(t))
	mon1 := newFakeMon()
	mon1.downtimes["web01.example.com"] = "maintenance"
	mon1.failed = []backend.Service{{Name: "HTTP", State: "CRITICAL"}, {Name: "Disk", State: "WARNING"}}
	h.dialer.virt["vc1"] = newFakeVirt()
	h.dialer.mon["mon1"] = mon1

	_, err := h.maintenance(Options{}).Verify(context.Background())
	require.NoError(t, err)

	host := reload(t, h.store)["web01.example.com"]
	v, _ := host.Verification(models.VerifyVirtCleanup)
	assert.True(t, v.Bool())
	v, _ = host.Verification(models.VerifyMonDowntime)
	assert.True(t, v.Bool())
	v, _ = host.Verification(models.VerifyMonStatus)
	assert.Equal(t, "Warning/Critical", v.Text())
	v, _ = host.Verification(models.VerifyMonStatusDetail)
	assert.Equal(t, "HTTP - CRITICAL, Disk - WARNING", v.Text())
}

func TestVerify_DryRunDoesNotWrite(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, web01(t))
	h.dialer.virt["vc1"] = newFakeVirt()
	h.dialer.mon["mon1"] = newFakeMon()

	summary, err := h.maintenance(Options{DryRun: true}).Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeDryRun, outcome(t, summary, "web01.example.com", StepServices))
	assert.Empty(t, reload(t, h.store)["web01.example.com"].Verifications())
}

func TestRevertAndCleanup(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, web01(t))
	vc1, mon1 := newFakeVirt(), newFakeMon()
	h.dialer.virt["vc1"] = vc1
	h.dialer.mon["mon1"] = mon1

	summary, err := h.maintenance(Options{}).Revert(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeFailed, outcome(t, summary, "web01.example.com", StepSnapshot))

	_, err = h.maintenance(Options{}).Prepare(context.Background())
	require.NoError(t, err)

	summary, err = h.maintenance(Options{}).Revert(context.Background())
	require.NoError(t, err)
	require.NoError(t, summary.Err())
	assert.Equal(t, []string{"web01.example.com/katprep_20240315"}, vc1.reverted)
	_, touched := summary.Hosts[0].Step(StepDowntime)
	assert.False(t, touched, "revert does not touch monitoring")

	summary, err = h.maintenance(Options{}).Cleanup(context.Background())
	require.NoError(t, err)
	require.NoError(t, summary.Err())
	assert.Equal(t, []string{"web01.example.com/katprep_20240315"}, vc1.removed)
	assert.Empty(t, mon1.downtimes)

	summary, err = h.maintenance(Options{}).Cleanup(context.Background())
	require.NoError(t, err)
	require.NoError(t, summary.Err())
	assert.Equal(t, metrics.OutcomeNoop, outcome(t, summary, "web01.example.com", StepSnapshot))
	assert.Equal(t, metrics.OutcomeNoop, outcome(t, summary, "web01.example.com", StepDowntime))
}

func TestStatus(t *testing.T) {
	host := newHost(t, "a.example.com", nil)
	h := newHarness(t, ManagerOptions{Inventory: BackendSettings{Address: "foreman"}}, host)
	now := time.Date(2024, 3, 16, 12, 0, 0, 0, time.Local)

	inv := newFakeInv()
	inv.errata["a.example.com"] = []backend.TaskRecord{
		{ID: "1", StartedAt: now.Add(-2 * time.Hour), Total: 3, Succeeded: 3},
		{ID: "2", StartedAt: now.Add(-time.Hour), Total: 3, Succeeded: 1, Pending: 2},
		{ID: "old", StartedAt: now.Add(-26 * time.Hour), Total: 1, Failed: 1},
	}
	inv.upgrades["a.example.com"] = []backend.TaskRecord{
		{ID: "3", StartedAt: now.Add(-time.Minute), Total: 2, Succeeded: 1, Failed: 1},
	}
	h.dialer.inv["foreman"] = inv

	m := h.maintenance(Options{})
	m.now = func() time.Time { return now }

	summary, err := m.Status(context.Background())
	require.NoError(t, err)
	require.NoError(t, summary.Err())

	result, _ := summary.Host("a.example.com")
	states := map[string]TaskState{}
	for _, task := range result.Tasks {
		states[task.Record.ID] = task.State
	}
	assert.Equal(t, map[string]TaskState{
		"1": TaskSucceeded,
		"2": TaskRunning,
		"3": TaskFailed,
	}, states)
}

func TestClassifyTask(t *testing.T) {
	tests := []struct {
		name string
		rec  backend.TaskRecord
		want TaskState
	}{
		{"all succeeded", backend.TaskRecord{Total: 2, Succeeded: 2}, TaskSucceeded},
		{"some failed", backend.TaskRecord{Total: 2, Succeeded: 1, Failed: 1}, TaskFailed},
		{"pending", backend.TaskRecord{Total: 2, Pending: 1, Succeeded: 1}, TaskRunning},
		{"incomplete counters", backend.TaskRecord{Total: 3, Succeeded: 1}, TaskRunning},
		{"running without counters", backend.TaskRecord{State: "running"}, TaskRunning},
		{"stopped with error", backend.TaskRecord{State: "stopped", Result: "error"}, TaskFailed},
		{"stopped", backend.TaskRecord{State: "stopped", Result: "success"}, TaskSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyTask(tt.rec))
		})
	}
}

func TestServiceDetail(t *testing.T) {
	assert.Equal(t, "", ServiceDetail(nil))
	assert.Equal(t, "HTTP - CRITICAL", ServiceDetail([]backend.Service{{Name: "HTTP", State: "CRITICAL"}}))
}

func TestRun_RecordsMetrics(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, web01(t))
	h.dialer.virt["vc1"] = newFakeVirt()
	h.dialer.mon["mon1"] = newFakeMon()

	met := metrics.New()
	m := NewMaintenance(h.store, h.store.Report(), h.clients, Options{}, zerolog.Nop(), met)
	_, err := m.Prepare(context.Background())
	require.NoError(t, err)

	families, err := met.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["katprep_steps_total"])
	assert.True(t, names["katprep_hosts_total"])
	assert.NotEmpty(t, m.RunID())
}
