package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"evalgo.org/katprep/internal/backend"
	"evalgo.org/katprep/internal/logging"
	"evalgo.org/katprep/internal/metrics"
	"evalgo.org/katprep/internal/report"
	"evalgo.org/katprep/models"
)

// ErrHostFailures is returned by RunSummary.Err when at least one host failed.
var ErrHostFailures = errors.New("maintenance failed for some hosts")

// Phase is one maintenance phase.
type Phase string

const (
	PhasePrepare Phase = "prepare"
	PhaseExecute Phase = "execute"
	PhaseVerify  Phase = "verify"
	PhaseRevert  Phase = "revert"
	PhaseCleanup Phase = "cleanup"
	PhaseStatus  Phase = "status"
)

// Steps performed on a host.
const (
	StepSnapshot = "snapshot"
	StepDowntime = "downtime"
	StepPatches  = "patches"
	StepUpgrades = "upgrades"
	StepReboot   = "reboot"
	StepServices = "services"
	StepTasks    = "tasks"
	StepInvent   = "inventory"
)

const (
	// DefaultDowntimeHours is the downtime length when none is configured
	DefaultDowntimeHours = 8

	// DefaultDowntimeComment is attached to downtimes when none is configured
	DefaultDowntimeComment = "Downtime managed by katprep"

	// DefaultSnapshotDescription describes created snapshots
	DefaultSnapshotDescription = "Snapshot created by katprep"

	servicesOK       = "All services OK"
	statusOK         = "Ok"
	statusNotOK      = "Warning/Critical"
	serviceSeparator = ", "
)

// Options control a maintenance run.
type Options struct {
	DryRun              bool
	SkipSnapshot        bool
	SkipDowntime        bool
	DowntimeIfSuggested bool
	DowntimeHours       int
	DowntimeComment     string

	// SnapshotTitle defaults to the title derived from the report date
	SnapshotTitle       string
	SnapshotDescription string

	InstallUpgrades bool
	ForceReboot     bool
	NoReboot        bool

	// Workers is the number of hosts processed concurrently
	Workers int
}

func (o Options) withDefaults(store *report.Store) Options {
	if o.DowntimeHours < 1 {
		o.DowntimeHours = DefaultDowntimeHours
	}
	if o.DowntimeComment == "" {
		o.DowntimeComment = DefaultDowntimeComment
	}
	if o.SnapshotTitle == "" {
		o.SnapshotTitle = report.SnapshotTitle(store.Date())
	}
	if o.SnapshotDescription == "" {
		o.SnapshotDescription = DefaultSnapshotDescription
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	return o
}

// Maintenance runs the maintenance phases against the hosts of one report.
type Maintenance struct {
	store   *report.Store
	keys    []string
	clients *ClientManager
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics
	runID   string

	// now is the clock used to select today's tasks
	now func() time.Time
}

// NewMaintenance creates a run over hosts, which must be a subset of the
// store's report (usually the result of filter.Apply). metrics may be nil.
func NewMaintenance(store *report.Store, hosts models.Report, clients *ClientManager, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Maintenance {
	runID := models.GenerateID("run")
	return &Maintenance{
		store:   store,
		keys:    hosts.Keys(),
		clients: clients,
		opts:    opts.withDefaults(store),
		logger:  logger.With().Str(logging.FieldRunID, runID).Logger(),
		metrics: m,
		runID:   runID,
		now:     time.Now,
	}
}

// RunID identifies this run in logs.
func (m *Maintenance) RunID() string { return m.runID }

// Options returns the effective options.
func (m *Maintenance) Options() Options { return m.opts }

// Prepare snapshots VMs and schedules monitoring downtimes.
func (m *Maintenance) Prepare(ctx context.Context) (*RunSummary, error) {
	return m.Run(ctx, PhasePrepare)
}

// Execute installs errata and upgrades and reboots where needed.
func (m *Maintenance) Execute(ctx context.Context) (*RunSummary, error) {
	return m.Run(ctx, PhaseExecute)
}

// Verify records snapshot, downtime and service state in the report.
func (m *Maintenance) Verify(ctx context.Context) (*RunSummary, error) {
	return m.Run(ctx, PhaseVerify)
}

// Revert rolls VMs back to the maintenance snapshot.
func (m *Maintenance) Revert(ctx context.Context) (*RunSummary, error) {
	return m.Run(ctx, PhaseRevert)
}

// Cleanup removes snapshots and downtimes.
func (m *Maintenance) Cleanup(ctx context.Context) (*RunSummary, error) {
	return m.Run(ctx, PhaseCleanup)
}

// Status lists today's errata and upgrade tasks.
func (m *Maintenance) Status(ctx context.Context) (*RunSummary, error) {
	return m.Run(ctx, PhaseStatus)
}

// Run executes phase for every host. The returned error is non-nil only when
// the run was aborted; per-host failures are reported in the summary.
func (m *Maintenance) Run(ctx context.Context, phase Phase) (*RunSummary, error) {
	log := m.logger.With().Str(logging.FieldPhase, string(phase)).Logger()
	started := m.now()

	log.Info().
		Int("hosts", len(m.keys)).
		Bool("dry_run", m.opts.DryRun).
		Str("snapshot", m.opts.SnapshotTitle).
		Msg("Starting maintenance phase")

	if err := m.clients.Preconnect(ctx, m.endpoints(phase)); err != nil {
		log.Error().Err(err).Msg("Aborting maintenance phase")
		return nil, err
	}

	summary := &RunSummary{RunID: m.runID, Phase: phase, DryRun: m.opts.DryRun}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, key := range m.keys {
		key := key
		g.Go(func() error {
			result := m.processHost(gctx, phase, key)
			mu.Lock()
			summary.Hosts = append(summary.Hosts, result)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(summary.Hosts, func(i, j int) bool { return summary.Hosts[i].Key < summary.Hosts[j].Key })

	finished := m.now()
	if m.metrics != nil {
		m.metrics.ObservePhase(string(phase), finished.Sub(started), finished)
	}

	log.Info().
		Int("hosts", len(summary.Hosts)).
		Int("failed", len(summary.Failures())).
		Dur("took", finished.Sub(started)).
		Msg("Finished maintenance phase")

	return summary, nil
}

// endpoints lists the backends phase needs for the selected hosts.
func (m *Maintenance) endpoints(phase Phase) []Endpoint {
	var eps []Endpoint
	seen := make(map[Endpoint]bool)
	add := func(ep Endpoint, err error) {
		if err == nil && !seen[ep] {
			seen[ep] = true
			eps = append(eps, ep)
		}
	}

	if phase == PhaseExecute || phase == PhaseStatus {
		if len(m.keys) > 0 {
			add(m.clients.InventoryEndpoint())
		}
		return eps
	}

	for _, key := range m.keys {
		host := m.store.Report()[key]
		if m.snapshotWanted(host) {
			add(m.clients.VirtualizationEndpoint(host))
		}
		if phase == PhaseRevert {
			continue
		}
		if m.downtimeWanted(host) {
			add(m.clients.MonitoringEndpoint(host))
		}
		if phase == PhaseVerify {
			add(m.clients.MonitoringEndpoint(host))
		}
	}
	return eps
}

func (m *Maintenance) snapshotWanted(host *models.Host) bool {
	return !m.opts.SkipSnapshot && host.SnapshotRequired()
}

func (m *Maintenance) downtimeWanted(host *models.Host) bool {
	if m.opts.SkipDowntime {
		return false
	}
	return host.Param(models.ParamMon) != "" ||
		(m.opts.DowntimeIfSuggested && host.RebootSuggested())
}

func (m *Maintenance) processHost(ctx context.Context, phase Phase, key string) HostResult {
	host := m.store.Report()[key]
	hr := &hostRun{
		m:     m,
		phase: phase,
		key:   key,
		host:  host,
		log: m.logger.With().
			Str(logging.FieldPhase, string(phase)).
			Str(logging.FieldHost, host.Hostname()).
			Logger(),
		result: HostResult{Key: key, Hostname: host.Hostname()},
	}

	if err := ctx.Err(); err != nil {
		hr.fail(string(phase), err)
		return hr.finish()
	}

	switch phase {
	case PhasePrepare:
		m.prepare(ctx, hr)
	case PhaseExecute:
		m.execute(ctx, hr)
	case PhaseVerify:
		m.verify(ctx, hr)
	case PhaseRevert:
		m.revert(ctx, hr)
	case PhaseCleanup:
		m.cleanup(ctx, hr)
	case PhaseStatus:
		m.status(ctx, hr)
	default:
		hr.fail(string(phase), fmt.Errorf("unknown phase %q", phase))
	}
	return hr.finish()
}

func (m *Maintenance) prepare(ctx context.Context, hr *hostRun) {
	if m.snapshotWanted(hr.host) {
		if client, ok := hr.virtualization(ctx); ok {
			if m.opts.DryRun {
				hr.dryRun(StepSnapshot, "Would create snapshot")
			} else {
				res, err := client.CreateSnapshot(ctx, hr.host, m.opts.SnapshotTitle, m.opts.SnapshotDescription)
				hr.mutation(StepSnapshot, res, err, "Created snapshot", "Snapshot already exists", true)
			}
		}
	} else {
		hr.skip(StepSnapshot, "snapshot not requested")
	}

	if m.downtimeWanted(hr.host) {
		if client, ok := hr.monitoring(ctx, StepDowntime); ok {
			if m.opts.DryRun {
				hr.dryRun(StepDowntime, "Would schedule downtime")
			} else {
				res, err := client.ScheduleDowntime(ctx, hr.host, m.opts.DowntimeHours, m.opts.DowntimeComment)
				hr.mutation(StepDowntime, res, err, "Scheduled downtime", "Downtime already scheduled", true)
			}
		}
	} else {
		hr.skip(StepDowntime, "downtime not requested")
	}
}

func (m *Maintenance) execute(ctx context.Context, hr *hostRun) {
	inv, err := m.clients.Inventory(ctx)
	if err != nil {
		hr.fail(StepInvent, err)
		return
	}

	switch {
	case len(hr.host.Patches()) == 0:
		hr.noop(StepPatches, "No errata available")
	case m.opts.DryRun:
		hr.dryRun(StepPatches, "Would install errata")
	default:
		hr.call(StepPatches, inv.InstallPatches(ctx, hr.host), "Installing errata")
	}

	switch {
	case !m.opts.InstallUpgrades:
		hr.skip(StepUpgrades, "upgrades not requested")
	case m.opts.DryRun:
		hr.dryRun(StepUpgrades, "Would install upgrades")
	default:
		hr.call(StepUpgrades, inv.InstallUpgrades(ctx, hr.host), "Installing upgrades")
	}

	reboot := m.opts.ForceReboot
	if !reboot && !m.opts.NoReboot {
		required, err := inv.IsRebootRequired(ctx, hr.host)
		if err != nil {
			hr.fail(StepReboot, err)
			return
		}
		reboot = required
	}
	switch {
	case !reboot:
		hr.skip(StepReboot, "reboot not required")
	case m.opts.DryRun:
		hr.dryRun(StepReboot, "Would reboot host")
	default:
		hr.call(StepReboot, inv.RebootHost(ctx, hr.host), "Rebooting host")
	}
}

func (m *Maintenance) verify(ctx context.Context, hr *hostRun) {
	if m.snapshotWanted(hr.host) {
		if client, ok := hr.virtualization(ctx); ok {
			p, err := client.HasSnapshot(ctx, hr.host, m.opts.SnapshotTitle)
			if err != nil {
				hr.fail(StepSnapshot, err)
			} else if p == backend.Present {
				hr.record(StepSnapshot, models.VerifyVirtSnapshot, models.BoolResult(true))
			} else {
				hr.record(StepSnapshot, models.VerifyVirtCleanup, models.BoolResult(true))
			}
		}
	} else {
		hr.skip(StepSnapshot, "snapshot not requested")
	}

	if m.downtimeWanted(hr.host) {
		if client, ok := hr.monitoring(ctx, StepDowntime); ok {
			p, err := client.HasDowntime(ctx, hr.host)
			if err != nil {
				hr.fail(StepDowntime, err)
			} else if p == backend.Present {
				hr.record(StepDowntime, models.VerifyMonDowntime, models.BoolResult(true))
			} else {
				hr.record(StepDowntime, models.VerifyMonCleanup, models.BoolResult(true))
			}
		}
	} else {
		hr.skip(StepDowntime, "downtime not requested")
	}

	if _, err := m.clients.MonitoringEndpoint(hr.host); err != nil {
		hr.skip(StepServices, "no monitoring backend")
		return
	}
	client, ok := hr.monitoring(ctx, StepServices)
	if !ok {
		return
	}
	services, err := client.GetServices(ctx, hr.host, true)
	if err != nil {
		hr.fail(StepServices, err)
		return
	}
	if len(services) == 0 {
		hr.record(StepServices, models.VerifyMonStatus, models.TextResult(statusOK))
		hr.record(StepServices, models.VerifyMonStatusDetail, models.TextResult(servicesOK))
		return
	}
	hr.record(StepServices, models.VerifyMonStatus, models.TextResult(statusNotOK))
	hr.record(StepServices, models.VerifyMonStatusDetail, models.TextResult(ServiceDetail(services)))
}

// ServiceDetail renders failed services as "name - state" pairs.
func ServiceDetail(services []backend.Service) string {
	parts := make([]string, 0, len(services))
	for _, s := range services {
		parts = append(parts, fmt.Sprintf("%s - %s", s.Name, s.State))
	}
	return strings.Join(parts, serviceSeparator)
}

func (m *Maintenance) revert(ctx context.Context, hr *hostRun) {
	if !m.snapshotWanted(hr.host) {
		hr.skip(StepSnapshot, "snapshot not requested")
		return
	}
	client, ok := hr.virtualization(ctx)
	if !ok {
		return
	}
	if m.opts.DryRun {
		hr.dryRun(StepSnapshot, "Would revert to snapshot")
		return
	}
	res, err := client.RevertSnapshot(ctx, hr.host, m.opts.SnapshotTitle)
	hr.mutation(StepSnapshot, res, err, "Reverted to snapshot", "", true)
}

func (m *Maintenance) cleanup(ctx context.Context, hr *hostRun) {
	if m.snapshotWanted(hr.host) {
		if client, ok := hr.virtualization(ctx); ok {
			if m.opts.DryRun {
				hr.dryRun(StepSnapshot, "Would remove snapshot")
			} else {
				res, err := client.RemoveSnapshot(ctx, hr.host, m.opts.SnapshotTitle)
				hr.mutation(StepSnapshot, res, err, "Removed snapshot", "", false)
			}
		}
	} else {
		hr.skip(StepSnapshot, "snapshot not requested")
	}

	if m.downtimeWanted(hr.host) {
		if client, ok := hr.monitoring(ctx, StepDowntime); ok {
			if m.opts.DryRun {
				hr.dryRun(StepDowntime, "Would remove downtime")
			} else {
				res, err := client.RemoveDowntime(ctx, hr.host)
				hr.mutation(StepDowntime, res, err, "Removed downtime", "", false)
			}
		}
	} else {
		hr.skip(StepDowntime, "downtime not requested")
	}
}

func (m *Maintenance) status(ctx context.Context, hr *hostRun) {
	inv, err := m.clients.Inventory(ctx)
	if err != nil {
		hr.fail(StepInvent, err)
		return
	}

	today := m.now()
	for _, q := range []struct {
		kind  string
		fetch func(context.Context, string) ([]backend.TaskRecord, error)
	}{
		{TaskErrata, inv.ErrataTaskStatus},
		{TaskUpgrade, inv.UpgradeTaskStatus},
	} {
		records, err := q.fetch(ctx, hr.key)
		if err != nil {
			hr.fail(StepTasks, fmt.Errorf("%s tasks: %w", q.kind, err))
			continue
		}
		for _, rec := range records {
			if !sameDay(rec.StartedAt, today) {
				continue
			}
			task := TaskStatus{Kind: q.kind, Record: rec, State: ClassifyTask(rec)}
			hr.result.Tasks = append(hr.result.Tasks, task)
			hr.log.Info().
				Str(logging.FieldStep, StepTasks).
				Str("task", rec.ID).
				Str("kind", q.kind).
				Str("state", string(task.State)).
				Int("total", rec.Total).
				Int("succeeded", rec.Succeeded).
				Int("failed", rec.Failed).
				Int("pending", rec.Pending).
				Msg("Task status")
		}
	}
	if len(hr.result.Tasks) == 0 {
		hr.noop(StepTasks, "No tasks started today")
		return
	}
	hr.done(StepTasks, "Listed tasks")
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	a = a.In(b.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// hostRun carries the state of one host within one phase.
type hostRun struct {
	m      *Maintenance
	phase  Phase
	key    string
	host   *models.Host
	log    zerolog.Logger
	result HostResult
}

func (hr *hostRun) virtualization(ctx context.Context) (backend.VirtualizationClient, bool) {
	client, err := hr.m.clients.Virtualization(ctx, hr.host)
	if err != nil {
		hr.fail(StepSnapshot, err)
		return nil, false
	}
	return client, true
}

func (hr *hostRun) monitoring(ctx context.Context, step string) (backend.MonitoringClient, bool) {
	client, err := hr.m.clients.Monitoring(ctx, hr.host)
	if err != nil {
		hr.fail(step, err)
		return nil, false
	}
	return client, true
}

// mutation records the outcome of a mutating snapshot or downtime call.
// notFoundFails decides whether a missing target is a failure or already clean.
func (hr *hostRun) mutation(step string, res backend.Result, err error, doneMsg, existsMsg string, notFoundFails bool) {
	if err != nil {
		hr.fail(step, err)
		return
	}
	switch res {
	case backend.Done:
		hr.done(step, doneMsg)
	case backend.AlreadyExists:
		hr.noop(step, existsMsg)
	case backend.NotFound:
		if notFoundFails {
			hr.fail(step, fmt.Errorf("%w: %s", backend.ErrNotFound, hr.host.Hostname()))
		} else {
			hr.noop(step, "Nothing to remove")
		}
	case backend.Unsupported:
		hr.unsupported(step)
	}
}

func (hr *hostRun) call(step string, err error, msg string) {
	if err != nil {
		hr.fail(step, err)
		return
	}
	hr.done(step, msg)
}

// record writes a verification result unless this is a dry run.
func (hr *hostRun) record(step, name string, value models.VerificationValue) {
	ev := hr.log.Info().Str(logging.FieldStep, step).Str("verification", name).Str("value", value.String())
	if hr.m.opts.DryRun {
		ev.Msg("Would record verification")
		hr.add(step, metrics.OutcomeDryRun, nil)
		return
	}
	if err := hr.m.store.SetVerification(hr.key, name, value); err != nil {
		hr.fail(step, err)
		return
	}
	ev.Msg("Recorded verification")
	hr.add(step, metrics.OutcomeDone, nil)
}

func (hr *hostRun) done(step, msg string) {
	hr.log.Info().Str(logging.FieldStep, step).Msg(msg)
	hr.add(step, metrics.OutcomeDone, nil)
}

func (hr *hostRun) noop(step, msg string) {
	hr.log.Info().Str(logging.FieldStep, step).Msg(msg)
	hr.add(step, metrics.OutcomeNoop, nil)
}

func (hr *hostRun) skip(step, reason string) {
	hr.log.Debug().Str(logging.FieldStep, step).Str("reason", reason).Msg("Skipping step")
	hr.add(step, metrics.OutcomeSkipped, nil)
}

func (hr *hostRun) unsupported(step string) {
	hr.log.Info().Str(logging.FieldStep, step).Msg("Not supported by backend, skipping")
	hr.add(step, metrics.OutcomeSkipped, nil)
}

func (hr *hostRun) dryRun(step, msg string) {
	hr.log.Info().Str(logging.FieldStep, step).Msg(msg)
	hr.add(step, metrics.OutcomeDryRun, nil)
}

func (hr *hostRun) fail(step string, err error) {
	hr.log.Error().Str(logging.FieldStep, step).Err(err).Msg("Step failed")
	hr.add(step, metrics.OutcomeFailed, err)
}

func (hr *hostRun) add(step, outcome string, err error) {
	hr.result.Steps = append(hr.result.Steps, StepResult{Step: step, Outcome: outcome, Err: err})
	if hr.m.metrics != nil {
		hr.m.metrics.ObserveStep(string(hr.phase), step, outcome)
	}
}

func (hr *hostRun) finish() HostResult {
	if hr.m.metrics != nil {
		hr.m.metrics.ObserveHost(string(hr.phase), hr.result.Failed())
	}
	return hr.result
}
