package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"evalgo.org/katprep/internal/config"
	"evalgo.org/katprep/internal/filter"
	"evalgo.org/katprep/internal/metrics"
	"evalgo.org/katprep/internal/orchestration"
	"evalgo.org/katprep/internal/report"
)

var maintenanceFlags struct {
	dryRun              bool
	skipSnapshot        bool
	skipDowntime        bool
	downtimeIfSuggested bool
	downtimeHours       int
	upgrades            bool
	forceReboot         bool
	noReboot            bool
	workers             int

	organization string
	location     string
	environment  string
	hostgroup    string
	include      []string
	exclude      []string
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run maintenance phases against the hosts of a report",
	Long: `Run one maintenance phase against the hosts of an errata snapshot report.

A maintenance usually runs the phases in this order:
  prepare  - snapshot VMs and schedule monitoring downtimes
  execute  - install errata (and upgrades), reboot where required
  verify   - record snapshot, downtime and service state in the report
  cleanup  - remove snapshots and downtimes
revert rolls VMs back to the maintenance snapshot; status lists today's
errata and upgrade tasks.

Examples:
  katprep maintenance prepare errata-snapshot-report-20240315.json
  katprep maintenance execute report.json --location Berlin --upgrades
  katprep maintenance verify report.json --dry-run`,
}

var phaseDescriptions = []struct {
	phase orchestration.Phase
	short string
}{
	{orchestration.PhasePrepare, "Snapshot VMs and schedule monitoring downtimes"},
	{orchestration.PhaseExecute, "Install errata and reboot hosts"},
	{orchestration.PhaseVerify, "Record snapshot, downtime and service state in the report"},
	{orchestration.PhaseRevert, "Revert VMs to the maintenance snapshot"},
	{orchestration.PhaseCleanup, "Remove maintenance snapshots and downtimes"},
	{orchestration.PhaseStatus, "List today's errata and upgrade tasks"},
}

func init() {
	f := maintenanceCmd.PersistentFlags()
	f.BoolVar(&maintenanceFlags.dryRun, "dry-run", false, "log what would be done without changing anything")
	f.BoolVar(&maintenanceFlags.skipSnapshot, "skip-snapshot", false, "do not touch VM snapshots")
	f.BoolVar(&maintenanceFlags.skipDowntime, "skip-downtime", false, "do not touch monitoring downtimes")
	f.BoolVar(&maintenanceFlags.downtimeIfSuggested, "downtime-if-suggested", false, "schedule downtimes for hosts with reboot-suggesting errata")
	f.IntVar(&maintenanceFlags.downtimeHours, "downtime-hours", 0, "downtime length in hours (default: from config)")
	f.BoolVar(&maintenanceFlags.upgrades, "upgrades", false, "also install all package upgrades")
	f.BoolVar(&maintenanceFlags.forceReboot, "force-reboot", false, "reboot every host after patching")
	f.BoolVar(&maintenanceFlags.noReboot, "no-reboot", false, "never reboot unless --force-reboot is given")
	f.IntVar(&maintenanceFlags.workers, "workers", 0, "hosts processed concurrently (default: from config)")

	f.StringVar(&maintenanceFlags.organization, "organization", "", "only hosts of this organization")
	f.StringVar(&maintenanceFlags.location, "location", "", "only hosts of this location")
	f.StringVar(&maintenanceFlags.environment, "environment", "", "only hosts of this Puppet environment")
	f.StringVar(&maintenanceFlags.hostgroup, "hostgroup", "", "only hosts of this hostgroup")
	f.StringSliceVar(&maintenanceFlags.include, "include", nil, "only hosts matching one of these patterns")
	f.StringSliceVar(&maintenanceFlags.exclude, "exclude", nil, "skip hosts matching any of these patterns")
	maintenanceCmd.MarkFlagsMutuallyExclusive("organization", "location", "environment", "hostgroup")

	for _, p := range phaseDescriptions {
		phase := p.phase
		maintenanceCmd.AddCommand(&cobra.Command{
			Use:   string(phase) + " REPORT",
			Short: p.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPhase(cmd, phase, args[0])
			},
		})
	}
}

func maintenanceOptions(c *config.Config) orchestration.Options {
	mc := c.Maintenance
	opts := orchestration.Options{
		DryRun:              maintenanceFlags.dryRun,
		SkipSnapshot:        maintenanceFlags.skipSnapshot,
		SkipDowntime:        maintenanceFlags.skipDowntime,
		DowntimeIfSuggested: mc.DowntimeIfSuggested || maintenanceFlags.downtimeIfSuggested,
		DowntimeHours:       mc.DowntimeHours,
		DowntimeComment:     mc.DowntimeComment,
		SnapshotDescription: mc.SnapshotDescription,
		InstallUpgrades:     mc.InstallUpgrades || maintenanceFlags.upgrades,
		ForceReboot:         maintenanceFlags.forceReboot,
		NoReboot:            maintenanceFlags.noReboot,
		Workers:             mc.Workers,
	}
	if maintenanceFlags.downtimeHours > 0 {
		opts.DowntimeHours = maintenanceFlags.downtimeHours
	}
	if maintenanceFlags.workers > 0 {
		opts.Workers = maintenanceFlags.workers
	}
	return opts
}

func maintenanceCriteria() filter.Criteria {
	return filter.Criteria{
		Organization: maintenanceFlags.organization,
		Location:     maintenanceFlags.location,
		Environment:  maintenanceFlags.environment,
		HostGroup:    maintenanceFlags.hostgroup,
		Include:      maintenanceFlags.include,
		Exclude:      maintenanceFlags.exclude,
	}
}

func runPhase(cmd *cobra.Command, phase orchestration.Phase, path string) error {
	ctx := cmd.Context()

	if _, err := report.Validate(path); err != nil {
		return err
	}
	store, err := report.Open(path)
	if err != nil {
		return err
	}

	hosts, removed, err := filter.Apply(store.Report(), maintenanceCriteria())
	if err != nil {
		return err
	}
	for _, r := range removed {
		logger.Info().Str("host", r.Key).Str("reason", r.Reason).Msg("Host filtered out")
	}
	if len(hosts) == 0 {
		logger.Warn().Str("report", path).Msg("No hosts left after filtering")
		return nil
	}

	resolver, err := newResolver(cfg)
	if err != nil {
		return err
	}

	met := metrics.New()
	clients := orchestration.NewClientManager(newRegistry(), resolver, managerOptions(cfg), logger, met)
	defer func() {
		if err := clients.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to close backend sessions")
		}
	}()

	m := orchestration.NewMaintenance(store, hosts, clients, maintenanceOptions(cfg), logger, met)
	summary, err := m.Run(ctx, phase)
	if err != nil {
		return fmt.Errorf("%s aborted: %w", phase, err)
	}

	printSummary(cmd.OutOrStdout(), summary)

	if cfg.Metrics.Textfile != "" {
		if err := met.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Warn().Err(err).Str("path", cfg.Metrics.Textfile).Msg("Failed to write metrics")
		}
	}

	return summary.Err()
}

func printSummary(w io.Writer, s *orchestration.RunSummary) {
	mode := ""
	if s.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "%s%s: %d hosts, %d failed\n", s.Phase, mode, len(s.Hosts), s.FailedHosts())

	for _, h := range s.Hosts {
		mark := "✓"
		if h.Failed() {
			mark = "✗"
		}
		fmt.Fprintf(w, "  %s %s\n", mark, h.Hostname)
		for _, st := range h.Steps {
			if st.Err != nil {
				fmt.Fprintf(w, "      %s: %s (%v)\n", st.Step, st.Outcome, st.Err)
			} else {
				fmt.Fprintf(w, "      %s: %s\n", st.Step, st.Outcome)
			}
		}
		for _, t := range h.Tasks {
			fmt.Fprintf(w, "      %s task %s: %s (%d/%d succeeded, %d failed, %d pending)\n",
				t.Kind, t.Record.ID, t.State, t.Record.Succeeded, t.Record.Total, t.Record.Failed, t.Record.Pending)
		}
	}
}
