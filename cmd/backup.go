package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"server-dr/internal/coordinator"
	"server-dr/internal/execution"
)

var (
	// Run flags
	runComponents []string
	runClass      string
	runNoUpload   bool
	runNoPrune    bool

	// Schedule flags
	scheduleExpression string

	// Health flags
	healthMaxAge time.Duration
)

// runCmd performs one backup run
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a backup now",
	Long: `Back up every enabled component into one archive, verify it, upload it
and apply retention.

The run holds an exclusive lock for its whole duration. A run that cannot
take the lock, or that finds the host short of disk, memory or CPU headroom,
is skipped and exits with status 75. A run where some components failed
exits with status 2.

Examples:
  # Back up everything into the default class
  server-dr run

  # Back up the database and cache into the weekly class
  server-dr run --components database,cache --class weekly

  # Keep the archive local
  server-dr run --no-upload`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

// installScheduleCmd writes the crontab entry
var installScheduleCmd = &cobra.Command{
	Use:   "install-schedule",
	Short: "Install the backup crontab entry",
	Long: `Install a crontab entry that invokes "server-dr run" on a schedule.
Any earlier entry written by server-dr is replaced.

Examples:
  # Nightly at 02:00
  server-dr install-schedule --schedule "0 2 * * *"`,
	Args: cobra.NoArgs,
	RunE: runInstallSchedule,
}

// uninstallScheduleCmd removes the crontab entry
var uninstallScheduleCmd = &cobra.Command{
	Use:   "uninstall-schedule",
	Short: "Remove the backup crontab entry",
	Args:  cobra.NoArgs,
	RunE:  runUninstallSchedule,
}

// statusCmd reports the last runs, the lock and local archives
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backup status",
	Long: `Show the last run, the last successful run, the run lock and the local
archive inventory.

Examples:
  server-dr status
  server-dr status --format json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

// healthCheckCmd exits non-zero when backups are stale or broken
var healthCheckCmd = &cobra.Command{
	Use:   "health-check",
	Short: "Check that backups are recent and healthy",
	Long: `Exit 0 when the newest successful backup is younger than --max-age and
nothing else is wrong, 1 otherwise. Meant for monitoring probes.

Examples:
  server-dr health-check --max-age 26h`,
	Args: cobra.NoArgs,
	RunE: runHealthCheck,
}

// testCmd is the quick self-check
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Check configuration, directories, tools and the destination",
	Long: `Run quick readiness checks without backing anything up: the lock, staging
and backup directories are writable, resource limits hold, each enabled
component can reach its service and tools, the schedule parses and the remote
destination answers.`,
	Args: cobra.NoArgs,
	RunE: runSelfTest,
}

// daemonCmd runs the scheduler in the foreground
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run scheduled backups in the foreground",
	Long: `Run backups in-process on schedule.expression until interrupted. This is
an alternative to install-schedule for hosts without cron.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd, installScheduleCmd, uninstallScheduleCmd, statusCmd, healthCheckCmd, testCmd, daemonCmd)

	runCmd.Flags().StringSliceVar(&runComponents, "components", nil, "components to back up (default: all enabled)")
	runCmd.Flags().StringVar(&runClass, "class", "", "retention class (daily, weekly, monthly); default from config")
	runCmd.Flags().BoolVar(&runNoUpload, "no-upload", false, "keep the archive local")
	runCmd.Flags().BoolVar(&runNoPrune, "no-prune", false, "skip retention pruning")

	daemonCmd.Flags().StringSliceVar(&runComponents, "components", nil, "components to back up (default: all enabled)")
	daemonCmd.Flags().StringVar(&runClass, "class", "", "retention class; default from config")
	daemonCmd.Flags().BoolVar(&runNoUpload, "no-upload", false, "keep archives local")

	installScheduleCmd.Flags().StringVar(&scheduleExpression, "schedule", "", "cron expression (default: schedule.expression)")

	healthCheckCmd.Flags().DurationVar(&healthMaxAge, "max-age", 26*time.Hour, "maximum age of the newest successful backup")
}

func newCoordinator(cmd *cobra.Command, withComponents, remote bool) (*coordinator.Coordinator, *backend, error) {
	b, err := newBackend(cmd.Context(), withComponents, remote)
	if err != nil {
		return nil, nil, err
	}
	co, err := coordinator.New(appConfig, coordinator.Deps{
		Registry:    b.registry,
		Destination: b.dest,
		Notifier:    b.notifier,
		Metrics:     b.metrics,
		Key:         b.key,
		Logger:      appLogger,
	})
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return co, b, nil
}

func runOptions() (coordinator.RunOptions, error) {
	cs, err := parseComponents(runComponents)
	if err != nil {
		return coordinator.RunOptions{}, err
	}
	return coordinator.RunOptions{
		Components: cs,
		Class:      runClass,
		SkipUpload: runNoUpload,
		NoPrune:    runNoPrune,
	}, nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	opts, err := runOptions()
	if err != nil {
		return err
	}
	co, b, err := newCoordinator(cmd, true, !opts.SkipUpload)
	if err != nil {
		return err
	}
	defer b.Close()
	defer co.Close()

	run, runErr := co.Run(cmd.Context(), opts)
	if err := renderer.Run(run); err != nil {
		return err
	}
	return runExit(run, runErr)
}

// runExit maps a terminal run onto the process exit status
func runExit(run *coordinator.BackupRun, err error) error {
	switch run.Status {
	case coordinator.StatusSuccess:
		return nil
	case coordinator.StatusPartial:
		return exitWith(ExitPartial, nil)
	case coordinator.StatusSkipped:
		return exitWith(ExitSkipped, nil)
	}
	if err == nil {
		err = errors.New(run.Error)
	}
	return exitWith(ExitFailure, err)
}

func newScheduler() *coordinator.Scheduler {
	cfg := appConfig.Schedule
	if scheduleExpression != "" {
		cfg.Expression = scheduleExpression
	}
	return coordinator.NewScheduler(cfg, configUsed, execution.NewExecutor(appLogger), appLogger)
}

func runInstallSchedule(cmd *cobra.Command, args []string) error {
	line, err := newScheduler().Install(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Installed crontab entry:\n  %s\n", line)
	return nil
}

func runUninstallSchedule(cmd *cobra.Command, args []string) error {
	removed, err := newScheduler().Uninstall(cmd.Context())
	if err != nil {
		return err
	}
	if removed {
		fmt.Fprintln(cmd.OutOrStdout(), "Removed the server-dr crontab entry")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "No server-dr crontab entry was installed")
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	co, b, err := newCoordinator(cmd, false, true)
	if err != nil {
		return err
	}
	defer b.Close()
	defer co.Close()

	report, err := co.Status(cmd.Context())
	if err != nil {
		return err
	}
	return renderer.Status(report)
}

func runHealthCheck(cmd *cobra.Command, args []string) error {
	co, b, err := newCoordinator(cmd, false, false)
	if err != nil {
		return err
	}
	defer b.Close()
	defer co.Close()

	problems, err := co.HealthCheck(cmd.Context(), healthMaxAge)
	if err != nil {
		return err
	}
	if err := renderer.Health(problems); err != nil {
		return err
	}
	if len(problems) > 0 {
		return exitWith(ExitFailure, nil)
	}
	return nil
}

func runSelfTest(cmd *cobra.Command, args []string) error {
	co, b, err := newCoordinator(cmd, true, true)
	if err != nil {
		return err
	}
	defer b.Close()
	defer co.Close()

	checks := co.SelfTest(cmd.Context())
	if err := renderer.Checks("Self-test", checks); err != nil {
		return err
	}
	for _, c := range checks {
		if !c.Passed {
			return exitWith(ExitFailure, nil)
		}
	}
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	opts, err := runOptions()
	if err != nil {
		return err
	}
	co, b, err := newCoordinator(cmd, true, !opts.SkipUpload)
	if err != nil {
		return err
	}
	defer b.Close()
	defer co.Close()

	return co.Daemon(cmd.Context(), opts)
}
