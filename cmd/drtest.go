package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"server-dr/internal/components"
	"server-dr/internal/drtest"
)

var drtestComponents []string

// drtestCmd groups the DR test harness
var drtestCmd = &cobra.Command{
	Use:   "drtest",
	Short: "Exercise backup and recovery in a disposable workspace",
	Long: `Run disaster-recovery tests. Each invocation takes a fresh backup into its own
workspace under drtest.workspace_dir, never touching the production lock or
remote destination, then runs the chosen tests against that archive.
Databases are restored under scratch names and dropped afterwards.

A JSON report is written to the workspace and copied to drtest.report_dir.

Examples:
  # Full suite
  server-dr drtest run

  # Only check that the database restores
  server-dr drtest test-database

  # Show the newest report
  server-dr drtest generate-report --format json`,
}

type drtestStep struct {
	use   string
	short string
	opts  func(cs []components.Component) drtest.Options
}

var drtestSteps = []drtestStep{
	{"run", "Run the full DR test suite", drtest.SuiteOptions},
	{"create-backup", "Take a disposable backup only", func(cs []components.Component) drtest.Options {
		return drtest.Options{Components: cs}
	}},
	{"test-integrity", "Back up, then validate the archive", func(cs []components.Component) drtest.Options {
		return drtest.Options{Components: cs, Integrity: true}
	}},
	{"test-database", "Back up, then restore databases under scratch names", restoreStep(components.Database)},
	{"test-application", "Back up, then restore the application tree into scratch", restoreStep(components.Application)},
	{"test-config", "Back up, then restore configuration into scratch", restoreStep(components.Configuration)},
	{"test-performance", "Back up, then time extraction against the baseline", func(cs []components.Component) drtest.Options {
		return drtest.Options{Components: cs, Performance: true}
	}},
}

func restoreStep(c components.Component) func([]components.Component) drtest.Options {
	return func(cs []components.Component) drtest.Options {
		return drtest.Options{Components: cs, Restore: []components.Component{c}}
	}
}

// drtestReportCmd renders the latest report
var drtestReportCmd = &cobra.Command{
	Use:   "generate-report",
	Short: "Show the newest DR test report",
	Args:  cobra.NoArgs,
	RunE:  runDRTestReport,
}

func init() {
	rootCmd.AddCommand(drtestCmd)
	for _, step := range drtestSteps {
		drtestCmd.AddCommand(newDRTestStepCommand(step))
	}
	drtestCmd.AddCommand(drtestReportCmd)

	drtestCmd.PersistentFlags().StringSliceVar(&drtestComponents, "components", nil, "components to back up (default: all enabled)")
}

func newDRTestStepCommand(step drtestStep) *cobra.Command {
	return &cobra.Command{
		Use:   step.use,
		Short: step.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := parseComponents(drtestComponents)
			if err != nil {
				return err
			}
			return runDRTest(cmd, step.opts(cs))
		},
	}
}

func runDRTest(cmd *cobra.Command, opts drtest.Options) error {
	b, err := newBackend(cmd.Context(), true, false)
	if err != nil {
		return err
	}
	defer b.Close()

	harness, err := drtest.NewHarness(appConfig, drtest.Deps{
		Registry: b.registry,
		Key:      b.key,
		Notifier: b.notifier,
		Metrics:  b.metrics,
		Logger:   appLogger,
	})
	if err != nil {
		return err
	}

	run, runErr := harness.Run(cmd.Context(), opts)
	if run != nil {
		if err := renderer.DRTest(run); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	return drtestExit(run)
}

func drtestExit(run *drtest.TestRun) error {
	if run.Status == drtest.StatusPassed {
		return nil
	}
	return exitWith(ExitFailure, fmt.Errorf("DR test %s failed: %s", shortID(run.TestID), strings.Join(run.FailedTests, ", ")))
}

func runDRTestReport(cmd *cobra.Command, args []string) error {
	run, path, err := drtest.LatestReport(appConfig.DRTest.ReportDir)
	if err != nil {
		return err
	}
	run.ReportPath = path
	if err := renderer.DRTest(run); err != nil {
		return err
	}
	return drtestExit(run)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
