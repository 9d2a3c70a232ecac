package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"server-dr/internal/confirmation"
	"server-dr/internal/recovery"
)

var (
	recoverDryRun     bool
	recoverForce      bool
	recoverWorkspace  string
	recoverComponents []string
)

// recoverCmd groups the recovery modes
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Restore a server from a backup archive",
	Long: `Restore components from a backup archive. The archive is a local path or
remote:<key> for an archive held on the remote destination.

Every mode validates and extracts the archive, shows the plan and asks for
confirmation before touching live state. Live files and databases are
snapshotted first so a bad restore can be undone by hand.

Examples:
  # List archives available locally and remotely
  server-dr recover list

  # Preview a full recovery
  server-dr recover full /var/backups/server-dr/daily/web01_20260101T020000Z.tar.gz --dry-run

  # Restore only the databases from a remote archive without prompting
  server-dr recover database remote:daily/web01_20260101T020000Z.tar.gz --force

  # Restore a chosen set of components
  server-dr recover selective backup.tar.gz --components configuration,certificates`,
}

// recoverListCmd lists recovery candidates
var recoverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archives available for recovery",
	Args:  cobra.NoArgs,
	RunE:  runRecoverList,
}

var modeHelp = map[recovery.Mode]string{
	recovery.ModeFull:          "Restore every component the archive holds",
	recovery.ModeDatabase:      "Restore the databases",
	recovery.ModeApplication:   "Restore the application tree",
	recovery.ModeConfiguration: "Restore configuration files and certificates",
	recovery.ModeSelective:     "Restore the components given by --components, or chosen interactively",
}

func init() {
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.AddCommand(recoverListCmd)

	for _, mode := range recovery.Modes() {
		recoverCmd.AddCommand(newRecoverModeCommand(mode))
	}

	pf := recoverCmd.PersistentFlags()
	pf.BoolVar(&recoverDryRun, "dry-run", false, "show what would be restored without changing anything")
	pf.BoolVar(&recoverForce, "force", false, "skip the confirmation prompt")
	pf.StringVar(&recoverWorkspace, "workspace", "", "extraction workspace (default: recovery.workspace_dir/<recovery id>)")
	pf.StringSliceVar(&recoverComponents, "components", nil, "components to restore in selective mode")
}

func newRecoverModeCommand(mode recovery.Mode) *cobra.Command {
	return &cobra.Command{
		Use:   string(mode) + " <archive>",
		Short: modeHelp[mode],
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(cmd, mode, args[0])
		},
	}
}

func newEngine(cmd *cobra.Command, withComponents bool) (*recovery.Engine, *backend, error) {
	b, err := newBackend(cmd.Context(), withComponents, true)
	if err != nil {
		return nil, nil, err
	}
	engine, err := recovery.NewEngine(appConfig, recovery.Deps{
		Registry:    b.registry,
		Destination: b.dest,
		Confirm:     confirmation.NewConfirmationServiceWithIO(os.Stdin, cmd.ErrOrStderr(), !noColor),
		Notifier:    b.notifier,
		Metrics:     b.metrics,
		Key:         b.key,
		Logger:      appLogger,
	})
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return engine, b, nil
}

func runRecover(cmd *cobra.Command, mode recovery.Mode, archivePath string) error {
	if mode != recovery.ModeSelective && len(recoverComponents) > 0 {
		return fmt.Errorf("--components only applies to selective mode")
	}
	selected, err := parseComponents(recoverComponents)
	if err != nil {
		return err
	}

	engine, b, err := newEngine(cmd, true)
	if err != nil {
		return err
	}
	defer b.Close()

	session, recoverErr := engine.Recover(cmd.Context(), recovery.Request{
		Mode:       mode,
		Archive:    archivePath,
		Components: selected,
		DryRun:     recoverDryRun,
		Force:      recoverForce,
		Workspace:  recoverWorkspace,
	})
	if err := renderer.Session(session); err != nil {
		return err
	}
	return sessionExit(session, recoverErr)
}

// sessionExit maps a terminal recovery session onto the process exit status
func sessionExit(s *recovery.Session, err error) error {
	switch s.Status {
	case recovery.StatusCompleted, recovery.StatusDryRun:
		return nil
	case recovery.StatusCompletedWithWarnings:
		return exitWith(ExitPartial, nil)
	case recovery.StatusAborted:
		return exitWith(ExitFailure, errors.New("recovery aborted: "+s.Error))
	}
	if err == nil {
		err = errors.New(s.Error)
	}
	return exitWith(ExitFailure, err)
}

func runRecoverList(cmd *cobra.Command, args []string) error {
	engine, b, err := newEngine(cmd, false)
	if err != nil {
		return err
	}
	defer b.Close()

	list, errs, err := engine.List(cmd.Context())
	if err != nil {
		return err
	}
	return renderer.Archives(list, errs)
}
