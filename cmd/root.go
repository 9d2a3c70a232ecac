package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"server-dr/internal/archive"
	"server-dr/internal/components"
	"server-dr/internal/config"
	"server-dr/internal/display"
	apperrors "server-dr/internal/errors"
	"server-dr/internal/logging"
	"server-dr/internal/metrics"
	"server-dr/internal/notify"
	"server-dr/internal/storage"
)

// Process exit statuses
const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitPartial is a partial backup run or a recovery completed with warnings
	ExitPartial = 2
	// ExitSkipped (EX_TEMPFAIL) is a run skipped for lock, resource or concurrency contention
	ExitSkipped = 75
)

const skipConfig = "skip-config"

var cfgFile string

// Global flag variables
var (
	verbose      bool
	quiet        bool
	logFormat    string
	logFile      string
	noColor      bool
	outputFormat string
)

// Loaded once per invocation by loadRuntime
var (
	appConfig  *config.Config
	appLogger  *logging.Logger
	configUsed string
	renderer   *display.Renderer
)

// Version information
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "server-dr",
	Short: "Server backup and disaster recovery",
	Long: `server-dr backs up a server's databases, cache, application tree,
configuration, certificates and monitoring data into one archive, ships it to
a remote destination and restores it on demand. A DR test harness exercises
the whole chain against disposable workspaces.

Examples:
  # Back up every enabled component
  server-dr run

  # Back up only the database into the weekly class, keeping it local
  server-dr run --components database --class weekly --no-upload

  # Show what a full recovery would do
  server-dr recover full /var/backups/server-dr/daily/web01_20260101T020000Z.tar.gz --dry-run

  # Run the DR test suite
  server-dr drtest run`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadRuntime,
}

// ExitError ends the process with a specific status. Err, when set, is
// printed before exiting.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitWith(code int, err error) error {
	if code == ExitOK {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

// Execute adds all child commands to the root command and exits with the
// status of the command that ran. This is called by main.main().
func Execute() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := apperrors.NewGracefulShutdownHandler()
	shutdown.RegisterShutdownFunc(func() error {
		fmt.Fprintln(stderr, "Interrupted, releasing the run lock and removing partial files...")
		return nil
	})
	shutdown.Start(stop)
	defer shutdown.Stop()

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if appLogger != nil {
		appLogger.Close()
		appLogger = nil
	}
	return exitCode(err, stderr)
}

func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return ExitOK
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		if exit.Err != nil {
			fmt.Fprintln(stderr, "Error:", apperrors.FormatUserError(exit.Err))
		}
		return exit.Code
	}
	fmt.Fprintln(stderr, "Error:", apperrors.FormatUserError(err))
	return ExitFailure
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: first of "+strings.Join(config.SearchPaths(), ", ")+")")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	pf.BoolVarP(&quiet, "quiet", "q", false, "log errors only")
	pf.StringVar(&logFormat, "log-format", "", "log format (text, json); overrides logging.format")
	pf.StringVar(&logFile, "log-file", "", "write logs to a rotated file; overrides logging.file")
	pf.BoolVar(&noColor, "no-color", false, "disable color output")
	pf.StringVar(&outputFormat, "format", "table", "output format (table, json, yaml)")

	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
}

// loadRuntime reads the configuration and builds the logger and renderer
// before any subcommand runs
func loadRuntime(cmd *cobra.Command, args []string) error {
	if cmd.Annotations[skipConfig] != "" || cmd.Name() == "help" {
		return nil
	}

	format, err := display.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	renderer = display.NewRenderer(cmd.OutOrStdout(), format, noColor)

	configUsed = ""
	v := viper.New()
	config.ConfigureViper(v, cfgFile)
	if used := v.ConfigFileUsed(); used != "" {
		if err := v.ReadInConfig(); err != nil {
			return apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
				fmt.Sprintf("failed to read config file %s", used), err)
		}
		configUsed, _ = filepath.Abs(used)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	appConfig = cfg

	logger, err := logging.NewLogger(loggerConfig(cfg.Logging, cmd.ErrOrStderr()))
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "failed to open log file", err)
	}
	appLogger = logger
	if configUsed != "" {
		appLogger.WithField("config", configUsed).Debug("Using config file")
	}
	return nil
}

// loggerConfig merges the logging section with the global flags; flags win
func loggerConfig(lc config.LoggingConfig, stderr io.Writer) logging.Config {
	level := logging.ParseLevel(lc.Level)
	switch {
	case quiet:
		level = logging.LogLevelQuiet
	case verbose && level != logging.LogLevelDebug:
		level = logging.LogLevelVerbose
	}

	format := lc.Format
	if logFormat != "" {
		format = logFormat
	}
	file := lc.File
	if logFile != "" {
		file = logFile
	}

	return logging.Config{
		Level:   level,
		Output:  stderr,
		Format:  format,
		LogFile: file,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAgeDays: lc.MaxAgeDays,
			Compress:   lc.Compress,
		},
	}
}

// backend holds the collaborators shared by run, recover and drtest
type backend struct {
	registry *components.Registry
	dest     storage.Destination
	key      archive.KeySource
	notifier *notify.Notifier
	metrics  *metrics.Recorder
}

// newBackend builds the component registry and, when remote is set, the
// destination. Call Close when done.
func newBackend(ctx context.Context, withComponents, remote bool) (*backend, error) {
	b := &backend{
		notifier: notify.New(appConfig.Notifications, appConfig.Hostname, appLogger),
		metrics:  metrics.NewRecorder(appConfig.Metrics.TextfilePath),
	}

	key, err := archive.LoadKey(appConfig.Archive.Encryption)
	if err != nil {
		return nil, err
	}
	b.key = key

	if withComponents {
		reg, err := components.NewRegistry(appConfig, components.Deps{Logger: appLogger})
		if err != nil {
			return nil, err
		}
		b.registry = reg
	} else {
		b.registry = components.NewEmptyRegistry()
	}

	if remote {
		dest, err := storage.New(ctx, appConfig.Remote)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.dest = dest
	}
	return b, nil
}

func (b *backend) Close() error {
	var firstErr error
	if b.dest != nil {
		firstErr = b.dest.Close()
	}
	if err := b.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// parseComponents turns --components values into components; empty means all enabled
func parseComponents(names []string) ([]components.Component, error) {
	if len(names) == 0 {
		return nil, nil
	}
	return components.ParseList(names)
}

// SetVersionInfo sets the version information
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version information",
		Long:        "Print the version information for server-dr",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server-dr version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}

func createConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print a sample configuration file",
		Long: `Print a commented sample configuration with every default filled in.

Examples:
  # Start a new configuration
  server-dr config > /etc/server-dr/config.yaml`,
		Annotations: map[string]string{skipConfig: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.WriteSample(cmd.OutOrStdout())
		},
	}
}
