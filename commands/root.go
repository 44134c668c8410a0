// Package commands implements the androidfarm command line.
package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"androidfarm/config"
	"androidfarm/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logPretty  bool
	logDir     string
}

var (
	opts rootOptions

	// loaded by the persistent pre-run of every command
	cfg config.Config

	// open log file, closed by Execute
	logFile *os.File
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "androidfarm",
		Short: "androidfarm - connection pool and streaming orchestrator for Android device farms",
		Long: `androidfarm discovers Android devices over adb, streams their screens with
scrcpy-server and fans every stream out to any number of viewers.

A bounded connection pool caps how many devices stream at once, picks a
quality tier from the fleet size and reclaims idle connections.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return prepare(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", os.Getenv("FARM_CONFIG"), "path to the YAML config file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.logPretty, "log-pretty", false, "human readable console logs")
	flags.StringVar(&opts.logDir, "log-dir", "", "also write logs to a timestamped file in this directory")

	cmd.AddCommand(newServeCmd(), newDevicesCmd(), newStatusCmd())
	return cmd
}

// prepare loads the configuration, applies flag overrides and sets up
// logging before any command runs.
func prepare(cmd *cobra.Command) error {
	loaded, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		loaded.Log.Level = opts.logLevel
	}
	if flags.Changed("log-pretty") {
		loaded.Log.Pretty = opts.logPretty
	}
	if flags.Changed("log-dir") {
		loaded.Log.Dir = opts.logDir
	}
	cfg = loaded

	out, err := setupLogging(loaded.Log.Dir, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	logging.Reset()
	logging.Configure(logging.Config{
		Level:  loaded.Log.Level,
		Output: out,
		Pretty: loaded.Log.Pretty,
	})
	return nil
}

// setupLogging opens a timestamped log file in dir and returns a writer
// that copies to both console and file. With no dir it returns console.
func setupLogging(dir string, console io.Writer) (io.Writer, error) {
	if dir == "" {
		return console, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// log/2025-12-08_21-52-35.log
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	path := filepath.Join(dir, timestamp+".log")

	// #nosec G304 -- the directory comes from the operator
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	return io.MultiWriter(console, f), nil
}

// Execute runs the root command.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	defer func() {
		if logFile != nil {
			_ = logFile.Close()
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		printError(rootCmd.ErrOrStderr(), err)
		return err
	}
	return nil
}

// SetVersionInfo sets the version printed by --version.
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}
