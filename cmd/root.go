package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/capwatch/internal/classify"
	"github.com/fakeyudi/capwatch/internal/config"
	"github.com/fakeyudi/capwatch/internal/logging"
)

// Process exit codes. A supervisor re-runs login on ExitLoginRequired and
// treats ExitFailure as a transient or fatal problem.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitLoginRequired = 2
)

// version is stamped at build time with -ldflags "-X ...cmd.version=...".
var version = "dev"

// cfg holds the merged configuration, populated in PersistentPreRunE.
var cfg config.Config

var (
	flagEnvFile  string
	flagDataDir  string
	flagLogLevel string
	flagLogFile  string
)

var logCloser io.Closer

var rootCmd = &cobra.Command{
	Use:           "capwatch",
	Short:         "Track subscription usage limits from the account usage page",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(flagEnvFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if flagDataDir != "" {
			loaded.DataDir = flagDataDir
			loaded.ProfileDir = ""
			if err := loaded.ResolveDirs(); err != nil {
				return err
			}
		}
		if flagLogLevel != "" {
			loaded.LogLevel = flagLogLevel
		}
		if flagLogFile != "" {
			loaded.LogFile = flagLogFile
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		cfg = loaded

		closer, err := logging.Setup(logging.Options{
			Level: cfg.LogLevel,
			File:  cfg.LogFile,
			Out:   cmd.ErrOrStderr(),
		})
		if err != nil {
			return err
		}
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
			logCloser = nil
		}
	},
}

// Execute runs the root command and exits with the code ExitCode assigns to
// its error.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(ExitCode(err))
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ce *classify.Error
	if errors.As(err, &ce) && ce.Kind.RequiresLogin() {
		return ExitLoginRequired
	}
	return ExitFailure
}

// GetConfig returns the merged configuration for use by subcommands.
func GetConfig() config.Config {
	return cfg
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagEnvFile, "env-file", ".env", "dotenv file with CAPWATCH_* settings")
	pf.StringVar(&flagDataDir, "data-dir", "", "directory for session, record and control files")
	pf.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flagLogFile, "log-file", "", "write JSON logs to this rotated file instead of stderr")
}
