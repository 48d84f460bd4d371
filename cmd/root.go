package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
)

// Exit codes.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfigInvalid = 2
)

var (
	// ConfigFile is the path to the YAML configuration.
	ConfigFile string
	logLevel   string

	cfg config.Config
	log logger.Logger = logger.Nop()

	// rootCmd is the base command for drbackup.
	rootCmd = &cobra.Command{
		Use:   "drbackup",
		Short: "Backup and disaster recovery for the transactional datastore",
		Long: `drbackup takes compressed, checksummed full backups of the datastore,
verifies them, enforces retention, and restores them with optional
point-in-time recovery from the WAL archive.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}
)

// setup loads configuration and initialises the logger before any subcommand runs.
func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(ConfigFile)
	if err != nil {
		if l, lerr := logger.Init(logger.Options{Level: logLevel}); lerr == nil {
			log = l
		}
		return err
	}
	cfg = loaded

	opts := logger.Options{Level: cfg.Log.Level, Development: cfg.Log.Development}
	if logLevel != "" {
		opts.Level = logLevel
	}
	l, err := logger.Init(opts)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfigurationInvalid, err)
	}
	log = l

	if !cfg.Enabled {
		return config.ErrDisabled
	}
	return nil
}

// Execute runs the root command and exits with the mapped status code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	code := exitCode(err)
	if err != nil {
		log.Error("command failed", "error", err.Error())
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	}
	logger.Cleanup()
	os.Exit(code)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, config.ErrConfigurationInvalid), errors.Is(err, config.ErrLoadConfig):
		return ExitConfigInvalid
	}
	return ExitFailure
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", "/etc/drbackup/config.yaml", "path to YAML config file")
	rootCmd.PersistentFlags().
		StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(walCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(daemonCmd)
}
