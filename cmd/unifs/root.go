package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gobeaver/unifs"
	_ "github.com/gobeaver/unifs/driver/archive"
	_ "github.com/gobeaver/unifs/driver/gdrive"
	_ "github.com/gobeaver/unifs/driver/local"
	_ "github.com/gobeaver/unifs/driver/sftp"
	_ "github.com/gobeaver/unifs/driver/smb"
	"github.com/gobeaver/unifs/internal/logging"
	"github.com/spf13/cobra"
)

var (
	Version         = "dev"
	credentialsFile string
	logLevel        string
	disabledSchemes string

	registry *unifs.Registry
)

var rootCmd = &cobra.Command{
	Use:     "unifs",
	Short:   "Unified file access across local, SFTP, SMB, archive and Google Drive",
	Version: Version,
	Long: `unifs lists and manipulates files on any supported backend through a
single location syntax:

  file:///home/me/docs          local disk ("~" expands to the home directory)
  sftp://user@host:22/srv       SFTP server
  smb://host/share/dir          SMB share (smb://host/ lists shares)
  archive:///?src=<url>&path=/  entries inside zip, tar and rar archives
  gdrive://me@example.com/      Google Drive account

Credentials are read from the YAML file named by --credentials or
UNIFS_CREDENTIALS_FILE.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if registry != nil {
			if err := registry.Close(); err != nil {
				logging.L().Warn(err.Error())
			}
		}
		_ = logging.Sync()
	},
}

// Execute runs the root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&credentialsFile, "credentials", "c", "", "Credentials YAML file (or set UNIFS_CREDENTIALS_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (or set UNIFS_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&disabledSchemes, "disable", "", "Comma-separated schemes to leave out")
}

func setup(cmd *cobra.Command, args []string) error {
	cfg, err := unifs.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if credentialsFile != "" {
		cfg.CredentialsFile = credentialsFile
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if disabledSchemes != "" {
		cfg.DisabledSchemes = disabledSchemes
	}
	// Logs go to stderr; stdout carries command output.
	cfg.LogFormat = "console"

	registry, err = unifs.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}
	return nil
}

// resolve parses raw and finds its provider.
func resolve(raw string) (unifs.Provider, unifs.Location, error) {
	return registry.Resolve(raw)
}

// exitCode maps error kinds to distinct exit statuses for scripting.
func exitCode(err error) int {
	switch {
	case unifs.IsNotExist(err):
		return 2
	case unifs.IsPermission(err), unifs.IsNoCredentials(err):
		return 3
	case unifs.IsExist(err):
		return 4
	}
	return 1
}
