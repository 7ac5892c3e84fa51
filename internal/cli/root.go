// Package cli implements the chatd command line: the bridge server, a
// notification tail for debugging and version reporting.
package cli

import (
	"errors"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-realtime/internal/config"
	"github.com/tbourn/go-chat-realtime/internal/sysutil"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	EnvFile  string
	LogLevel string // overrides LOG_LEVEL when set
	Version  string
}

// NewRootCommand creates the chatd root command.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:   "chatd",
		Short: "chatd - realtime chat client bridge",
		Long: `chatd keeps one user's realtime chat state: it follows the backend's
live event stream, reconciles optimistic sends and delivery/read statuses,
tracks presence and exposes the result to a local UI over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(opts.EnvFile)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level override (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTailCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// loadEnvFile fills unset environment variables from path. A missing file
// is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return WrapExitError(ExitConfigError, "load "+path, err)
	}
	return nil
}

// loadConfig reads and validates the configuration, applies flag overrides
// and installs the process logger writing to w.
func loadConfig(opts *RootOptions, w io.Writer) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), WrapExitError(ExitConfigError, "invalid configuration", err)
	}
	if err := cfg.RequireUser(); err != nil {
		return config.Config{}, zerolog.Nop(), WrapExitError(ExitConfigError, "invalid configuration", err)
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	lg := sysutil.NewLogger(cfg.LogLevel, cfg.LogPretty, w)
	return cfg, lg, nil
}
