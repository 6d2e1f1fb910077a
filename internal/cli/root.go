// Package cli defines the command-line interface for qhubctl.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/qhub-dev/qhubctl/internal/config"
	"github.com/qhub-dev/qhubctl/internal/logging"
	"github.com/qhub-dev/qhubctl/internal/pipeline"
)

// Options stores global CLI options shared between commands.
type Options struct {
	ConfigPath string
	StagesDir  string
	LogLevel   logging.Level
	LogFormat  string

	// newBackend builds the terraform collaborator; tests replace it.
	newBackend func(cfg *config.Config, logger *slog.Logger) (pipeline.Backend, error)
	// stderr receives log output.
	stderr io.Writer
}

// Execute builds the root command, runs it with the provided args and logger, and returns any error.
func Execute(ctx context.Context, args []string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewLogger(os.Stderr, logging.LevelInfo)
	}

	rootOpts := &Options{
		ConfigPath: config.DefaultFileName,
		LogLevel:   logging.LevelInfo,
		newBackend: newTerraformBackend,
		stderr:     os.Stderr,
	}

	rootCmd := newRootCommand(rootOpts, logger)
	rootCmd.SetArgs(args)

	return rootCmd.ExecuteContext(ctx)
}

// newRootCommand constructs the root cobra.Command with global flags and subcommands.
func newRootCommand(opts *Options, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "qhubctl",
		Short:         "qhubctl deploys qhub onto a cloud or an existing Kubernetes cluster",
		Long:          "qhubctl renders, deploys and destroys the ordered terraform stages of a qhub deployment described by qhub-config.yaml.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyBaseEnv(cmd, opts); err != nil {
				return err
			}
			level := logging.ParseLevel(cmd.Flag("log-level").Value.String())
			opts.LogLevel = level
			l, err := logging.NewLoggerWithFormat(opts.stderr, level, opts.LogFormat)
			if err != nil {
				return err
			}
			logger = l
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
			logger.Debug("logger initialized", "level", level, "format", opts.LogFormat)
			return nil
		},
	}
	if opts.stderr == nil {
		opts.stderr = os.Stderr
	}
	if opts.newBackend == nil {
		opts.newBackend = newTerraformBackend
	}
	cmd.SetContext(context.WithValue(context.Background(), loggerKey{}, logger))

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.DefaultFileName, "Path to qhub-config.yaml")
	cmd.PersistentFlags().StringVar(&opts.StagesDir, "stages-dir", "", "Override the stage root directory")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", logging.FormatTint, "Log format (tint, json, text)")

	cmd.AddCommand(
		newRenderCommand(opts),
		newDeployCommand(opts),
		newDestroyCommand(opts),
		newValidateCommand(opts),
		newStagesCommand(opts),
		newInitCommand(opts),
	)

	return cmd
}

// loggerKey is a private context key used to store a logger in command contexts.
type loggerKey struct{}

// LoggerFromContext extracts a logger from the context or falls back to a default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return logging.NewLogger(os.Stderr, logging.LevelInfo)
	}
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return logging.NewLogger(os.Stderr, logging.LevelInfo)
}
