package cli

import (
	"github.com/spf13/cobra"

	"github.com/qhub-dev/qhubctl/internal/pipeline"
)

// newRenderCommand creates the "render" subcommand that writes the terraform source of every stage.
func newRenderCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the terraform source of every stage from qhub-config.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			cfg, err := loadConfigFromCmd(opts, cmd)
			if err != nil {
				return err
			}
			p, err := buildPipeline(opts, cmd, cfg)
			if err != nil {
				return err
			}

			report, err := p.Render(cmd.Context())
			if printErr := printReport(cmd.OutOrStdout(), report); printErr != nil {
				logger.Warn("print report", "error", printErr)
			}
			if err != nil {
				return err
			}
			logger.Info("rendered stages", "root", p.Root(), "stages", len(report.Stages))
			return nil
		},
	}

	addVarsFlags(cmd)
	return cmd
}

// renderFirst renders every stage unless disabled, logging the outcome.
func renderFirst(cmd *cobra.Command, p *pipeline.Pipeline, disabled bool) error {
	if disabled {
		return nil
	}
	if _, err := p.Render(cmd.Context()); err != nil {
		return err
	}
	LoggerFromContext(cmd.Context()).Info("rendered stages", "root", p.Root())
	return nil
}
