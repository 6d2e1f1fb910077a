package cli

import (
	"github.com/spf13/cobra"

	"github.com/qhub-dev/qhubctl/internal/pipeline"
)

// newDeployCommand creates the "deploy" subcommand that provisions every stage in order.
func newDeployCommand(opts *Options) *cobra.Command {
	var disableChecks, disableRender bool

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Render and deploy every stage, checking each one after it is provisioned",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			var envCfg deployEnv
			if err := parseEnv(&envCfg); err != nil {
				return err
			}
			if !cmd.Flags().Changed("disable-checks") && envPresent("QHUB_DISABLE_CHECKS") {
				disableChecks = envCfg.DisableChecks
			}
			if !cmd.Flags().Changed("disable-render") && envPresent("QHUB_DISABLE_RENDER") {
				disableRender = envCfg.DisableRender
			}

			cfg, err := loadConfigFromCmd(opts, cmd)
			if err != nil {
				return err
			}
			p, err := buildPipeline(opts, cmd, cfg)
			if err != nil {
				return err
			}
			if err := renderFirst(cmd, p, disableRender); err != nil {
				return err
			}

			logger.Info("deploying", "project", cfg.ProjectName, "provider", cfg.Provider, "namespace", cfg.Namespace)
			report, err := p.Deploy(cmd.Context(), pipeline.DeployOptions{SkipChecks: disableChecks})
			if printErr := printReport(cmd.OutOrStdout(), report); printErr != nil {
				logger.Warn("print report", "error", printErr)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&disableChecks, "disable-checks", false, "Skip the checks run after each stage")
	cmd.Flags().BoolVar(&disableRender, "disable-render", false, "Deploy the stage sources already on disk")
	addVarsFlags(cmd)
	return cmd
}
