package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qhub-dev/qhubctl/internal/config"
)

// versioner is implemented by backends that can report the engine version.
type versioner interface {
	Version(ctx context.Context) (string, error)
}

// newValidateCommand creates the "validate" subcommand that loads the configuration and checks the stage order.
func newValidateCommand(opts *Options) *cobra.Command {
	var skipTerraform bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate qhub-config.yaml and the stage order without touching any infrastructure",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigFromCmd(opts, cmd)
			if err != nil {
				return err
			}
			p, err := buildPipeline(opts, cmd, cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "configuration %s is valid: %d stages for provider %s\n", opts.ConfigPath, len(p.Stages()), p.Provider()); err != nil {
				return err
			}
			if skipTerraform {
				return nil
			}
			return printTerraformVersion(cmd, opts, cfg)
		},
	}

	cmd.Flags().BoolVar(&skipTerraform, "skip-terraform", false, "Do not check that the terraform binary runs")
	addVarsFlags(cmd)
	return cmd
}

func printTerraformVersion(cmd *cobra.Command, opts *Options, cfg *config.Config) error {
	backend, err := opts.newBackend(cfg, LoggerFromContext(cmd.Context()))
	if err != nil {
		return err
	}
	v, ok := backend.(versioner)
	if !ok {
		return nil
	}
	version, err := v.Version(cmd.Context())
	if err != nil {
		return fmt.Errorf("terraform preflight: %w", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "terraform %s (%s)\n", version, cfg.Terraform.Binary)
	return err
}
