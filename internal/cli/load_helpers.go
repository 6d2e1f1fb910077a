package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/qhub-dev/qhubctl/internal/config"
	"github.com/qhub-dev/qhubctl/internal/env"
	"github.com/qhub-dev/qhubctl/internal/pipeline"
	"github.com/qhub-dev/qhubctl/internal/render"
	"github.com/qhub-dev/qhubctl/internal/stages"
	"github.com/qhub-dev/qhubctl/internal/terraform"
)

func parseInlineVarsAndFiles(cmd *cobra.Command) (env.Vars, []string, error) {
	if err := applyVarsEnv(cmd); err != nil {
		return nil, nil, err
	}
	inlineVars, err := env.ParseInlineVars(cmd.Flag("vars").Value.String())
	if err != nil {
		return nil, nil, err
	}

	varFile := cmd.Flag("var-file").Value.String()
	var varFiles []string
	if varFile != "" {
		varFiles = append(varFiles, varFile)
	}
	return inlineVars, varFiles, nil
}

// loadConfigFromCmd loads and validates the configuration named by --config.
func loadConfigFromCmd(opts *Options, cmd *cobra.Command) (*config.Config, error) {
	inlineVars, varFiles, err := parseInlineVarsAndFiles(cmd)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(opts.ConfigPath, config.LoadOptions{
		UserVars: inlineVars,
		VarFiles: varFiles,
	})
	if err != nil {
		return nil, err
	}
	if opts.StagesDir != "" {
		dir, err := filepath.Abs(opts.StagesDir)
		if err != nil {
			return nil, fmt.Errorf("resolve stages dir %q: %w", opts.StagesDir, err)
		}
		cfg.Stages.Directory = dir
	}
	return cfg, nil
}

// buildPipeline assembles the stage catalog with the terraform backend and
// the template renderer.
func buildPipeline(opts *Options, cmd *cobra.Command, cfg *config.Config) (*pipeline.Pipeline, error) {
	logger := LoggerFromContext(cmd.Context())
	if err := render.CheckRoot(cfg.StagesDir()); err != nil {
		return nil, err
	}
	backend, err := opts.newBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	descs := stages.New(cfg, stages.Options{Logger: logger})
	return pipeline.New(cfg, descs, backend, render.New(), pipeline.WithLogger(logger))
}

func newTerraformBackend(cfg *config.Config, logger *slog.Logger) (pipeline.Backend, error) {
	timeout, err := cfg.TerraformTimeout()
	if err != nil {
		return nil, fmt.Errorf("terraform timeout: %w", err)
	}
	runner := terraform.NewExecRunner(cfg.Terraform.Binary, logger)
	return terraform.New(runner, terraform.WithTimeout(timeout), terraform.WithLogger(logger)), nil
}

func addVarsFlags(cmd *cobra.Command) {
	cmd.Flags().String("vars", "", "Additional variables in k=v,k2=v2 format")
	cmd.Flags().String("var-file", "", "Path to YAML/ENV file with additional variables")
}
