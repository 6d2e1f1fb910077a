package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qhub-dev/qhubctl/internal/pipeline"
)

// newDestroyCommand creates the "destroy" subcommand that tears every stage down in reverse order.
func newDestroyCommand(opts *Options) *cobra.Command {
	var ignoreErrors, yes, disableRender bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy every stage in reverse order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			var envCfg destroyEnv
			if err := parseEnv(&envCfg); err != nil {
				return err
			}
			if !cmd.Flags().Changed("ignore-errors") && envPresent("QHUB_IGNORE_ERRORS") {
				ignoreErrors = envCfg.IgnoreErrors
			}
			if !cmd.Flags().Changed("yes") && envPresent("QHUB_YES") {
				yes = envCfg.Yes
			}

			cfg, err := loadConfigFromCmd(opts, cmd)
			if err != nil {
				return err
			}
			if !yes {
				ok, err := confirm(cmd, fmt.Sprintf("Destroy qhub deployment %s (%s)? Type the project name to confirm: ", cfg.ProjectName, cfg.Provider), cfg.ProjectName)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("destroy aborted")
				}
			}

			p, err := buildPipeline(opts, cmd, cfg)
			if err != nil {
				return err
			}
			if err := renderFirst(cmd, p, disableRender); err != nil {
				return err
			}

			logger.Info("destroying", "project", cfg.ProjectName, "provider", cfg.Provider, "ignore_errors", ignoreErrors)
			report, err := p.Destroy(cmd.Context(), pipeline.DestroyOptions{IgnoreErrors: ignoreErrors})
			if printErr := printReport(cmd.OutOrStdout(), report); printErr != nil {
				logger.Warn("print report", "error", printErr)
			}
			if err != nil {
				return err
			}
			for _, s := range report.Stages {
				if !s.Destroyed {
					logger.Warn("stage was not destroyed", "stage", s.ID, "error", s.Err)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&ignoreErrors, "ignore-errors", false, "Keep destroying remaining stages after a failure")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not prompt for confirmation")
	cmd.Flags().BoolVar(&disableRender, "disable-render", false, "Destroy using the stage sources already on disk")
	addVarsFlags(cmd)
	return cmd
}

// confirm asks question on the command's output and reports whether the answer equals want.
func confirm(cmd *cobra.Command, question, want string) (bool, error) {
	fmt.Fprint(cmd.OutOrStdout(), question)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	return strings.TrimSpace(line) == want, nil
}
