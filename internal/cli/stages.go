package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newStagesCommand creates the "stages" subcommand that lists the stages in execution order.
func newStagesCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List the stages, their target directories and supported providers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigFromCmd(opts, cmd)
			if err != nil {
				return err
			}
			p, err := buildPipeline(opts, cmd, cfg)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "#\tSTAGE\tTARGET\tPROVIDERS\tSCOPE\n")
			for i, s := range p.Stages() {
				names := make([]string, 0, len(s.Capabilities))
				for _, n := range s.Capabilities.Sorted() {
					names = append(names, string(n))
				}
				scope := s.ScopeSource
				if scope == "" {
					scope = "-"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, s.ID, s.Target, strings.Join(names, ","), scope)
			}
			return tw.Flush()
		},
	}

	addVarsFlags(cmd)
	return cmd
}
