package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/qhub-dev/qhubctl/internal/pipeline"
)

// printReport writes one line per stage of a run.
func printReport(w io.Writer, report pipeline.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "STAGE\tSTATE\tTARGET\tERROR\n")
	for _, s := range report.Stages {
		msg := ""
		if s.Err != nil {
			msg = s.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.State, s.Target, msg)
	}
	return tw.Flush()
}
