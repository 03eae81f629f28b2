package report

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ehr/ehr-etl/internal/domain/entity"
)

// WriteSummary prints a plain-text digest of the reports. Either may be nil.
func WriteSummary(out io.Writer, q *QualityReport, l *LoadReport) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	if q != nil {
		fmt.Fprintf(tw, "Run %s\n", q.RunID)
		fmt.Fprintf(tw, "Overall quality score: %.3f\n\n", q.Overall)
		fmt.Fprintln(tw, "ENTITY\tRECORDS\tREJECTED\tREPAIRED\tORPHANS\tSCORE")
		for _, t := range entity.All {
			e, ok := q.Entities[t]
			if !ok {
				continue
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.3f\n", t, e.RecordCount, e.Rejected, e.Repaired, e.Orphans, e.QualityScore)
		}
		for _, f := range q.FatalSources {
			fmt.Fprintf(tw, "FATAL source %s: %s\n", f.Dataset, f.Error)
		}
		if q.Synthesized > 0 {
			fmt.Fprintf(tw, "Synthesized encounters: %d\n", q.Synthesized)
		}
		fmt.Fprintln(tw)
	}

	if l != nil {
		fmt.Fprintln(tw, "ENTITY\tSTATUS\tATTEMPTED\tCOMMITTED\tSKIPPED\tREJECTED\tBATCHES")
		for _, t := range entity.All {
			e, ok := l.Entities[t]
			if !ok {
				continue
			}
			status := string(e.Status)
			if e.BlockedBy != "" {
				status += " (by " + string(e.BlockedBy) + ")"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n", t, status, e.Attempted, e.Committed, e.Skipped, e.Rejected, e.Batches)
		}
		if n := len(l.Integrity); n > 0 {
			fmt.Fprintf(tw, "Integrity issues: %d checks failed\n", n)
		}
		if l.Error != "" {
			fmt.Fprintf(tw, "Error: %s\n", l.Error)
		}
		fmt.Fprintf(tw, "Exit code: %d\n", l.ExitCode)
	}
	return tw.Flush()
}
