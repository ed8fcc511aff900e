package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/metrics"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/runner"
)

func printReport(w io.Writer, report *runner.Report, runDir string) {
	fmt.Fprintf(w, "Run %s finished in %s\n\n", report.RunID, report.Elapsed.Round(1e6))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tSTATUS\tTIME\tRESULTS")
	for _, rec := range report.Records {
		values := formatValues(rec.Results)
		if rec.Error != "" {
			values = rec.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.Metric, rec.Status, rec.TotalTimeStr, values)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%s of %s metrics computed, results in %s\n",
		humanize.Comma(int64(len(report.Records)-report.Failed())),
		humanize.Comma(int64(len(report.Records))),
		runDir)
}

func formatValues(values map[string]float64) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + humanize.FtoaWithDigits(values[k], 6)
	}
	return strings.Join(parts, " ")
}

func printKinds(w io.Writer, kinds []metrics.Kind) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tINPUT\tSTATISTICS\tNEEDS REAL")
	for _, k := range kinds {
		req := k.Requirements()
		input := "features"
		if req.Probabilities {
			input = "probabilities"
		}
		var forms []string
		if req.Moments {
			forms = append(forms, "moments")
		}
		if req.Raw {
			forms = append(forms, "raw")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", k, input, strings.Join(forms, ","), req.Real)
	}
	tw.Flush()
}
