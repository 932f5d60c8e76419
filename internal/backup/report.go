package backup

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Report writes a summary of res to w. Failed jobs are listed one per row.
func Report(w io.Writer, res *Result) {
	rec := res.Record
	fmt.Fprintf(w, "backup %s: %s\n", rec.ID, rec.Status)
	fmt.Fprintf(w, "  destination: %s\n", rec.Destination)
	fmt.Fprintf(w, "  tables copied: %d, ddl records replayed: %d, last log: %d\n",
		rec.TablesCopied, res.Replayed, rec.LastLogNumber)
	fmt.Fprintf(w, "  duration: %s, ddl blocked: %s\n",
		rec.EndTime.Sub(rec.StartTime).Round(time.Millisecond), rec.LockTime.Round(time.Millisecond))
	if rec.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", rec.Error)
	}
	if len(res.Failures) == 0 {
		return
	}

	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Object", "Worker", "Error"})
	tbl.SetAutoWrapText(false)
	for _, te := range res.Failures {
		worker := strconv.Itoa(te.Worker)
		if te.Worker < 0 {
			worker = "-"
		}
		tbl.Append([]string{te.Object, worker, te.Err.Error()})
	}
	tbl.Render()
}
