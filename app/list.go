package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/umputun/jobsync/app/job"
	"github.com/umputun/jobsync/app/remote"
	"github.com/umputun/jobsync/app/snapshot"
	"github.com/umputun/jobsync/app/store"
)

const maxPromptWidth = 48

// listJobs loads a single snapshot and prints jobs matching --status. Terminal output is a table,
// anything else gets csv.
func listJobs(ctx context.Context, w io.Writer, tty bool) error {
	f, err := job.ParseFilter(opts.Status)
	if err != nil {
		return err
	}
	st := store.New()
	defer st.Close()
	if _, err := snapshot.New(remote.New(opts.API, remote.WithTimeout(opts.Timeout)), st).Load(ctx); err != nil {
		return err
	}
	return renderJobs(w, st.FilterByStatus(f), st.Counts(), tty)
}

func renderJobs(w io.Writer, jobs []job.Record, counts store.Counts, tty bool) error {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"ID", "Status", "Progress", "Created", "Duration", "Prompt"})
	for _, j := range jobs {
		created := ""
		if !j.CreatedAt.IsZero() {
			created = j.CreatedAt.Local().Format(time.DateTime)
		}
		duration := ""
		if d := j.Elapsed(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		tw.AppendRow(table.Row{j.ID, j.Status, fmt.Sprintf("%d%%", j.Progress), created, duration, j.Prompt})
	}

	if !tty {
		_, err := fmt.Fprintln(w, tw.RenderCSV())
		return err
	}

	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d of %d", len(jobs), counts.All), "",
		fmt.Sprintf("queued %d, processing %d", counts.Queued, counts.Processing),
		fmt.Sprintf("done %d, failed %d", counts.Completed, counts.Failed), ""})
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Footer = text.FormatDefault // keep counts lowercase
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 6, WidthMax: maxPromptWidth},
	})
	_, err := fmt.Fprintln(w, tw.Render())
	return err
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
