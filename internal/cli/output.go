package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"

	"github.com/ChuLiYu/taskengine/internal/config"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

// maxFailuresShown caps the failed items printed by get.
const maxFailuresShown = 20

var statusColors = map[types.TaskStatus]*color.Color{
	types.StatusPending:   color.New(color.FgWhite),
	types.StatusQueued:    color.New(color.FgCyan),
	types.StatusRunning:   color.New(color.FgBlue, color.Bold),
	types.StatusPaused:    color.New(color.FgYellow),
	types.StatusCompleted: color.New(color.FgGreen),
	types.StatusFailed:    color.New(color.FgRed, color.Bold),
	types.StatusCancelled: color.New(color.FgMagenta),
	types.StatusRetry:     color.New(color.FgCyan),
}

func colorStatus(s types.TaskStatus) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(string(s))
	}
	return string(s)
}

func progressCell(p types.Progress) string {
	return fmt.Sprintf("%d/%d (%d%%)", p.ProcessedItems, p.TotalItems, p.Percentage)
}

func renderTaskTable(w io.Writer, tasks []*types.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Type", "Title", "Status", "Progress", "Failed", "Priority", "Created"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, t := range tasks {
		table.Append([]string{
			string(t.ID),
			string(t.Type),
			t.Title,
			colorStatus(t.Status),
			progressCell(t.Progress),
			strconv.Itoa(t.Progress.FailedItems),
			strconv.Itoa(t.Priority),
			t.CreatedAt.Local().Format(time.DateTime),
		})
	}
	table.Render()
}

func renderTask(w io.Writer, t *types.Task) {
	fmt.Fprintf(w, "ID:        %s\n", t.ID)
	fmt.Fprintf(w, "Type:      %s\n", t.Type)
	fmt.Fprintf(w, "Title:     %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(w, "About:     %s\n", t.Description)
	}
	fmt.Fprintf(w, "Status:    %s\n", colorStatus(t.Status))
	fmt.Fprintf(w, "Progress:  %s, %d failed\n", progressCell(t.Progress), t.Progress.FailedItems)
	if t.ScopeID != "" || t.OwnerID != "" {
		fmt.Fprintf(w, "Scope:     %s  Owner: %s\n", t.ScopeID, t.OwnerID)
	}
	if t.RetryOf != "" {
		fmt.Fprintf(w, "Retry of:  %s\n", t.RetryOf)
	}
	if t.Control != types.ControlNone {
		fmt.Fprintf(w, "Pending:   %s\n", t.Control)
	}
	if t.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", color.RedString(t.Error))
	}
	fmt.Fprintf(w, "Created:   %s\n", t.CreatedAt.Local().Format(time.DateTime))
	if t.StartedAt != nil {
		fmt.Fprintf(w, "Started:   %s\n", t.StartedAt.Local().Format(time.DateTime))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(w, "Finished:  %s\n", t.CompletedAt.Local().Format(time.DateTime))
	}

	failed := 0
	for _, r := range t.Results {
		if r.Success {
			continue
		}
		if failed == 0 {
			fmt.Fprintln(w, "\nFailed items:")
		}
		failed++
		if failed > maxFailuresShown {
			fmt.Fprintf(w, "  ... %d more\n", t.Progress.FailedItems-maxFailuresShown)
			break
		}
		fmt.Fprintf(w, "  #%-5d %s\n", r.Index, r.Reason)
	}
}

func renderStatus(w io.Writer, cfg *config.Config, counts map[types.TaskStatus]int) {
	fmt.Fprintf(w, "Backend: %s   Node: %s   Workers: %d\n\n", cfg.Store.Backend, cfg.Engine.NodeID, cfg.Engine.WorkerCount)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Status", "Tasks"})
	table.SetBorder(false)
	total := 0
	for _, s := range types.AllStatuses {
		total += counts[s]
		table.Append([]string{colorStatus(s), strconv.Itoa(counts[s])})
	}
	table.SetFooter([]string{"Total", strconv.Itoa(total)})
	table.Render()
}

// watchTask polls fetch and renders a progress bar until the task is no
// longer PENDING, QUEUED or RUNNING.
func watchTask(ctx context.Context, w io.Writer, interval time.Duration, fetch func(context.Context) (*types.Task, error)) (*types.Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	task, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	bar := progressbar.NewOptions(task.Progress.TotalItems,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(task.Title),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(0),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_ = bar.Set(task.Progress.ProcessedItems)
		switch task.Status {
		case types.StatusPending, types.StatusQueued, types.StatusRunning, types.StatusRetry:
		default:
			if task.Status == types.StatusCompleted {
				_ = bar.Finish()
			}
			return task, nil
		}

		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
		if task, err = fetch(ctx); err != nil {
			return nil, err
		}
	}
}
