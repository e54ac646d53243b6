package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/taskengine/internal/controller"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

// ============================================================================
// create
// ============================================================================

func buildCreateCommand(opts *options) *cobra.Command {
	var (
		file     string
		csvFile  string
		req      controller.CreateRequest
		taskType string
		params   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task from a definition file and/or flags",
		Long: `Create a task. The definition file (JSON or YAML) holds the fields of a
create request: type, title, description, priority, scope_id, owner_id and
payload {items, params}. Flags override the file; --csv appends one item per
CSV row, keyed by the header row.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var base controller.CreateRequest
			if file != "" {
				var err error
				if base, err = readCreateRequest(file); err != nil {
					return err
				}
			}
			mergeCreateFlags(cmd, &base, req, taskType)
			if params != "" {
				if !json.Valid([]byte(params)) {
					return errors.New("--params is not valid JSON")
				}
				base.Payload.Params = json.RawMessage(params)
			}
			if csvFile != "" {
				items, err := readCSVItems(csvFile)
				if err != nil {
					return err
				}
				base.Payload.Items = append(base.Payload.Items, items...)
			}

			ctx := cmd.Context()
			a, err := opts.client(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.ctrl.CreateTask(ctx, base)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created task %s (%d items)\n", id, len(base.Payload.Items))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "task definition file (JSON or YAML)")
	cmd.Flags().StringVar(&csvFile, "csv", "", "CSV file whose rows become items")
	cmd.Flags().StringVar(&taskType, "type", "", "task type (BULK_IMPORT, BULK_ACCOUNT_CREATION)")
	cmd.Flags().StringVar(&req.Title, "title", "", "task title")
	cmd.Flags().StringVar(&req.Description, "description", "", "task description")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "scheduling priority, higher runs first")
	cmd.Flags().StringVar(&req.ScopeID, "scope", "", "scope (e.g. school or branch) the task belongs to")
	cmd.Flags().StringVar(&req.OwnerID, "owner", "", "user that owns the task")
	cmd.Flags().StringVar(&params, "params", "", "type-specific parameters as JSON")
	return cmd
}

func mergeCreateFlags(cmd *cobra.Command, dst *controller.CreateRequest, flags controller.CreateRequest, taskType string) {
	changed := cmd.Flags().Changed
	if changed("type") {
		dst.Type = types.TaskType(strings.ToUpper(taskType))
	}
	if changed("title") {
		dst.Title = flags.Title
	}
	if changed("description") {
		dst.Description = flags.Description
	}
	if changed("priority") {
		dst.Priority = flags.Priority
	}
	if changed("scope") {
		dst.ScopeID = flags.ScopeID
	}
	if changed("owner") {
		dst.OwnerID = flags.OwnerID
	}
}

// readCreateRequest decodes a JSON or YAML definition. YAML is converted
// to JSON first so items and params keep their raw JSON form.
func readCreateRequest(path string) (controller.CreateRequest, error) {
	var req controller.CreateRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("failed to read task file: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return req, fmt.Errorf("failed to parse task file: %w", err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return req, fmt.Errorf("task file %s: %w", path, err)
	}
	if err := json.Unmarshal(asJSON, &req); err != nil {
		return req, fmt.Errorf("task file %s: %w", path, err)
	}
	return req, nil
}

// readCSVItems turns every data row into a JSON object keyed by the header.
func readCSVItems(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("csv %s: header: %w", path, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var items []json.RawMessage
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv %s: %w", path, err)
		}
		rec := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(row) && row[i] != "" {
				rec[name] = row[i]
			}
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("csv %s line %d: %w", path, line, err)
		}
		items = append(items, raw)
	}
	return items, nil
}

// ============================================================================
// list / get / watch
// ============================================================================

func buildListCommand(opts *options) *cobra.Command {
	var (
		lo       controller.ListOptions
		statuses []string
		taskType string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				st := types.TaskStatus(strings.ToUpper(s))
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				lo.Statuses = append(lo.Statuses, st)
			}
			if taskType != "" {
				lo.Type = types.TaskType(strings.ToUpper(taskType))
			}

			ctx := cmd.Context()
			a, err := opts.client(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.ctrl.ListTasks(ctx, lo)
			if err != nil {
				return err
			}
			renderTaskTable(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().StringVar(&lo.ScopeID, "scope", "", "only tasks of this scope")
	cmd.Flags().StringVar(&lo.OwnerID, "owner", "", "only tasks of this owner")
	cmd.Flags().StringVar(&taskType, "type", "", "only tasks of this type")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only tasks in these statuses (repeatable)")
	cmd.Flags().IntVar(&lo.Limit, "limit", 50, "maximum number of tasks, 0 for all")
	return cmd
}

func buildGetCommand(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.client(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			task, err := a.ctrl.GetTask(ctx, types.TaskID(args[0]))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(task)
			}
			renderTask(cmd.OutOrStdout(), task)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full task as JSON")
	return cmd
}

func buildWatchCommand(opts *options) *cobra.Command {
	var (
		interval time.Duration
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Follow the progress of a task until it stops running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			a, err := opts.client(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			task, err := watchTask(ctx, cmd.OutOrStdout(), interval, func(ctx context.Context) (*types.Task, error) {
				return a.ctrl.GetTask(ctx, types.TaskID(args[0]))
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\ntask %s is %s\n", task.ID, colorStatus(task.Status))
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

// ============================================================================
// pause / resume / cancel / delete / retry
// ============================================================================

func buildControlCommand(opts *options, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.client(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			id := types.TaskID(args[0])
			var op func(context.Context, types.TaskID) error
			switch verb {
			case "pause":
				op = a.ctrl.PauseTask
			case "resume":
				op = a.ctrl.ResumeTask
			case "cancel":
				op = a.ctrl.CancelTask
			case "delete":
				op = a.ctrl.DeleteTask
			default:
				return fmt.Errorf("unknown command %q", verb)
			}
			if err := op(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s ok\n", id, verb)
			return nil
		},
	}
}

func buildRetryCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Create a new task from the failed and unprocessed items of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.client(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			newID, err := a.ctrl.RetryTask(ctx, types.TaskID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created retry task %s\n", newID)
			return nil
		},
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.client(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			counts, err := a.ctrl.Stats(ctx)
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), a.cfg, counts)
			return nil
		},
	}
}
