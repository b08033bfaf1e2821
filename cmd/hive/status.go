package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hivecore/hive/internal/config"
	"github.com/hivecore/hive/internal/state"
	"github.com/hivecore/hive/pkg/models"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show task state from the store",
	Long: `Display task records persisted by a running hive.

With a task ID, shows that task in detail, including its result and any
subtasks. With no arguments, lists every known task.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatusCmd,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
	store, err := openReadStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		return showTask(store, args[0])
	}
	return listTasks(store)
}

func openReadStore() (*state.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = state.DefaultPath()
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate state store: %w", err)
	}
	return store, nil
}

func showTask(store *state.Store, id string) error {
	raw, ok, err := store.Get("task/" + id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	var task models.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return fmt.Errorf("decode task %s: %w", id, err)
	}

	if statusJSON {
		out, err := json.MarshalIndent(task, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("%s  %s  %s\n", task.ID, statusColor(task.Status), task.Description)
	fmt.Printf("  type: %s  priority: %d\n", task.Type, task.Priority)
	if len(task.DependsOn) > 0 {
		fmt.Printf("  depends on: %v\n", task.DependsOn)
	}
	if task.AgentID != "" {
		fmt.Printf("  agent: %s\n", task.AgentID)
	}
	if task.Result != nil {
		if task.Result.Success {
			color.Green("  result: success")
		} else {
			color.Red("  result: %s (%s)", task.Result.Error, task.Result.ErrorKind)
		}
	}
	for _, subID := range task.SubtaskIDs {
		subRaw, ok, err := store.Get("task/" + subID)
		if err != nil || !ok {
			continue
		}
		var sub models.Task
		if err := json.Unmarshal(subRaw, &sub); err != nil {
			continue
		}
		fmt.Printf("    %s  %s  %s\n", sub.ID, statusColor(sub.Status), sub.Description)
	}
	return nil
}

func listTasks(store *state.Store) error {
	records, err := store.List("task/")
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No tasks. Submit one with 'hive submit <task.yaml>'.")
		return nil
	}

	tasks := make([]models.Task, 0, len(records))
	for _, raw := range records {
		var task models.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].SubmittedAt.Before(tasks[j].SubmittedAt)
	})

	if statusJSON {
		out, err := json.MarshalIndent(tasks, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	for _, task := range tasks {
		indent := ""
		if task.ParentID != "" {
			indent = "  "
		}
		fmt.Printf("%s%-10s %-10s %s\n", indent, task.ID, statusColor(task.Status), task.Description)
	}
	return nil
}

func statusColor(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusCompleted:
		return color.GreenString(string(s))
	case models.TaskStatusFailed:
		return color.RedString(string(s))
	case models.TaskStatusCancelled:
		return color.YellowString(string(s))
	case models.TaskStatusRunning, models.TaskStatusAssigned:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}
