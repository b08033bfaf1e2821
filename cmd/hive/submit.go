package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hivecore/hive/internal/config"
)

var submitSpoolDir string

var submitCmd = &cobra.Command{
	Use:   "submit <task.yaml>",
	Short: "Submit a task file to a running hive",
	Long: `Validate a task YAML file and drop it into the spool directory of a
running 'hive serve' process. If the file has no id, one is assigned
and printed so the task can be tracked with 'hive status'.

Example task file:

  type: command_execution
  description: count the log lines
  priority: 5
  permissions:
    - exec.command
  content:
    command: "wc -l /var/log/hive.log"`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitSpoolDir, "spool", "", "Spool directory (overrides config)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	spool := submitSpoolDir
	if spool == "" {
		spool = cfg.Tasks.SpoolDir
	}
	if spool == "" {
		return fmt.Errorf("no spool directory configured; set tasks.spool_dir or pass --spool")
	}

	task, err := readTaskFile(args[0])
	if err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = uuid.New().String()[:8]
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read task file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse task file: %w", err)
	}
	doc["id"] = task.ID
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if err := os.MkdirAll(spool, 0755); err != nil {
		return fmt.Errorf("create spool directory: %w", err)
	}
	dest := filepath.Join(spool, task.ID+".yaml")
	if err := os.WriteFile(dest, out, 0644); err != nil {
		return fmt.Errorf("write to spool: %w", err)
	}

	color.Green("task %s queued via %s", task.ID, dest)
	fmt.Printf("track it with: hive status %s\n", task.ID)
	return nil
}
