package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hivecore/hive/internal/state"
)

var (
	auditAgent     string
	auditOperation string
	auditSince     string
	auditUntil     string
	auditJSON      bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the security audit log",
	Long: `Show permission checks recorded by a running hive.

Every operation an agent attempts is verified against its security
context and the outcome logged. Filters narrow by agent, operation, or
time window (RFC 3339 timestamps).`,
	RunE: runAuditCmd,
}

func init() {
	auditCmd.Flags().StringVar(&auditAgent, "agent", "", "Filter by agent ID")
	auditCmd.Flags().StringVar(&auditOperation, "operation", "", "Filter by operation type")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "Only entries at or after this time (RFC 3339)")
	auditCmd.Flags().StringVar(&auditUntil, "until", "", "Only entries at or before this time (RFC 3339)")
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "Output in JSON format")
}

func runAuditCmd(cmd *cobra.Command, args []string) error {
	filter := state.AuditFilter{
		AgentID:   auditAgent,
		Operation: auditOperation,
	}
	var err error
	if auditSince != "" {
		filter.Since, err = time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return fmt.Errorf("parse --since: %w", err)
		}
	}
	if auditUntil != "" {
		filter.Until, err = time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return fmt.Errorf("parse --until: %w", err)
		}
	}

	store, err := openReadStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.QueryAudit(filter)
	if err != nil {
		return err
	}

	if auditJSON {
		out, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries match.")
		return nil
	}
	for _, e := range entries {
		verdict := color.GreenString("allow")
		if !e.Allowed {
			verdict = color.RedString("deny ")
		}
		line := fmt.Sprintf("%s  %s  %-12s %-14s %s",
			e.Timestamp.Format(time.RFC3339), verdict, e.AgentID, e.Operation, e.Resource)
		if e.Reason != "" {
			line += "  (" + e.Reason + ")"
		}
		fmt.Println(line)
	}
	return nil
}
