package state

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hivecore/hive/internal/security"
	"github.com/hivecore/hive/pkg/models"
)

// RecordAudit appends one audit entry. Implements security.AuditSink; a
// storage failure here is logged but never fails the verification that
// produced it.
func (s *Store) RecordAudit(e security.AuditEntry) {
	_, err := s.conn.Exec(
		"INSERT INTO audit_log (ts, context_id, agent_id, operation, resource, allowed, reason) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.Timestamp, e.ContextID, e.AgentID, e.Operation, e.Resource, e.Allowed, e.Reason,
	)
	if err != nil {
		log.Printf("[state] WARNING: audit write failed: %v", err)
	}
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	AgentID   string
	Operation string
	Since     time.Time
	Until     time.Time
}

// QueryAudit returns audit entries matching filter, oldest first.
func (s *Store) QueryAudit(filter AuditFilter) ([]security.AuditEntry, error) {
	query := "SELECT ts, context_id, agent_id, operation, resource, allowed, COALESCE(reason, '') FROM audit_log WHERE 1=1"
	var args []any
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.Operation != "" {
		query += " AND operation = ?"
		args = append(args, filter.Operation)
	}
	if !filter.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += " AND ts <= ?"
		args = append(args, filter.Until)
	}
	query += " ORDER BY id"

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []security.AuditEntry
	for rows.Next() {
		var e security.AuditEntry
		if err := rows.Scan(&e.Timestamp, &e.ContextID, &e.AgentID, &e.Operation, &e.Resource, &e.Allowed, &e.Reason); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendMessage durably records a publish before delivery is attempted.
// Implements bus.ChannelLog.
func (s *Store) AppendMessage(channel string, msg models.Message) error {
	payload, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("marshal message content: %w", err)
	}
	_, err = s.conn.Exec(
		"INSERT INTO channel_log (channel, message_id, sender, type, payload, ts) VALUES (?, ?, ?, ?, ?, ?)",
		channel, msg.ID, msg.Sender, string(msg.Type), payload, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append to channel log: %w", err)
	}
	return nil
}

// ChannelHistory returns the message IDs logged for channel, in publish
// order. Used by the audit CLI; delivery state is not recorded here,
// only that the send occurred.
func (s *Store) ChannelHistory(channel string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(
		"SELECT message_id FROM channel_log WHERE channel = ? ORDER BY seq DESC LIMIT ?", channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query channel log: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
