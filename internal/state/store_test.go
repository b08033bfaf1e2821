package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/internal/security"
	"github.com/hivecore/hive/pkg/models"
)

// allowAll approves every write.
type allowAll struct{}

func (allowAll) Verify(security.Operation, models.SecurityContext) (bool, error) {
	return true, nil
}

// denyAll refuses every write.
type denyAll struct{}

func (denyAll) Verify(security.Operation, models.SecurityContext) (bool, error) {
	return false, nil
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s.SetVerifier(allowAll{})
	s.SetPollInterval(10 * time.Millisecond)
	return s
}

func testContext() models.SecurityContext {
	return models.SecurityContext{ID: "sc1", AgentID: "agent1", Permissions: []string{WritePermission}}
}

func TestStore_SetGet(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set("task/t1", []byte(`{"status":"queued"}`), testContext()); err != nil {
		t.Fatalf("set: %v", err)
	}

	value, ok, err := s.Get("task/t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("key should be present")
	}
	if string(value) != `{"status":"queued"}` {
		t.Errorf("value = %s", value)
	}

	// Overwrite is visible to subsequent reads.
	if err := s.Set("task/t1", []byte(`{"status":"running"}`), testContext()); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, _, _ = s.Get("task/t1")
	if string(value) != `{"status":"running"}` {
		t.Errorf("after overwrite, value = %s", value)
	}
}

func TestStore_ListByPrefix(t *testing.T) {
	s := openTestStore(t)

	for _, key := range []string{"task/t1", "task/t2", "agent/a1"} {
		if err := s.Set(key, []byte("x"), testContext()); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}

	tasks, err := s.List("task/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("tasks = %d, want 2", len(tasks))
	}
	if _, ok := tasks["agent/a1"]; ok {
		t.Error("prefix filter leaked an agent key")
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}
}

func TestStore_GetAbsent(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.Get("nope")
	if err != nil {
		t.Fatalf("get absent key should not error: %v", err)
	}
	if ok {
		t.Error("absent key reported present")
	}
}

func TestStore_SetDeniedWithoutCapability(t *testing.T) {
	s := openTestStore(t)
	s.SetVerifier(denyAll{})

	err := s.Set("task/t1", []byte("x"), testContext())
	if err == nil {
		t.Fatal("write should fail when the capability check denies")
	}
	if !errors.Is(err, fault.ErrPermissionDenied) {
		t.Errorf("error should wrap ErrPermissionDenied, got %v", err)
	}
	if _, ok, _ := s.Get("task/t1"); ok {
		t.Error("denied write still landed")
	}
}

func TestStore_SetRefusedWithoutVerifier(t *testing.T) {
	s := openTestStore(t)
	s.SetVerifier(nil)
	if err := s.Set("k", []byte("v"), testContext()); err == nil {
		t.Fatal("write without an authorizer must be refused")
	}
}

func TestStore_WatchStreamsChanges(t *testing.T) {
	s := openTestStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	changes, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := s.Set("a", []byte("1"), testContext()); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("b", []byte("2"), testContext()); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got []Change
	for len(got) < 2 {
		select {
		case c := <-changes:
			got = append(got, c)
		case <-ctx.Done():
			t.Fatalf("timed out; got %d changes", len(got))
		}
	}
	if got[0].Key != "a" || got[1].Key != "b" {
		t.Errorf("change order = %s, %s; want a, b", got[0].Key, got[1].Key)
	}
}

func TestStore_WatchFromIsRestartable(t *testing.T) {
	s := openTestStore(t)

	for _, kv := range []struct{ k, v string }{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		if err := s.Set(kv.k, []byte(kv.v), testContext()); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Resume after the first change: only b and c should arrive.
	changes := s.WatchFrom(ctx, 1)
	var keys []string
	for len(keys) < 2 {
		select {
		case c := <-changes:
			keys = append(keys, c.Key)
		case <-ctx.Done():
			t.Fatalf("timed out; got %v", keys)
		}
	}
	if keys[0] != "b" || keys[1] != "c" {
		t.Errorf("resumed keys = %v, want [b c]", keys)
	}
}

func TestStore_AuditRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	s.RecordAudit(security.AuditEntry{Timestamp: now, ContextID: "c1", AgentID: "agent1", Operation: "execute_function", Resource: "exec.command", Allowed: true})
	s.RecordAudit(security.AuditEntry{Timestamp: now, ContextID: "c2", AgentID: "agent2", Operation: "state_write", Resource: "task/t1", Allowed: false, Reason: "missing permissions"})

	all, err := s.QueryAudit(AuditFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("entries = %d, want 2", len(all))
	}

	byAgent, err := s.QueryAudit(AuditFilter{AgentID: "agent2"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].Reason != "missing permissions" {
		t.Errorf("filtered entries = %+v", byAgent)
	}
}

func TestStore_ChannelLog(t *testing.T) {
	s := openTestStore(t)

	sc := testContext()
	m1 := models.NewMessage(models.MessageTypeTask, "manager", map[string]any{"task_id": "t1"}, sc)
	m2 := models.NewMessage(models.MessageTypeTask, "manager", nil, sc)

	if err := s.AppendMessage("agent.a1", m1); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendMessage("agent.a1", m2); err != nil {
		t.Fatalf("append: %v", err)
	}

	ids, err := s.ChannelHistory("agent.a1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// Newest first.
	if len(ids) != 2 || ids[0] != m2.ID || ids[1] != m1.ID {
		t.Errorf("history = %v, want [%s %s]", ids, m2.ID, m1.ID)
	}
}
