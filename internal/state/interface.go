package state

import (
	"context"
	"io"

	"github.com/hivecore/hive/internal/security"
	"github.com/hivecore/hive/pkg/models"
)

// KV is the key-value contract other components program against.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte, sc models.SecurityContext) error
	List(prefix string) (map[string][]byte, error)
	Watch(ctx context.Context) (<-chan Change, error)
}

// AuditLog is the audit trail contract.
type AuditLog interface {
	RecordAudit(e security.AuditEntry)
	QueryAudit(filter AuditFilter) ([]security.AuditEntry, error)
}

// Migrator applies pending schema migrations.
type Migrator interface {
	Migrate() error
}

// StateStore composes the full store surface so callers can depend on
// behavior without the concrete SQLite implementation.
type StateStore interface {
	io.Closer
	Migrator
	KV
	AuditLog
	AppendMessage(channel string, msg models.Message) error
}

// Compile-time verification that Store implements all interfaces.
var (
	_ StateStore = (*Store)(nil)
	_ KV         = (*Store)(nil)
	_ AuditLog   = (*Store)(nil)
	_ Migrator   = (*Store)(nil)
)
