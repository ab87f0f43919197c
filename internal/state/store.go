package state

import (
	"context"
	"fmt"

	"github.com/anneal-io/anneal/internal/resource"
)

// Store is the durable mapping from (scope, logical id) to the last
// committed resource record. It is the source of truth for phase
// determination across runs.
//
// Get returns nil, nil when no record exists. Put assigns the creation
// sequence number on first insert and preserves it on replace; the
// write for one key is a single atomic replace. Remove is idempotent.
// List returns a scope's records in ascending creation order.
type Store interface {
	Get(ctx context.Context, scope, id string) (*resource.Record, error)
	Put(ctx context.Context, scope string, rec *resource.Record) error
	Remove(ctx context.Context, scope, id string) error
	List(ctx context.Context, scope string) ([]*resource.Record, error)
	Scopes(ctx context.Context) ([]string, error)
	DeleteScope(ctx context.Context, scope string) error
	Close() error
}

// Locker is implemented by stores that support cross-process scope
// locks. Callers lock a scope for the duration of a run; the returned
// release func must run even when the run fails.
type Locker interface {
	Lock(ctx context.Context, scope string) (release func() error, err error)
}

// Config selects and configures a state backend.
type Config struct {
	Backend string // "file", "sqlite" or "s3"

	// file: state directory; sqlite: database file path.
	Path string

	// s3 backend.
	Bucket    string
	Prefix    string
	Region    string
	Profile   string
	LockTable string // optional DynamoDB table for locking
	SSE       bool   // server-side encryption on put
}

// Open builds the configured Store. The sealer may be nil when no
// encryption key is configured; persisting secrets then fails.
func Open(ctx context.Context, cfg Config, sealer *Sealer) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Path, sealer)
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.Path, sealer)
	case "s3":
		return NewS3Store(ctx, cfg, sealer)
	default:
		return nil, fmt.Errorf("unknown state backend type %q", cfg.Backend)
	}
}
