package store

import (
	"context"

	"github.com/rendis/actrun/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Acts
	GetAct(ctx context.Context, id string) (*schema.Act, error)
	SetAct(ctx context.Context, act *schema.Act) error
	ListActs(ctx context.Context, filter ActFilter) ([]*schema.Act, error)

	// Generations
	GetGeneration(ctx context.Context, id string) (*schema.Generation, error)
	SetGeneration(ctx context.Context, gen *schema.Generation) error
	ListGenerations(ctx context.Context, actID string) ([]*schema.Generation, error)

	// Node generation index
	GetNodeGenerationIndex(ctx context.Context, scope, nodeID string) (*schema.NodeGenerationIndex, error)
	SetNodeGenerationIndex(ctx context.Context, idx *schema.NodeGenerationIndex) error

	// Act event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, actID string, since int64) ([]*Event, error)

	// Triggers
	CreateTrigger(ctx context.Context, t *schema.Trigger) error
	GetTrigger(ctx context.Context, id string) (*schema.Trigger, error)
	UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*schema.Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

func storeNotFound(resource, id string) *schema.ActError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(resource, id string) *schema.ActError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id)
}

var (
	_ Store = (*LibSQLStore)(nil)
	_ Store = (*RedisStore)(nil)
)
