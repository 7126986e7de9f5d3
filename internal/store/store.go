package store

import (
	"context"

	"github.com/yourorg/taxsync/pkg/types"
)

// CounterpartyKey is what a document knows about its counterparty before
// resolution.
type CounterpartyKey struct {
	NormalizedTaxID string
	DisplayName     string
	Role            types.CounterpartyRole
}

type Store interface {
	SaveSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, tenantID string) (*types.Session, error)
	ListSessions(ctx context.Context) ([]types.Session, error)
	InvalidateSession(ctx context.Context, tenantID, reason string) error
	DeleteSession(ctx context.Context, tenantID string) error

	// ResolveCounterparties upserts every key and returns ids by tax id.
	ResolveCounterparties(ctx context.Context, tenantID string, keys []CounterpartyKey) (map[string]int64, error)
	ListCounterparties(ctx context.Context, tenantID string) ([]types.Counterparty, error)

	// ExistingFolios returns the subset of folios already stored.
	ExistingFolios(ctx context.Context, tenantID string, dir types.Direction, folios []string) (map[string]struct{}, error)
	// UpsertDocuments writes records in one transaction.
	UpsertDocuments(ctx context.Context, records []types.SyncRecord) error
	ListDocuments(ctx context.Context, f types.DocumentFilter) ([]types.SyncRecord, error)

	SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error
	ListCheckpoints(ctx context.Context, tenantID string) ([]types.Checkpoint, error)

	Close() error
}
