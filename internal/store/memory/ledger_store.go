package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// LedgerStore implements domain.LedgerStore in memory.
type LedgerStore struct {
	mu   sync.Mutex
	snap domain.LedgerSnapshot
}

// NewLedgerStore creates an empty LedgerStore.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{}
}

// RecordMigration appends the consumed position and optional vault position.
func (s *LedgerStore) RecordMigration(_ context.Context, consumed domain.ConsumedPosition, vault *domain.VaultPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.Consumed = append(s.snap.Consumed, consumed)
	if vault != nil {
		s.snap.Vault = append(s.snap.Vault, *vault)
	}
	return nil
}

// Load returns a copy of everything recorded so far.
func (s *LedgerStore) Load(_ context.Context) (domain.LedgerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.LedgerSnapshot{
		Consumed: append([]domain.ConsumedPosition(nil), s.snap.Consumed...),
		Vault:    append([]domain.VaultPosition(nil), s.snap.Vault...),
	}, nil
}
