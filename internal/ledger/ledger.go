// Package ledger holds lending-protocol positions and vault positions for the
// engine. It enforces referential integrity only; business rules live in the
// migration engine.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

type positionKey struct {
	owner string
	id    string
}

// Ledger is the in-memory position ledger. A Ledger is created once at
// service start and shared by reference.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]map[string]domain.Position // owner -> id -> position
	consumed  map[positionKey]struct{}
	vault     map[string][]domain.VaultPosition // owner -> positions

	locks *keyedMutex
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		positions: make(map[string]map[string]domain.Position),
		consumed:  make(map[positionKey]struct{}),
		vault:     make(map[string][]domain.VaultPosition),
		locks:     newKeyedMutex(),
	}
}

// Restore loads consumed position ids and vault positions saved by a
// domain.LedgerStore. It is meant for an empty ledger at startup.
func (l *Ledger) Restore(snap domain.LedgerSnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range snap.Consumed {
		owner := domain.NormalizeOwner(c.Owner)
		l.consumed[positionKey{owner, c.PositionID}] = struct{}{}
		delete(l.positions[owner], c.PositionID)
	}
	seen := make(map[string]bool)
	for _, list := range l.vault {
		for _, vp := range list {
			seen[vp.ID] = true
		}
	}
	for _, vp := range snap.Vault {
		vp.Owner = domain.NormalizeOwner(vp.Owner)
		if vp.Owner == "" || vp.ID == "" {
			return fmt.Errorf("ledger: restore: vault position without owner or id")
		}
		if seen[vp.ID] {
			continue
		}
		seen[vp.ID] = true
		l.vault[vp.Owner] = append(l.vault[vp.Owner], vp)
	}
	return nil
}

// ListPositions returns the owner's lending positions sorted by id.
func (l *Ledger) ListPositions(owner string) []domain.Position {
	owner = domain.NormalizeOwner(owner)

	l.mu.RLock()
	defer l.mu.RUnlock()

	byID := l.positions[owner]
	out := make([]domain.Position, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a single position or domain.ErrNotFound.
func (l *Ledger) Get(owner, id string) (domain.Position, error) {
	owner = domain.NormalizeOwner(owner)

	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[owner][id]
	if !ok {
		return domain.Position{}, domain.Errorf(domain.KindNotFound, "position %s not found for %s", id, owner)
	}
	return p, nil
}

// IsConsumed reports whether the position was removed by a migration.
func (l *Ledger) IsConsumed(owner, id string) bool {
	owner = domain.NormalizeOwner(owner)

	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.consumed[positionKey{owner, id}]
	return ok
}

// Sync replaces the owner's lending positions with a fresh adapter read.
// Positions already consumed by a migration are skipped so they never
// reappear. It returns the number of positions stored.
func (l *Ledger) Sync(owner string, positions []domain.Position) (int, error) {
	owner = domain.NormalizeOwner(owner)
	if owner == "" {
		return 0, domain.NewError(domain.KindValidation, "missing owner")
	}

	fresh := make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		if p.ID == "" {
			return 0, domain.NewError(domain.KindValidation, "position without id")
		}
		if !p.Kind.Valid() {
			return 0, domain.Errorf(domain.KindValidation, "position %s: unknown kind %q", p.ID, p.Kind)
		}
		p.Owner = owner
		p.Token = domain.NormalizeSymbol(p.Token)
		fresh[p.ID] = p
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for id := range fresh {
		if _, gone := l.consumed[positionKey{owner, id}]; gone {
			delete(fresh, id)
		}
	}
	l.positions[owner] = fresh
	return len(fresh), nil
}

// RemovePosition deletes a position and tombstones its id. A second call for
// the same id fails with domain.ErrNotFound.
func (l *Ledger) RemovePosition(owner, id string) (domain.Position, error) {
	owner = domain.NormalizeOwner(owner)

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[owner][id]
	if !ok {
		return domain.Position{}, domain.Errorf(domain.KindNotFound, "position %s not found for %s", id, owner)
	}
	delete(l.positions[owner], id)
	l.consumed[positionKey{owner, id}] = struct{}{}
	return p, nil
}

// AddVaultPosition appends a vault position for its owner.
func (l *Ledger) AddVaultPosition(vp domain.VaultPosition) error {
	vp.Owner = domain.NormalizeOwner(vp.Owner)
	if vp.Owner == "" || vp.ID == "" {
		return domain.NewError(domain.KindValidation, "vault position needs owner and id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.vault[vp.Owner] {
		if existing.ID == vp.ID {
			return fmt.Errorf("ledger: vault position %s already exists", vp.ID)
		}
	}
	l.vault[vp.Owner] = append(l.vault[vp.Owner], vp)
	return nil
}

// RemoveVaultPosition deletes a vault position. It exists for migration
// compensation only.
func (l *Ledger) RemoveVaultPosition(owner, id string) error {
	owner = domain.NormalizeOwner(owner)

	l.mu.Lock()
	defer l.mu.Unlock()

	list := l.vault[owner]
	for i, vp := range list {
		if vp.ID == id {
			l.vault[owner] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return domain.Errorf(domain.KindNotFound, "vault position %s not found for %s", id, owner)
}

// ListVaultPositions returns the owner's vault positions in creation order.
func (l *Ledger) ListVaultPositions(owner string) []domain.VaultPosition {
	owner = domain.NormalizeOwner(owner)

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.VaultPosition, len(l.vault[owner]))
	copy(out, l.vault[owner])
	return out
}

// Lock takes exclusive ownership of a single (owner, position) pair and
// returns the release function.
func (l *Ledger) Lock(owner, id string) func() {
	return l.locks.lock(positionKey{domain.NormalizeOwner(owner), id})
}
