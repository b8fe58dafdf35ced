// Package reconcile maps client-generated temporary identifiers to
// server-assigned ones. Every component that might be holding a temporary
// identifier (queue entries, cached snapshots, UI projections) consults this
// map before treating an identifier as stale.
package reconcile

import (
	"database/sql"
	"sync"

	"github.com/rmazur/fieldsync/internal/db"
	apperrors "github.com/rmazur/fieldsync/internal/errors"
	"github.com/rmazur/fieldsync/internal/logging"
	"github.com/rmazur/fieldsync/internal/uuid"
)

// Map is the identifier reconciliation map. Entries are durable and cached in
// memory; once recorded, a mapping is never overwritten — a Create operation
// is confirmed exactly once.
type Map struct {
	store db.IDMapStore

	mu    sync.RWMutex
	cache map[string]int64
}

// New creates a reconciliation map backed by the given store. Existing
// durable entries are loaded into the cache so lookups survive a process
// restart.
func New(store db.IDMapStore) (*Map, error) {
	m := &Map{
		store: store,
		cache: make(map[string]int64),
	}

	mappings, err := store.ListIDMappings()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load id mappings", err)
	}
	for _, mapping := range mappings {
		m.cache[mapping.TempID] = mapping.RealID
	}

	return m, nil
}

// Resolve returns the server identifier recorded for a temporary identifier.
// The second return value is false when no mapping exists yet. Passing an
// identifier that is not temporary always misses.
func (m *Map) Resolve(tempID string) (int64, bool) {
	if !uuid.IsTemp(tempID) {
		return 0, false
	}

	m.mu.RLock()
	realID, ok := m.cache[tempID]
	m.mu.RUnlock()
	if ok {
		return realID, true
	}

	// Cache miss: another writer connection may have recorded it
	mapping, err := m.store.GetIDMapping(tempID)
	if err != nil {
		if err != sql.ErrNoRows {
			logging.Error("Failed to look up id mapping", err,
				map[string]interface{}{"temp_id": tempID})
		}
		return 0, false
	}

	m.mu.Lock()
	m.cache[tempID] = mapping.RealID
	m.mu.Unlock()
	return mapping.RealID, true
}

// Record associates a temporary identifier with its server-assigned one and
// transactionally retargets every queue entry and photo task still holding
// the temporary identifier. Recording the same pair twice is a no-op;
// recording a different server identifier for an already-mapped temporary
// identifier is an error.
func (m *Map) Record(tempID string, realID int64) error {
	if err := uuid.ValidateTemp(tempID); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid temporary identifier", err)
	}
	if realID <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "server identifier must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.cache[tempID]; ok {
		if existing == realID {
			return nil
		}
		return apperrors.New(apperrors.ErrIDConflict, "temporary identifier already reconciled")
	}

	if err := m.store.ReconcileCreate(tempID, realID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to record id mapping", err)
	}

	m.cache[tempID] = realID

	logging.Info("Identifier reconciled",
		map[string]interface{}{"temp_id": tempID, "real_id": realID})

	return nil
}

// Len returns the number of recorded mappings.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}
