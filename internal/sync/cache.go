package sync

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	gosync "sync"

	"github.com/rmazur/fieldsync/internal/db"
	"github.com/rmazur/fieldsync/internal/events"
	"github.com/rmazur/fieldsync/internal/logging"
	"github.com/rmazur/fieldsync/internal/models"
	"github.com/rmazur/fieldsync/internal/sync/reconcile"
)

// LoadResult is what the read path hands to a projection.
type LoadResult struct {
	Records     []*models.Record
	FromCache   bool  // served from the local snapshot, refresh may follow
	RefreshedAt int64 // unix seconds of the snapshot, 0 when fetched live
}

// Reader is the cache-first read path. Loads return the cached snapshot
// immediately when one exists and refresh it in the background; a cache miss
// fetches synchronously. Server data is authoritative except for records the
// merge policy shields because their local state is newer.
type Reader struct {
	records   db.RecordStore
	snapshots db.SnapshotStore
	ops       db.OperationStore
	api       RemoteAPI
	conn      ConnectivitySource
	matcher   *MatcherChain
	bus       *events.Bus

	mu         gosync.Mutex
	refreshing map[models.SnapshotKey]bool
}

// NewReader creates the read path over the given stores and remote.
func NewReader(store db.SyncStore, api RemoteAPI, conn ConnectivitySource, ids *reconcile.Map, bus *events.Bus) *Reader {
	return &Reader{
		records:    store,
		snapshots:  store,
		ops:        store,
		api:        api,
		conn:       conn,
		matcher:    NewMatcherChain(ids),
		bus:        bus,
		refreshing: make(map[models.SnapshotKey]bool),
	}
}

// Load returns the records for one snapshot key. With a warm cache the
// snapshot is returned as-is and a background refresh is kicked off when the
// server is reachable. On a cache miss the fetch runs synchronously; offline
// with no cache, the locally created records are all there is.
func (r *Reader) Load(ctx context.Context, key models.SnapshotKey) (*LoadResult, error) {
	snap, err := r.snapshots.GetSnapshot(key)
	if err == nil {
		cached, err := snap.Records()
		if err != nil {
			return nil, err
		}
		if r.conn.Online() {
			go r.refreshAsync(key)
		}
		return &LoadResult{Records: cached, FromCache: true, RefreshedAt: snap.RefreshedAt}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if !r.conn.Online() {
		local, err := r.records.ListRecords(key)
		if err != nil {
			return nil, err
		}
		return &LoadResult{Records: local, FromCache: true}, nil
	}

	merged, err := r.fetchAndMerge(ctx, key)
	if err != nil {
		return nil, err
	}
	return &LoadResult{Records: merged, FromCache: false}, nil
}

// Refresh fetches the server view for one key and rewrites the snapshot
// through the merge policy. On failure the existing snapshot is left intact.
func (r *Reader) Refresh(ctx context.Context, key models.SnapshotKey) error {
	_, err := r.fetchAndMerge(ctx, key)
	return err
}

// refreshAsync coalesces concurrent background refreshes per key.
func (r *Reader) refreshAsync(key models.SnapshotKey) {
	r.mu.Lock()
	if r.refreshing[key] {
		r.mu.Unlock()
		return
	}
	r.refreshing[key] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.refreshing, key)
		r.mu.Unlock()
	}()

	if err := r.Refresh(context.Background(), key); err != nil {
		// Stale data stays served; the next load tries again
		logging.Warn("Background snapshot refresh failed", map[string]interface{}{
			"key":   key.String(),
			"error": err.Error(),
		})
	}
}

func (r *Reader) fetchAndMerge(ctx context.Context, key models.SnapshotKey) ([]*models.Record, error) {
	server, err := r.api.FetchRecords(ctx, key)
	if err != nil {
		return nil, err
	}

	merged, err := r.merge(key, server)
	if err != nil {
		return nil, err
	}

	snap := &models.CachedSnapshot{ServiceID: key.ServiceID, Category: key.Category}
	if err := snap.SetRecords(merged); err != nil {
		return nil, err
	}
	if err := r.snapshots.SaveSnapshot(snap); err != nil {
		return nil, err
	}

	r.bus.Publish(events.EventSnapshotRefresh, map[string]interface{}{
		"service_id": key.ServiceID,
		"category":   key.Category,
		"records":    len(merged),
	})
	return merged, nil
}

// merge folds the fetched server view over the local working set. Server data
// wins for every paired record except the shielded ones: records with a
// pending or in-flight mutation, or a photo upload in progress, keep their
// local form so a refresh cannot roll back work the server has not seen yet.
// Local records the server does not know about (unconfirmed creations) are
// appended untouched.
func (r *Reader) merge(key models.SnapshotKey, server []*models.Record) ([]*models.Record, error) {
	local, err := r.records.ListRecords(key)
	if err != nil {
		return nil, err
	}
	shieldTargets, err := r.pendingTargets()
	if err != nil {
		return nil, err
	}

	merged := make([]*models.Record, 0, len(server)+len(local))
	matched := make(map[string]bool, len(local))

	for _, sr := range server {
		rec, via := r.matcher.Match(local, sr)
		if rec == nil {
			merged = append(merged, sr)
			continue
		}
		matched[rec.TempID] = true

		if r.shielded(rec, shieldTargets) {
			logging.Debug("Merge preserved locally newer record", map[string]interface{}{
				"temp_id": rec.TempID,
				"matcher": via,
			})
			merged = append(merged, rec)
			continue
		}

		// Server wins: fold the server view into the local record so the
		// temporary identifier stays stable for projections.
		rec.ServerID = sr.ServerID
		rec.Name = sr.Name
		rec.TemplateID = sr.TemplateID
		rec.Fields = sr.Fields
		rec.SyncState = models.SyncStateSynced
		if sr.UpdatedAt != 0 {
			rec.UpdatedAt = sr.UpdatedAt
		}
		if err := r.records.UpdateRecord(rec); err != nil {
			return nil, err
		}
		merged = append(merged, rec)
	}

	for _, rec := range local {
		if !matched[rec.TempID] {
			merged = append(merged, rec)
		}
	}
	return merged, nil
}

// shielded reports whether a refresh must not overwrite this record.
func (r *Reader) shielded(rec *models.Record, pendingTargets map[string]bool) bool {
	if rec.SyncState == models.SyncStateInFlight || rec.SyncState == models.SyncStateUploading {
		return true
	}
	if pendingTargets[rec.TempID] {
		return true
	}
	if rec.ServerID != 0 && pendingTargets[strconv.FormatInt(rec.ServerID, 10)] {
		return true
	}
	return false
}

// pendingTargets collects the target identifiers of every operation that has
// not reached a terminal state.
func (r *Reader) pendingTargets() (map[string]bool, error) {
	targets := make(map[string]bool)
	for _, status := range []models.OperationStatus{models.OperationStatusPending, models.OperationStatusInFlight} {
		ops, err := r.ops.ListOperations(db.OperationFilter{Status: status})
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			targets[op.TargetID] = true
		}
	}
	return targets, nil
}
