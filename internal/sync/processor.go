package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	gosync "sync"
	"time"

	"github.com/rmazur/fieldsync/internal/db"
	apperrors "github.com/rmazur/fieldsync/internal/errors"
	"github.com/rmazur/fieldsync/internal/events"
	"github.com/rmazur/fieldsync/internal/logging"
	"github.com/rmazur/fieldsync/internal/media"
	"github.com/rmazur/fieldsync/internal/models"
	"github.com/rmazur/fieldsync/internal/storage"
	"github.com/rmazur/fieldsync/internal/sync/queue"
	"github.com/rmazur/fieldsync/internal/sync/reconcile"
	"github.com/rmazur/fieldsync/internal/uuid"
)

// DefaultInterval is the periodic sync cadence.
const DefaultInterval = 60 * time.Second

// syncedRetention is how long settled operations stay around for diagnostics
// before a pass prunes them.
const syncedRetention = 24 * time.Hour

// ProcessorConfig wires a Processor.
type ProcessorConfig struct {
	Store        db.SyncStore
	Queue        *queue.Queue
	IDs          *reconcile.Map
	Blobs        *storage.BlobStore
	Resolver     storage.URLResolver
	API          RemoteAPI
	Connectivity ConnectivitySource
	Bus          *events.Bus
	Interval     time.Duration
}

// PassResult summarizes one sync pass.
type PassResult struct {
	Processed int
	Synced    int
	Retried   int
	Failed    int
}

// Processor drains the pending operation queue against the server. A pass
// runs every interval, immediately when connectivity is regained, and on
// manual trigger; concurrent requests coalesce into the running pass. Each
// operation is claimed, replayed, and settled independently so one failure
// never stalls the rest of the queue.
type Processor struct {
	store    db.SyncStore
	queue    *queue.Queue
	ids      *reconcile.Map
	blobs    *storage.BlobStore
	resolver storage.URLResolver
	api      RemoteAPI
	conn     ConnectivitySource
	bus      *events.Bus
	interval time.Duration

	mu      gosync.Mutex
	running bool
	trigger chan struct{}
}

// NewProcessor creates a sync processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Processor{
		store:    cfg.Store,
		queue:    cfg.Queue,
		ids:      cfg.IDs,
		blobs:    cfg.Blobs,
		resolver: cfg.Resolver,
		api:      cfg.API,
		conn:     cfg.Connectivity,
		bus:      cfg.Bus,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Run drives periodic passes until the context is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.SyncNow(ctx)
		case <-p.conn.Regained():
			p.SyncNow(ctx)
		case <-p.trigger:
			p.SyncNow(ctx)
		}
	}
}

// Trigger requests a pass without blocking. A pass already pending covers the
// request.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// SyncNow runs one pass. Returns false without doing work when a pass is
// already in progress or the server is unreachable.
func (p *Processor) SyncNow(ctx context.Context) bool {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return false
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	if !p.conn.Online() {
		logging.Debug("Skipping sync pass while offline")
		return false
	}

	p.runPass(ctx)
	return true
}

func (p *Processor) runPass(ctx context.Context) {
	if pruned, err := p.queue.Prune(time.Now().Add(-syncedRetention)); err == nil && pruned > 0 {
		logging.Debug("Pruned synced operations", map[string]interface{}{"count": pruned})
	}

	ops, err := p.queue.Eligible()
	if err != nil {
		logging.Error("Failed to load eligible operations", err)
		return
	}
	if len(ops) == 0 {
		return
	}

	p.bus.Publish(events.EventSyncStarted, map[string]interface{}{
		"operations": len(ops),
	})

	result := PassResult{}
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		outcome := p.dispatch(ctx, op)
		result.Processed++
		switch outcome {
		case outcomeSynced:
			result.Synced++
		case outcomeRetried:
			result.Retried++
		case outcomeFailed:
			result.Failed++
		}
	}

	logging.Info("Sync pass completed", map[string]interface{}{
		"processed": result.Processed,
		"synced":    result.Synced,
		"retried":   result.Retried,
		"failed":    result.Failed,
	})
	p.bus.Publish(events.EventSyncCompleted, map[string]interface{}{
		"processed": result.Processed,
		"synced":    result.Synced,
		"retried":   result.Retried,
		"failed":    result.Failed,
	})
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSynced
	outcomeRetried
	outcomeFailed
)

// dispatch claims one operation and replays it. Every exit path settles the
// operation: synced, returned to pending, or marked failed. Panics and errors
// here must never escape to the pass loop.
func (p *Processor) dispatch(ctx context.Context, op *models.PendingOperation) outcome {
	claimed, err := p.queue.Claim(op.ID)
	if err != nil {
		logging.Error("Failed to claim operation", err, map[string]interface{}{"operation_id": op.ID})
		return outcomeSkipped
	}
	if !claimed {
		// Another path (the in-memory upload pipeline) holds it
		return outcomeSkipped
	}

	var replayErr error
	switch op.Kind {
	case models.OperationCreate:
		replayErr = p.replayCreate(ctx, op)
	case models.OperationUpdate:
		replayErr = p.replayUpdate(ctx, op)
	case models.OperationUploadFile:
		replayErr = p.replayUpload(ctx, op)
	default:
		replayErr = apperrors.New(apperrors.ErrSyncRejected, "unknown operation kind "+string(op.Kind))
	}

	if replayErr == nil {
		if err := p.queue.MarkSynced(op.ID); err != nil {
			logging.Error("Failed to settle synced operation", err, map[string]interface{}{"operation_id": op.ID})
		}
		return outcomeSynced
	}
	return p.settleFailure(op, replayErr)
}

func (p *Processor) replayCreate(ctx context.Context, op *models.PendingOperation) error {
	realID, err := p.api.CreateRecord(ctx, op.Endpoint, op.Payload)
	if err != nil {
		return err
	}

	if err := p.ids.Record(op.TargetID, realID); err != nil {
		// The server accepted the create; a conflicting mapping here is a
		// local integrity problem, not something a retry can fix.
		return err
	}

	if rec, err := p.store.GetRecordByTempID(op.TargetID); err == nil {
		p.patchSnapshot(rec)
	}

	p.bus.Publish(events.EventRecordReconciled, map[string]interface{}{
		"temp_id": op.TargetID,
		"real_id": realID,
	})
	return nil
}

func (p *Processor) replayUpdate(ctx context.Context, op *models.PendingOperation) error {
	serverID, err := p.resolveTarget(op.TargetID)
	if err != nil {
		return err
	}

	if uuid.IsTemp(op.TargetID) {
		_ = p.store.SetRecordSyncState(op.TargetID, models.SyncStateInFlight)
	}

	if err := p.api.UpdateRecord(ctx, op.Endpoint, serverID, op.Payload); err != nil {
		if uuid.IsTemp(op.TargetID) {
			_ = p.store.SetRecordSyncState(op.TargetID, models.SyncStateLocal)
		}
		return err
	}

	if rec := p.lookupTarget(op.TargetID, serverID); rec != nil {
		rec.SyncState = models.SyncStateSynced
		if err := p.store.UpdateRecord(rec); err == nil {
			p.patchSnapshot(rec)
		}
	}
	return nil
}

// replayUpload is the durable photo upload path: it runs when the in-memory
// pipeline never got its attempt in (process restart, prior transient
// failure). A missing blob means the other path already uploaded and cleaned
// up, so the operation settles as a no-op.
func (p *Processor) replayUpload(ctx context.Context, op *models.PendingOperation) error {
	var payload struct {
		TempPhotoID string `json:"temp_photo_id"`
	}
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncRejected, "unreadable upload payload", err)
	}

	task, err := p.store.GetPhotoTask(payload.TempPhotoID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			logging.Warn("Upload operation references no task, skipping this cycle", map[string]interface{}{
				"operation_id":  op.ID,
				"temp_photo_id": payload.TempPhotoID,
			})
			return apperrors.New(apperrors.ErrBlobMissing, "photo task not found")
		}
		return apperrors.Wrap(apperrors.ErrSyncTransient, "failed to load photo task", err)
	}

	if task.Status == models.PhotoStatusCompleted {
		return nil
	}

	data, err := p.blobs.Retrieve(task.BlobHash)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Blob gone: the upload already happened on the other path
			logging.Debug("Photo blob absent, treating upload as done", map[string]interface{}{
				"temp_photo_id": task.TempPhotoID,
			})
			_ = p.store.DeletePhotoTask(task.TempPhotoID)
			return nil
		}
		return apperrors.Wrap(apperrors.ErrSyncTransient, "failed to read photo blob", err)
	}

	parentID, err := p.resolveTarget(op.TargetID)
	if err != nil {
		return err
	}

	task.Status = models.PhotoStatusUploading
	_ = p.store.UpdatePhotoTask(task)

	result, err := p.api.UploadPhoto(ctx, parentID, PhotoUpload{
		FileName: task.TempPhotoID,
		MIME:     media.DetectMIME(data),
		Caption:  task.Caption,
		Overlay:  task.Overlay,
		Data:     data,
	})
	if err != nil {
		task.Status = models.PhotoStatusFailed
		_ = p.store.UpdatePhotoTask(task)
		return err
	}

	p.finishUpload(task, result)
	return nil
}

// finishUpload settles a successful upload: final task state, blob cleanup,
// completion event. Shared with nothing — the in-memory pipeline keeps its
// own copy of this sequence because it also streams progress.
func (p *Processor) finishUpload(task *models.PhotoTask, result *PhotoResult) {
	task.Status = models.PhotoStatusCompleted
	task.Progress = 100
	task.StorageKey = result.StorageKey

	if p.resolver != nil && result.StorageKey != "" {
		if url, err := p.resolver.ResolveURL(result.StorageKey); err == nil {
			task.DisplayURL = url
		} else {
			logging.Warn("No resolver matched storage key", map[string]interface{}{
				"storage_key": result.StorageKey,
			})
		}
	}
	_ = p.store.UpdatePhotoTask(task)

	if err := p.blobs.Delete(task.BlobHash); err != nil {
		logging.Warn("Failed to delete uploaded blob", map[string]interface{}{
			"blob_hash": task.BlobHash,
			"error":     err.Error(),
		})
	}

	_ = p.store.DeletePhotoTask(task.TempPhotoID)

	// The parent leaves the uploading state only with its last capture.
	if uuid.IsTemp(task.ParentID) && !p.uploadsRemain(task.ParentID) {
		_ = p.store.SetRecordSyncState(task.ParentID, models.SyncStateSynced)
	}

	p.bus.Publish(events.EventPhotoCompleted, map[string]interface{}{
		"temp_photo_id": task.TempPhotoID,
		"parent_id":     task.ParentID,
		"storage_key":   task.StorageKey,
		"display_url":   task.DisplayURL,
	})
}

// uploadsRemain reports whether the parent still has captures queued or in
// progress after the caller deleted its own task.
func (p *Processor) uploadsRemain(parentID string) bool {
	siblings, err := p.store.ListPhotoTasksByParent(parentID)
	if err != nil {
		return false
	}
	for _, s := range siblings {
		if s.Status == models.PhotoStatusQueued || s.Status == models.PhotoStatusUploading {
			return true
		}
	}
	return false
}

// settleFailure returns a transiently failed operation to pending and marks a
// rejected one failed, publishing the failure so the UI can revert its
// optimistic state.
func (p *Processor) settleFailure(op *models.PendingOperation, cause error) outcome {
	if apperrors.IsTransient(cause) {
		if err := p.queue.MarkRetry(op.ID, cause); err != nil {
			logging.Error("Failed to return operation to pending", err, map[string]interface{}{"operation_id": op.ID})
		}
		return outcomeRetried
	}

	if err := p.queue.MarkFailed(op.ID, cause); err != nil {
		logging.Error("Failed to settle rejected operation", err, map[string]interface{}{"operation_id": op.ID})
	}
	if op.Kind == models.OperationCreate && uuid.IsTemp(op.TargetID) {
		_ = p.store.SetRecordSyncState(op.TargetID, models.SyncStateLocal)
	}
	p.bus.Publish(events.EventOperationFailed, map[string]interface{}{
		"operation_id": op.ID,
		"kind":         string(op.Kind),
		"target_id":    op.TargetID,
		"error":        cause.Error(),
	})
	return outcomeFailed
}

// resolveTarget turns an operation target into a server identifier. A
// temporary identifier with no recorded mapping is a dependency that has not
// synced yet; the operation goes back to pending rather than being dropped.
func (p *Processor) resolveTarget(target string) (int64, error) {
	if uuid.IsTemp(target) {
		if real, ok := p.ids.Resolve(target); ok {
			return real, nil
		}
		return 0, apperrors.New(apperrors.ErrUnresolvedDep, "target "+target+" has no server identifier yet")
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.New(apperrors.ErrSyncRejected, "malformed operation target "+target)
	}
	return id, nil
}

func (p *Processor) lookupTarget(target string, serverID int64) *models.Record {
	if uuid.IsTemp(target) {
		if rec, err := p.store.GetRecordByTempID(target); err == nil {
			return rec
		}
		return nil
	}
	if rec, err := p.store.GetRecordByServerID(serverID); err == nil {
		return rec
	}
	return nil
}

// patchSnapshot folds one record into its cached snapshot in place, so
// projections reading the cache see the reconciled identifier without waiting
// for the next full refresh.
func (p *Processor) patchSnapshot(rec *models.Record) {
	snap, err := p.store.GetSnapshot(rec.Key())
	if err != nil {
		return // no cache to patch
	}
	records, err := snap.Records()
	if err != nil {
		return
	}

	found := false
	for i, cached := range records {
		if cached.TempID == rec.TempID || (rec.ServerID != 0 && cached.ServerID == rec.ServerID) {
			records[i] = rec
			found = true
			break
		}
	}
	if !found {
		records = append(records, rec)
	}

	if err := snap.SetRecords(records); err == nil {
		_ = p.store.SaveSnapshot(snap)
	}
}
