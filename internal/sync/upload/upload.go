// Package upload implements the dual-path photo upload pipeline. Every
// capture is persisted twice before anything else happens: the original bytes
// go to the content-addressed blob store and a mirrored pending operation
// goes to the durable queue. An in-memory attempt then races ahead for
// immediate feedback; if the process dies first, the durable operation
// replays the upload on the next sync pass. The two paths deduplicate by
// claiming the shared operation, so a photo is uploaded exactly once.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	gosync "sync"

	"github.com/rmazur/fieldsync/internal/db"
	apperrors "github.com/rmazur/fieldsync/internal/errors"
	"github.com/rmazur/fieldsync/internal/events"
	"github.com/rmazur/fieldsync/internal/logging"
	"github.com/rmazur/fieldsync/internal/media"
	"github.com/rmazur/fieldsync/internal/models"
	"github.com/rmazur/fieldsync/internal/storage"
	syncer "github.com/rmazur/fieldsync/internal/sync"
	"github.com/rmazur/fieldsync/internal/sync/annotation"
	"github.com/rmazur/fieldsync/internal/sync/queue"
	"github.com/rmazur/fieldsync/internal/sync/reconcile"
	"github.com/rmazur/fieldsync/internal/uuid"
)

// Capture is one photo handed to the pipeline.
type Capture struct {
	ParentID string // temporary or numeric record identifier
	FileName string
	Caption  string
	Overlay  *annotation.Drawing // optional
	Data     []byte
}

// Progress is one update delivered to an upload subscriber.
type Progress struct {
	TempPhotoID string
	Status      models.PhotoStatus
	Percent     int
	DisplayURL  string
	Err         string
}

// Subscription streams progress for one upload. Updates are dropped rather
// than blocked on when the subscriber falls behind or walks away; the upload
// itself is owned by the pipeline and keeps running regardless.
type Subscription struct {
	ch chan Progress
}

// Events returns the subscription's receive channel. It is closed when the
// in-memory attempt finishes, which is not necessarily when the upload is
// done: a handed-off upload completes later on the durable path.
func (s *Subscription) Events() <-chan Progress {
	return s.ch
}

func (s *Subscription) emit(p Progress) {
	if s == nil {
		return
	}
	select {
	case s.ch <- p:
	default:
	}
}

// Enqueued is what EnqueueUpload hands back for immediate rendering.
type Enqueued struct {
	Task         *models.PhotoTask
	Preview      *media.Preview // nil when preview generation failed
	Subscription *Subscription
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Store    db.SyncStore
	Queue    *queue.Queue
	IDs      *reconcile.Map
	Blobs    *storage.BlobStore
	Previews *media.Generator
	Resolver storage.URLResolver
	API      syncer.RemoteAPI
	Bus      *events.Bus
}

// Pipeline owns in-memory upload attempts. Its lifetime is the process, not
// any one caller: attempts run on the pipeline's own context so a dismissed
// screen never cancels an upload.
type Pipeline struct {
	store    db.SyncStore
	queue    *queue.Queue
	ids      *reconcile.Map
	blobs    *storage.BlobStore
	previews *media.Generator
	resolver storage.URLResolver
	api      syncer.RemoteAPI
	bus      *events.Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewPipeline creates the upload pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:    cfg.Store,
		queue:    cfg.Queue,
		ids:      cfg.IDs,
		blobs:    cfg.Blobs,
		previews: cfg.Previews,
		resolver: cfg.Resolver,
		api:      cfg.API,
		bus:      cfg.Bus,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// EnqueueUpload persists a capture durably and starts the in-memory attempt.
// By the time this returns, the blob, the task, and the mirrored pending
// operation are all on disk: killing the process immediately afterwards
// loses nothing.
func (p *Pipeline) EnqueueUpload(capture Capture) (*Enqueued, error) {
	if len(capture.Data) == 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "empty photo payload")
	}
	if capture.ParentID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "upload requires a parent record")
	}

	// Preview generation is best effort; a capture the decoder chokes on
	// still uploads fine.
	preview, err := p.previews.FromBytes(capture.Data)
	if err != nil {
		logging.Warn("Preview generation failed", map[string]interface{}{"error": err.Error()})
		preview = nil
	}

	hash, err := p.blobs.Store(capture.Data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUploadFailed, "failed to persist photo", err)
	}

	overlay := ""
	if capture.Overlay != nil {
		overlay, err = annotation.Compress(capture.Overlay)
		if err != nil {
			return nil, err
		}
	}

	task := &models.PhotoTask{
		TempPhotoID: uuid.NewTemp(),
		ParentID:    capture.ParentID,
		BlobHash:    hash,
		Caption:     capture.Caption,
		Overlay:     overlay,
		Status:      models.PhotoStatusQueued,
	}
	if err := p.store.CreatePhotoTask(task); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"temp_photo_id": task.TempPhotoID})
	op := &models.PendingOperation{
		Kind:      models.OperationUploadFile,
		TargetID:  capture.ParentID,
		Endpoint:  "photos",
		Payload:   payload,
		DependsOn: p.parentDependency(capture.ParentID),
	}
	opID, err := p.queue.Enqueue(op)
	if err != nil {
		return nil, err
	}
	task.OperationID = opID
	if err := p.store.UpdatePhotoTask(task); err != nil {
		return nil, err
	}

	if uuid.IsTemp(capture.ParentID) {
		_ = p.store.SetRecordSyncState(capture.ParentID, models.SyncStateUploading)
	}

	sub := &Subscription{ch: make(chan Progress, 16)}
	p.wg.Add(1)
	go p.run(task.TempPhotoID, opID, capture.FileName, sub)

	return &Enqueued{Task: task, Preview: preview, Subscription: sub}, nil
}

// Resume restarts in-memory attempts for tasks that survived a process
// restart, so uploads resume without waiting for the next sync pass.
func (p *Pipeline) Resume() error {
	tasks, err := p.store.ListUnfinishedPhotoTasks()
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.OperationID == "" {
			continue
		}
		p.wg.Add(1)
		go p.run(task.TempPhotoID, task.OperationID, task.TempPhotoID, nil)
	}
	if len(tasks) > 0 {
		logging.Info("Resumed unfinished photo uploads", map[string]interface{}{"count": len(tasks)})
	}
	return nil
}

// Close stops new attempts and waits for running ones to settle.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// parentDependency links an upload behind its parent's unconfirmed create.
func (p *Pipeline) parentDependency(parentID string) []string {
	if !uuid.IsTemp(parentID) {
		return nil
	}
	if _, ok := p.ids.Resolve(parentID); ok {
		return nil
	}
	creates, err := p.queue.ListPending(queue.Filter{Kind: models.OperationCreate, TargetID: parentID})
	if err != nil || len(creates) == 0 {
		return nil
	}
	return []string{creates[0].ID}
}

// run is the in-memory attempt. Claiming the shared operation is the dedup
// point with the durable path; whoever claims first uploads, the other side
// finds either a claimed operation or a deleted blob and backs off.
func (p *Pipeline) run(tempPhotoID, opID, fileName string, sub *Subscription) {
	defer p.wg.Done()
	defer func() {
		if sub != nil {
			close(sub.ch)
		}
	}()

	task, err := p.store.GetPhotoTask(tempPhotoID)
	if err != nil {
		logging.Error("Upload attempt lost its task", err, map[string]interface{}{"temp_photo_id": tempPhotoID})
		return
	}

	claimed, err := p.queue.Claim(opID)
	if err != nil {
		logging.Error("Failed to claim upload operation", err, map[string]interface{}{"operation_id": opID})
		return
	}
	if !claimed {
		// The durable path got there first; its events tell the rest.
		sub.emit(Progress{TempPhotoID: tempPhotoID, Status: task.Status, Percent: task.Progress})
		return
	}

	// An unconfirmed parent means the upload cannot name its target yet.
	// Hand the claim back; reconciliation retargets the operation and the
	// next pass replays it.
	parentID, parentErr := p.resolveParent(task.ParentID)
	if parentErr != nil {
		_ = p.queue.MarkRetry(opID, parentErr)
		sub.emit(Progress{TempPhotoID: tempPhotoID, Status: models.PhotoStatusQueued})
		return
	}

	data, err := p.blobs.Retrieve(task.BlobHash)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_ = p.queue.MarkSynced(opID)
			sub.emit(Progress{TempPhotoID: tempPhotoID, Status: models.PhotoStatusCompleted, Percent: 100})
			return
		}
		_ = p.queue.MarkRetry(opID, apperrors.Wrap(apperrors.ErrSyncTransient, "failed to read photo blob", err))
		return
	}

	p.setProgress(task, models.PhotoStatusUploading, 10, sub)

	result, err := p.api.UploadPhoto(p.ctx, parentID, syncer.PhotoUpload{
		FileName: fileName,
		MIME:     media.DetectMIME(data),
		Caption:  task.Caption,
		Overlay:  task.Overlay,
		Data:     data,
	})
	if err != nil {
		p.settleFailure(task, opID, err, sub)
		return
	}

	p.finish(task, opID, result, sub)
}

func (p *Pipeline) resolveParent(parentID string) (int64, error) {
	if uuid.IsTemp(parentID) {
		if real, ok := p.ids.Resolve(parentID); ok {
			return real, nil
		}
		return 0, apperrors.New(apperrors.ErrUnresolvedDep,
			fmt.Sprintf("parent %s has no server identifier yet", parentID))
	}
	var real int64
	if _, err := fmt.Sscanf(parentID, "%d", &real); err != nil || real <= 0 {
		return 0, apperrors.New(apperrors.ErrSyncRejected, "malformed parent identifier "+parentID)
	}
	return real, nil
}

func (p *Pipeline) setProgress(task *models.PhotoTask, status models.PhotoStatus, percent int, sub *Subscription) {
	task.Status = status
	task.Progress = percent
	_ = p.store.UpdatePhotoTask(task)

	sub.emit(Progress{TempPhotoID: task.TempPhotoID, Status: status, Percent: percent})
	p.bus.Publish(events.EventPhotoProgress, map[string]interface{}{
		"temp_photo_id": task.TempPhotoID,
		"parent_id":     task.ParentID,
		"status":        string(status),
		"progress":      percent,
	})
}

// settleFailure marks the placeholder visibly failed while keeping the
// durable operation alive for transient causes; only a server rejection
// settles the operation as failed.
func (p *Pipeline) settleFailure(task *models.PhotoTask, opID string, cause error, sub *Subscription) {
	task.Status = models.PhotoStatusFailed
	_ = p.store.UpdatePhotoTask(task)

	if apperrors.IsTransient(cause) {
		_ = p.queue.MarkRetry(opID, cause)
	} else {
		_ = p.queue.MarkFailed(opID, cause)
	}

	sub.emit(Progress{TempPhotoID: task.TempPhotoID, Status: models.PhotoStatusFailed, Err: cause.Error()})
	p.bus.Publish(events.EventPhotoFailed, map[string]interface{}{
		"temp_photo_id": task.TempPhotoID,
		"parent_id":     task.ParentID,
		"error":         cause.Error(),
	})
}

func (p *Pipeline) finish(task *models.PhotoTask, opID string, result *syncer.PhotoResult, sub *Subscription) {
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

	if err := p.queue.MarkSynced(opID); err != nil {
		logging.Error("Failed to settle upload operation", err, map[string]interface{}{"operation_id": opID})
	}
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

	sub.emit(Progress{
		TempPhotoID: task.TempPhotoID,
		Status:      models.PhotoStatusCompleted,
		Percent:     100,
		DisplayURL:  task.DisplayURL,
	})
	p.bus.Publish(events.EventPhotoCompleted, map[string]interface{}{
		"temp_photo_id": task.TempPhotoID,
		"parent_id":     task.ParentID,
		"storage_key":   task.StorageKey,
		"display_url":   task.DisplayURL,
	})
}

// uploadsRemain reports whether the parent still has captures queued or in
// progress. Callers delete their own task first, so any remaining unfinished
// sibling belongs to another capture.
func (p *Pipeline) uploadsRemain(parentID string) bool {
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
