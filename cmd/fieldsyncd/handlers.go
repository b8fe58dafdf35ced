// REST handlers for the localhost daemon API.
package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rmazur/fieldsync/internal/crypto"
	"github.com/rmazur/fieldsync/internal/db"
	apperrors "github.com/rmazur/fieldsync/internal/errors"
	"github.com/rmazur/fieldsync/internal/models"
	syncer "github.com/rmazur/fieldsync/internal/sync"
	"github.com/rmazur/fieldsync/internal/sync/annotation"
	"github.com/rmazur/fieldsync/internal/sync/queue"
	"github.com/rmazur/fieldsync/internal/sync/reconcile"
	"github.com/rmazur/fieldsync/internal/sync/upload"
)

// maxPhotoBytes caps an uploaded capture at 32 MiB.
const maxPhotoBytes = 32 << 20

// Handler serves the daemon's local REST API.
type Handler struct {
	repo      *db.Repository
	writer    *syncer.Writer
	reader    *syncer.Reader
	queue     *queue.Queue
	ids       *reconcile.Map
	conn      syncer.ConnectivitySource
	processor *syncer.Processor
	pipeline  *upload.Pipeline
	api       *syncer.Client
	tokens    *crypto.TokenStore
}

// NewHandler creates the REST handler.
func NewHandler(repo *db.Repository, writer *syncer.Writer, reader *syncer.Reader,
	q *queue.Queue, ids *reconcile.Map, conn syncer.ConnectivitySource,
	processor *syncer.Processor, pipeline *upload.Pipeline,
	api *syncer.Client, tokens *crypto.TokenStore) *Handler {
	return &Handler{
		repo:      repo,
		writer:    writer,
		reader:    reader,
		queue:     q,
		ids:       ids,
		conn:      conn,
		processor: processor,
		pipeline:  pipeline,
		api:       api,
		tokens:    tokens,
	}
}

// Register mounts all routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/status", h.Status)
	mux.HandleFunc("POST /api/sync", h.TriggerSync)
	mux.HandleFunc("GET /api/records", h.ListRecords)
	mux.HandleFunc("POST /api/records", h.CreateRecord)
	mux.HandleFunc("PUT /api/records/{id}", h.UpdateRecord)
	mux.HandleFunc("DELETE /api/records/{id}", h.HideRecord)
	mux.HandleFunc("POST /api/records/{id}/photos", h.UploadPhoto)
	mux.HandleFunc("GET /api/records/{id}/photos", h.ListPhotos)
	mux.HandleFunc("PUT /api/token", h.SetToken)
	mux.HandleFunc("DELETE /api/token", h.ClearToken)
}

// SetToken handles PUT /api/token: persists the server auth token encrypted
// at rest and applies it to the running client.
func (h *Handler) SetToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeError(w, apperrors.New(apperrors.ErrValidation, "token is required"))
		return
	}
	if err := h.tokens.Store("server_token", body.Token); err != nil {
		writeError(w, err)
		return
	}
	h.api.SetAuthToken(body.Token)
	writeJSON(w, http.StatusOK, map[string]interface{}{"stored": true})
}

// ClearToken handles DELETE /api/token.
func (h *Handler) ClearToken(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Delete("server_token"); err != nil {
		writeError(w, err)
		return
	}
	h.api.SetAuthToken("")
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "fieldsyncd",
	})
}

// Status handles GET /api/status: queue depth by status, reconciled
// identifier count, connectivity, and operations stuck behind a dependency.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	stale, err := h.queue.StaleBlocked(10 * time.Minute)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":        h.conn.Online(),
		"queue":         stats,
		"mappings":      h.ids.Len(),
		"stale_blocked": len(stale),
	})
}

// TriggerSync handles POST /api/sync. The pass runs asynchronously; a pass
// already in progress absorbs the request.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.processor.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"triggered": true})
}

// ListRecords handles GET /api/records?service_id=&category=.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	serviceID, err := strconv.ParseInt(r.URL.Query().Get("service_id"), 10, 64)
	if err != nil || serviceID <= 0 {
		writeError(w, apperrors.New(apperrors.ErrValidation, "service_id is required"))
		return
	}
	category := r.URL.Query().Get("category")
	if category == "" {
		writeError(w, apperrors.New(apperrors.ErrValidation, "category is required"))
		return
	}

	result, err := h.reader.Load(r.Context(), models.SnapshotKey{ServiceID: serviceID, Category: category})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records":      result.Records,
		"from_cache":   result.FromCache,
		"refreshed_at": result.RefreshedAt,
	})
}

// CreateRecord handles POST /api/records. The response carries the temporary
// identifier the UI keys its optimistic row on.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var rec models.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, apperrors.New(apperrors.ErrValidation, "invalid request body"))
		return
	}

	created, err := h.writer.CreateRecord(&rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateRecord handles PUT /api/records/{id}, where id is the temporary
// identifier. The UI keeps using it after reconciliation; the core translates.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.GetRecordByTempID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var patch struct {
		Name   *string            `json:"name"`
		Fields *map[string]string `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, apperrors.New(apperrors.ErrValidation, "invalid request body"))
		return
	}
	if patch.Name != nil {
		rec.Name = *patch.Name
	}
	if patch.Fields != nil {
		if err := rec.SetFieldMap(*patch.Fields); err != nil {
			writeError(w, apperrors.New(apperrors.ErrValidation, "invalid fields"))
			return
		}
	}

	if err := h.writer.UpdateRecord(rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HideRecord handles DELETE /api/records/{id}. Records are hidden, never
// destroyed locally.
func (h *Handler) HideRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.writer.HideRecord(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hidden": true})
}

// UploadPhoto handles POST /api/records/{id}/photos as a multipart form with
// a file part plus optional caption and overlay fields. The response returns
// the placeholder task immediately; progress streams over the WebSocket.
func (h *Handler) UploadPhoto(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxPhotoBytes); err != nil {
		writeError(w, apperrors.New(apperrors.ErrValidation, "invalid multipart form"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperrors.New(apperrors.ErrValidation, "file part is required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxPhotoBytes))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrUploadFailed, "failed to read file", err))
		return
	}

	capture := upload.Capture{
		ParentID: r.PathValue("id"),
		FileName: header.Filename,
		Caption:  r.FormValue("caption"),
		Data:     data,
	}
	if overlay := r.FormValue("overlay"); overlay != "" {
		drawing, err := annotation.Decompress(overlay)
		if err != nil {
			writeError(w, apperrors.New(apperrors.ErrValidation, "invalid overlay payload"))
			return
		}
		capture.Overlay = drawing
	}

	enq, err := h.pipeline.EnqueueUpload(capture)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{"task": enq.Task}
	if enq.Preview != nil {
		resp["preview"] = map[string]interface{}{
			"mime":   enq.Preview.MIME,
			"width":  enq.Preview.Width,
			"height": enq.Preview.Height,
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// ListPhotos handles GET /api/records/{id}/photos: the unfinished upload
// tasks still attached to a record.
func (h *Handler) ListPhotos(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.repo.ListPhotoTasksByParent(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		status = http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrValidation), apperrors.Is(err, apperrors.ErrInvalid):
		status = http.StatusBadRequest
	case apperrors.Is(err, apperrors.ErrNotFound), apperrors.Is(err, apperrors.ErrRecordNotFound),
		apperrors.Is(err, apperrors.ErrOperationNotFound):
		status = http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrIDConflict), apperrors.Is(err, apperrors.ErrDuplicate):
		status = http.StatusConflict
	}

	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  string(apperrors.Code(err)),
	})
}
