// Package sync implements the background synchronization core: the remote
// API client, connectivity monitoring, the queue processor that replays
// pending operations, and the cache-first read path with its merge policy.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	gosync "sync"
	"time"

	apperrors "github.com/rmazur/fieldsync/internal/errors"
	"github.com/rmazur/fieldsync/internal/models"
)

// PhotoUpload carries one photo attachment to the server.
type PhotoUpload struct {
	FileName string
	MIME     string
	Caption  string
	Overlay  string // encoded annotation payload, may be empty
	Data     []byte
}

// PhotoResult is the server's answer to a photo upload.
type PhotoResult struct {
	PhotoID    int64
	StorageKey string
}

// RemoteAPI is the server surface the sync core replays operations against.
// Implementations must classify failures with the error codes in the errors
// package so the processor can tell transient failures from rejections.
type RemoteAPI interface {
	// CreateRecord posts a new record and returns its server identifier.
	CreateRecord(ctx context.Context, endpoint string, payload json.RawMessage) (int64, error)
	// UpdateRecord replays an edit against an already-created record.
	UpdateRecord(ctx context.Context, endpoint string, serverID int64, payload json.RawMessage) error
	// UploadPhoto attaches a photo to a record.
	UploadPhoto(ctx context.Context, parentID int64, upload PhotoUpload) (*PhotoResult, error)
	// FetchRecords retrieves the server view for one snapshot key.
	FetchRecords(ctx context.Context, key models.SnapshotKey) ([]*models.Record, error)
}

// ClientConfig configures the HTTP remote client.
type ClientConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration // per-attempt budget, default 30s
}

// Client is the HTTP implementation of RemoteAPI.
type Client struct {
	baseURL string
	http    *http.Client

	mu        gosync.RWMutex
	authToken string
}

// NewClient creates a remote client for the given server.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		authToken: cfg.AuthToken,
		http:      &http.Client{Timeout: timeout},
	}
}

// SetAuthToken swaps the bearer token used for subsequent requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	c.authToken = token
	c.mu.Unlock()
}

// idEnvelope accepts both response shapes the server produces for creations:
// a bare object {"Id": 501} or a wrapped list {"Result": [{"Id": 501}]}.
type idEnvelope struct {
	ID     int64 `json:"Id"`
	Result []struct {
		ID  int64  `json:"Id"`
		Key string `json:"Key"`
	} `json:"Result"`
	Key string `json:"Key"`
}

func (e *idEnvelope) id() (int64, bool) {
	if e.ID != 0 {
		return e.ID, true
	}
	if len(e.Result) > 0 && e.Result[0].ID != 0 {
		return e.Result[0].ID, true
	}
	return 0, false
}

func (e *idEnvelope) key() (string, bool) {
	if e.Key != "" {
		return e.Key, true
	}
	if len(e.Result) > 0 && e.Result[0].Key != "" {
		return e.Result[0].Key, true
	}
	return "", false
}

// CreateRecord posts a new record and extracts the assigned identifier from
// either response shape.
func (c *Client) CreateRecord(ctx context.Context, endpoint string, payload json.RawMessage) (int64, error) {
	body, err := c.do(ctx, http.MethodPost, endpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}

	var env idEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrSyncRejected, "unreadable create response", err)
	}
	id, ok := env.id()
	if !ok {
		return 0, apperrors.New(apperrors.ErrSyncRejected, "create response carried no identifier")
	}
	return id, nil
}

// UpdateRecord replays an edit against a record the server already knows.
func (c *Client) UpdateRecord(ctx context.Context, endpoint string, serverID int64, payload json.RawMessage) error {
	path := fmt.Sprintf("%s/%d", endpoint, serverID)
	_, err := c.do(ctx, http.MethodPut, path, "application/json", bytes.NewReader(payload))
	return err
}

// UploadPhoto sends one photo as a multipart form. The overlay payload rides
// along as a form field so the server stores it with the photo.
func (c *Client) UploadPhoto(ctx context.Context, parentID int64, upload PhotoUpload) (*PhotoResult, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	part, err := form.CreateFormFile("file", upload.FileName)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUploadFailed, "failed to build upload form", err)
	}
	if _, err := part.Write(upload.Data); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUploadFailed, "failed to build upload form", err)
	}
	if upload.Caption != "" {
		_ = form.WriteField("caption", upload.Caption)
	}
	if upload.Overlay != "" {
		_ = form.WriteField("overlay", upload.Overlay)
	}
	if err := form.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUploadFailed, "failed to build upload form", err)
	}

	path := fmt.Sprintf("records/%d/photos", parentID)
	body, err := c.do(ctx, http.MethodPost, path, form.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}

	var env idEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncRejected, "unreadable upload response", err)
	}
	result := &PhotoResult{}
	if id, ok := env.id(); ok {
		result.PhotoID = id
	}
	if key, ok := env.key(); ok {
		result.StorageKey = key
	}
	if result.StorageKey == "" && result.PhotoID == 0 {
		return nil, apperrors.New(apperrors.ErrSyncRejected, "upload response carried no identifier")
	}
	return result, nil
}

// serverRecord is the wire shape the server returns for record listings.
type serverRecord struct {
	ID         int64             `json:"Id"`
	Name       string            `json:"Name"`
	Category   string            `json:"Category"`
	TemplateID int64             `json:"TemplateId"`
	Fields     map[string]string `json:"Fields"`
	UpdatedAt  int64             `json:"UpdatedAt"`
}

// FetchRecords retrieves the server view for one service/category pair. The
// listing endpoint uses the same envelope convention as the mutation
// endpoints: either a bare array or a wrapped {"Result": [...]}.
func (c *Client) FetchRecords(ctx context.Context, key models.SnapshotKey) ([]*models.Record, error) {
	path := fmt.Sprintf("services/%d/records?category=%s", key.ServiceID, url.QueryEscape(key.Category))
	body, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}

	var raw []serverRecord
	if err := json.Unmarshal(body, &raw); err != nil {
		var env struct {
			Result []serverRecord `json:"Result"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncRejected, "unreadable record listing", err)
		}
		raw = env.Result
	}

	records := make([]*models.Record, 0, len(raw))
	for _, sr := range raw {
		rec := &models.Record{
			ServerID:   sr.ID,
			ServiceID:  key.ServiceID,
			Category:   key.Category,
			Name:       sr.Name,
			TemplateID: sr.TemplateID,
			SyncState:  models.SyncStateSynced,
			UpdatedAt:  sr.UpdatedAt,
		}
		if sr.Category != "" {
			rec.Category = sr.Category
		}
		if sr.Fields != nil {
			if err := rec.SetFieldMap(sr.Fields); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrSyncRejected, "unreadable record fields", err)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// do performs one HTTP attempt and classifies the outcome. Timeouts and
// transport failures come back transient; server statuses are split into
// transient (5xx, 408, 429) and permanent rejections (other 4xx).
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncRejected, "failed to build request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.mu.RLock()
	token := c.authToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.Wrap(apperrors.ErrSyncTimeout, "request timed out", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrSyncTransient, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncTransient, "failed to read response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, classifyStatus(resp.StatusCode, data)
}

func classifyStatus(status int, body []byte) error {
	msg := "server returned " + strconv.Itoa(status)
	if len(body) > 0 && len(body) <= 256 {
		msg += ": " + string(body)
	}
	switch {
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return apperrors.New(apperrors.ErrSyncTransient, msg)
	default:
		return apperrors.New(apperrors.ErrSyncRejected, msg)
	}
}
