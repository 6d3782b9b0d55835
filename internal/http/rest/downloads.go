package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/download_manager/internal/batch"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/storage"
)

const maxRequestBody = 1 << 20

// BatchLister returns the last rendered batch projection.
type BatchLister interface {
	Batches() []batch.Batch
}

// DownloadService is the part of the download service reachable over HTTP.
type DownloadService interface {
	NotifyStart() int64
	Bind() error
}

// LimitSetter reads and changes the parallel download limit.
type LimitSetter interface {
	Limit() int
	Set(n int)
}

// DownloadWriter enqueues and removes downloads.
type DownloadWriter interface {
	InsertBatch(ctx context.Context, b storage.BatchRecord) (int64, error)
	InsertDownload(ctx context.Context, d storage.DownloadRecord) (int64, error)
	MarkDeleted(ctx context.Context, id int64) error
}

type BatchResponse struct {
	ID            int64              `json:"id"`
	Title         string             `json:"title"`
	Description   string             `json:"description,omitempty"`
	BigPictureURL string             `json:"big_picture_url,omitempty"`
	Visibility    storage.Visibility `json:"visibility"`
	Status        storage.Status     `json:"status"`
	CurrentBytes  int64              `json:"current_bytes"`
	TotalBytes    int64              `json:"total_bytes"`
	Downloads     []DownloadResponse `json:"downloads"`
}

type DownloadResponse struct {
	ID           int64               `json:"id"`
	URI          string              `json:"uri"`
	Status       storage.Status      `json:"status"`
	Destination  storage.Destination `json:"destination"`
	FileName     string              `json:"file_name,omitempty"`
	CurrentBytes int64               `json:"current_bytes"`
	TotalBytes   int64               `json:"total_bytes"`
	NumFailed    int                 `json:"num_failed"`
	MediaScanned bool                `json:"media_scanned"`
	Error        string              `json:"error,omitempty"`
}

// EnqueueRequest adds one batch. BatchID appends to an existing batch instead.
type EnqueueRequest struct {
	BatchID     int64               `json:"batch_id,omitempty"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Visibility  storage.Visibility  `json:"visibility,omitempty"`
	Destination storage.Destination `json:"destination,omitempty"`
	URIs        []string            `json:"uris"`
}

type EnqueueResponse struct {
	BatchID     int64   `json:"batch_id"`
	DownloadIDs []int64 `json:"download_ids"`
}

type LimitRequest struct {
	MaxParallel int `json:"max_parallel"`
}

type StartResponse struct {
	Token int64 `json:"token"`
}

type DownloadsHandler struct {
	username string
	password string
	batches  BatchLister
	service  DownloadService
	limit    LimitSetter
	store    DownloadWriter
}

func NewDownloadsHandler(username, password string, batches BatchLister, service DownloadService, limit LimitSetter, store DownloadWriter) *DownloadsHandler {
	return &DownloadsHandler{
		username: username,
		password: password,
		batches:  batches,
		service:  service,
		limit:    limit,
		store:    store,
	}
}

// Routes returns a router with the download manager API.
func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/batches", h.HandleListBatches)
	r.Get("/limits/parallel", h.HandleGetLimit)
	r.HandleFunc("/bind", h.HandleBind)

	r.Group(func(r chi.Router) {
		if h.username != "" {
			r.Use(h.basicAuthMiddleware)
		}

		r.Post("/start", h.HandleStart)
		r.Put("/limits/parallel", h.HandleSetLimit)
		r.Post("/downloads", h.HandleEnqueue)
		r.Delete("/downloads/{id}", h.HandleDelete)
	})

	return r
}

// HandleListBatches returns the projection rendered by the last reconciliation pass.
func (h *DownloadsHandler) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	batches := h.batches.Batches()

	resp := make([]BatchResponse, 0, len(batches))
	for _, b := range batches {
		resp = append(resp, toBatchResponse(b))
	}

	writeJSON(r.Context(), w, http.StatusOK, resp)
}

// HandleStart records a start request and triggers a pass.
func (h *DownloadsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	token := h.service.NotifyStart()

	logctx.LoggerFromContext(r.Context()).Debug("start requested", "token", token)

	writeJSON(r.Context(), w, http.StatusAccepted, StartResponse{Token: token})
}

// HandleBind rejects every client: the service cannot be bound to.
func (h *DownloadsHandler) HandleBind(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, h.service.Bind().Error(), http.StatusNotImplemented)
}

func (h *DownloadsHandler) HandleGetLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, LimitRequest{MaxParallel: h.limit.Limit()})
}

// HandleSetLimit changes the parallel download limit. Running tasks are not interrupted;
// the new limit applies to the next dispatch.
func (h *DownloadsHandler) HandleSetLimit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req LimitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.MaxParallel < 1 {
		http.Error(w, "max_parallel must be at least 1", http.StatusBadRequest)

		return
	}

	h.limit.Set(req.MaxParallel)
	h.service.NotifyStart()

	logger.Info("parallel limit changed", "max_parallel", req.MaxParallel)

	writeJSON(r.Context(), w, http.StatusOK, LimitRequest{MaxParallel: h.limit.Limit()})
}

// HandleEnqueue stores a batch with one download per URI and then issues a start request,
// so a service about to stop on an idle verdict picks the new rows up instead.
func (h *DownloadsHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	batchID := req.BatchID
	if batchID == 0 {
		id, err := h.store.InsertBatch(ctx, storage.BatchRecord{
			Title:       req.Title,
			Description: req.Description,
			Visibility:  req.Visibility,
		})
		if err != nil {
			logger.Error("failed to insert batch", "err", err)
			http.Error(w, "failed to store batch", http.StatusInternalServerError)

			return
		}

		batchID = id
	}

	resp := EnqueueResponse{BatchID: batchID}

	for _, uri := range req.URIs {
		id, err := h.store.InsertDownload(ctx, storage.DownloadRecord{
			BatchID:     batchID,
			URI:         uri,
			Destination: req.Destination,
		})
		if err != nil {
			logger.Error("failed to insert download", "batch_id", batchID, "uri", uri, "err", err)
			http.Error(w, "failed to store download", http.StatusInternalServerError)

			return
		}

		resp.DownloadIDs = append(resp.DownloadIDs, id)
	}

	token := h.service.NotifyStart()

	logger.Info("downloads enqueued", "batch_id", batchID, "count", len(resp.DownloadIDs), "start_token", token)

	writeJSON(ctx, w, http.StatusCreated, resp)
}

// HandleDelete flags a download as deleted and issues a start request; the next pass removes
// its file and row.
func (h *DownloadsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid download id", http.StatusBadRequest)

		return
	}

	if err := h.store.MarkDeleted(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "download not found", http.StatusNotFound)

			return
		}

		logctx.LoggerFromContext(r.Context()).Error("failed to mark download deleted", "download_id", id, "err", err)
		http.Error(w, "failed to delete download", http.StatusInternalServerError)

		return
	}

	h.service.NotifyStart()

	w.WriteHeader(http.StatusNoContent)
}

func (req EnqueueRequest) validate() error {
	if len(req.URIs) == 0 {
		return errors.New("at least one uri is required")
	}

	for _, uri := range req.URIs {
		if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
			return errors.New("only http and https uris are supported: " + uri)
		}
	}

	switch req.Visibility {
	case "", storage.VisibilityVisible, storage.VisibilityVisibleNotifyCompleted,
		storage.VisibilityVisibleNotifyOnlyCompletion, storage.VisibilityHidden:
	default:
		return errors.New("unknown visibility: " + string(req.Visibility))
	}

	switch req.Destination {
	case "", storage.DestinationInternal, storage.DestinationExternal:
	default:
		return errors.New("unknown destination: " + string(req.Destination))
	}

	return nil
}

func toBatchResponse(b batch.Batch) BatchResponse {
	resp := BatchResponse{
		ID:            b.ID,
		Title:         b.Info.Title,
		Description:   b.Info.Description,
		BigPictureURL: b.Info.BigPictureURL,
		Visibility:    b.Info.Visibility,
		Status:        b.Status,
		CurrentBytes:  b.CurrentBytes(),
		TotalBytes:    b.TotalBytes(),
		Downloads:     make([]DownloadResponse, 0, len(b.Downloads)),
	}

	for _, d := range b.Downloads {
		resp.Downloads = append(resp.Downloads, DownloadResponse{
			ID:           d.ID,
			URI:          d.URI,
			Status:       d.Status,
			Destination:  d.Destination,
			FileName:     d.FileName,
			CurrentBytes: d.CurrentBytes,
			TotalBytes:   d.TotalBytes,
			NumFailed:    d.NumFailed,
			MediaScanned: d.MediaScanned,
			Error:        d.ErrorMessage,
		})
	}

	return resp
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}
