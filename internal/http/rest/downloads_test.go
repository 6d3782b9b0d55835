package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/download_manager/internal/batch"
	"github.com/italolelis/download_manager/internal/config"
	"github.com/italolelis/download_manager/internal/storage"
)

type mockBatches []batch.Batch

func (m mockBatches) Batches() []batch.Batch { return m }

type mockService struct {
	starts int
}

func (m *mockService) NotifyStart() int64 {
	m.starts++

	return int64(m.starts)
}

func (m *mockService) Bind() error { return errors.New("binding is not supported") }

type mockStore struct {
	batches    []storage.BatchRecord
	downloads  []storage.DownloadRecord
	deleted    []int64
	insertErr  error
	missingIDs map[int64]bool
}

func (m *mockStore) InsertBatch(_ context.Context, b storage.BatchRecord) (int64, error) {
	if m.insertErr != nil {
		return 0, m.insertErr
	}

	m.batches = append(m.batches, b)

	return int64(len(m.batches)), nil
}

func (m *mockStore) InsertDownload(_ context.Context, d storage.DownloadRecord) (int64, error) {
	if m.insertErr != nil {
		return 0, m.insertErr
	}

	m.downloads = append(m.downloads, d)

	return int64(100 + len(m.downloads)), nil
}

func (m *mockStore) MarkDeleted(_ context.Context, id int64) error {
	if m.missingIDs[id] {
		return storage.ErrNotFound
	}

	m.deleted = append(m.deleted, id)

	return nil
}

type fixture struct {
	handler http.Handler
	service *mockService
	store   *mockStore
	limit   *config.ParallelLimit
}

func newFixture(username, password string, batches mockBatches) *fixture {
	f := &fixture{
		service: &mockService{},
		store:   &mockStore{missingIDs: map[int64]bool{404: true}},
		limit:   config.NewParallelLimit(5),
	}
	f.handler = NewDownloadsHandler(username, password, batches, f.service, f.limit, f.store).Routes()

	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	return rec
}

func TestHandleListBatches(t *testing.T) {
	f := newFixture("", "", mockBatches{{
		ID:     1,
		Info:   batch.Info{Title: "Show S01", Visibility: storage.VisibilityVisible},
		Status: storage.StatusRunning,
		Downloads: []storage.DownloadRecord{
			{ID: 10, BatchID: 1, URI: "https://example.com/a.mkv", Status: storage.StatusRunning, TotalBytes: 100, CurrentBytes: 40},
			{ID: 11, BatchID: 1, URI: "https://example.com/b.mkv", Status: storage.StatusPending, TotalBytes: 50},
		},
	}})

	rec := f.do(http.MethodGet, "/batches", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp []BatchResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 1)

	assert.Equal(t, "Show S01", resp[0].Title)
	assert.Equal(t, storage.StatusRunning, resp[0].Status)
	assert.Equal(t, int64(40), resp[0].CurrentBytes)
	assert.Equal(t, int64(150), resp[0].TotalBytes)
	assert.Len(t, resp[0].Downloads, 2)
}

func TestHandleListBatches_EmptyIsArray(t *testing.T) {
	f := newFixture("", "", nil)

	rec := f.do(http.MethodGet, "/batches", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHandleStart(t *testing.T) {
	f := newFixture("", "", nil)

	rec := f.do(http.MethodPost, "/start", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"token":1}`, rec.Body.String())
	assert.Equal(t, 1, f.service.starts)
}

func TestHandleBind(t *testing.T) {
	f := newFixture("", "", nil)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := f.do(method, "/bind", "")
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	}
}

func TestHandleSetLimit(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantLimit int
	}{
		{name: "raise", body: `{"max_parallel":8}`, wantCode: http.StatusOK, wantLimit: 8},
		{name: "zero rejected", body: `{"max_parallel":0}`, wantCode: http.StatusBadRequest, wantLimit: 5},
		{name: "malformed", body: `{`, wantCode: http.StatusBadRequest, wantLimit: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture("", "", nil)

			rec := f.do(http.MethodPut, "/limits/parallel", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantLimit, f.limit.Limit())

			rec = f.do(http.MethodGet, "/limits/parallel", "")
			assert.JSONEq(t, `{"max_parallel":`+strconv.Itoa(tt.wantLimit)+`}`, rec.Body.String())
		})
	}
}

func TestHandleEnqueue(t *testing.T) {
	f := newFixture("", "", nil)

	rec := f.do(http.MethodPost, "/downloads",
		`{"title":"Movie","visibility":"visible_notify_completed","uris":["https://example.com/a.mkv","https://example.com/b.srt"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp EnqueueResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, int64(1), resp.BatchID)
	assert.Equal(t, []int64{101, 102}, resp.DownloadIDs)

	require.Len(t, f.store.batches, 1)
	assert.Equal(t, storage.VisibilityVisibleNotifyCompleted, f.store.batches[0].Visibility)
	require.Len(t, f.store.downloads, 2)
	assert.Equal(t, int64(1), f.store.downloads[1].BatchID)
	assert.Equal(t, 1, f.service.starts, "a stored batch issues a start request")
}

func TestHandleEnqueue_ExistingBatch(t *testing.T) {
	f := newFixture("", "", nil)

	rec := f.do(http.MethodPost, "/downloads", `{"batch_id":7,"uris":["https://example.com/c.mkv"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Empty(t, f.store.batches)
	require.Len(t, f.store.downloads, 1)
	assert.Equal(t, int64(7), f.store.downloads[0].BatchID)
}

func TestHandleEnqueue_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "no uris", body: `{"title":"x"}`},
		{name: "unsupported scheme", body: `{"uris":["magnet:?xt=urn:btih:abc"]}`},
		{name: "unknown visibility", body: `{"visibility":"loud","uris":["https://example.com/a"]}`},
		{name: "unknown destination", body: `{"destination":"cloud","uris":["https://example.com/a"]}`},
		{name: "malformed", body: `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture("", "", nil)

			rec := f.do(http.MethodPost, "/downloads", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, f.store.downloads)
		})
	}
}

func TestHandleEnqueue_StoreFailure(t *testing.T) {
	f := newFixture("", "", nil)
	f.store.insertErr = errors.New("database is locked")

	rec := f.do(http.MethodPost, "/downloads", `{"uris":["https://example.com/a"]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, f.service.starts)
}

func TestHandleDelete(t *testing.T) {
	f := newFixture("", "", nil)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/downloads/12", "").Code)
	assert.Equal(t, []int64{12}, f.store.deleted)
	assert.Equal(t, 1, f.service.starts)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/downloads/404", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodDelete, "/downloads/abc", "").Code)
	assert.Equal(t, 1, f.service.starts, "failed deletes issue no start request")
}

func TestBasicAuth(t *testing.T) {
	f := newFixture("admin", "secret", nil)

	rec := f.do(http.MethodPost, "/start", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/start", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/start", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// reads stay open
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/batches", "").Code)
	assert.Equal(t, 1, f.service.starts)
}
