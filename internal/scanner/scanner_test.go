package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/download_manager/internal/storage"
)

type fakeIndexer struct {
	mu      sync.Mutex
	release chan struct{}
	scans   []string
	forgot  []string
	err     error
}

func (f *fakeIndexer) RequestScan(_ context.Context, path string) (string, error) {
	if f.release != nil {
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.scans = append(f.scans, path)
	if f.err != nil {
		return "", f.err
	}

	return "media://" + path, nil
}

func (f *fakeIndexer) Forget(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.forgot = append(f.forgot, uri)

	return nil
}

type fakeWriter struct {
	mu      sync.Mutex
	updates map[int64]storage.DownloadUpdate
}

func (f *fakeWriter) UpdateDownload(_ context.Context, id int64, u storage.DownloadUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updates == nil {
		f.updates = make(map[int64]storage.DownloadUpdate)
	}

	f.updates[id] = u

	return nil
}

func (f *fakeWriter) DeleteDownload(context.Context, int64) error { return nil }

func completed(id int64) storage.DownloadRecord {
	return storage.DownloadRecord{
		ID:          id,
		Status:      storage.StatusCompleted,
		Destination: storage.DestinationExternal,
		FileName:    "/media/file.mkv",
	}
}

func TestRequestScan_IsIdempotent(t *testing.T) {
	idx := &fakeIndexer{release: make(chan struct{})}
	store := &fakeWriter{}

	var done []int64

	s := New(context.Background(), idx, store, nil, func(id int64) { done = append(done, id) })
	ctx := context.Background()

	assert.True(t, s.RequestScan(ctx, completed(1)))
	assert.True(t, s.RequestScan(ctx, completed(1)))
	assert.True(t, s.IsScanning(1))
	assert.Equal(t, 1, s.Pending())

	close(idx.release)
	s.Wait()

	assert.Len(t, idx.scans, 1, "a second request while pending does not scan again")
	assert.False(t, s.IsScanning(1))
	assert.Equal(t, []int64{1}, done)

	u := store.updates[1]
	require.NotNil(t, u.MediaScanned)
	assert.True(t, *u.MediaScanned)
	require.NotNil(t, u.MediaProviderURI)
	assert.Equal(t, "media:///media/file.mkv", *u.MediaProviderURI)
}

func TestRequestScan_FailureStillMarksScanned(t *testing.T) {
	idx := &fakeIndexer{err: errors.New("indexer down")}
	store := &fakeWriter{}

	s := New(context.Background(), idx, store, nil, nil)
	s.RequestScan(context.Background(), completed(2))
	s.Wait()

	u := store.updates[2]
	require.NotNil(t, u.MediaScanned)
	assert.True(t, *u.MediaScanned)
	assert.Nil(t, u.MediaProviderURI)
}

func TestRequestScan_WithoutIndexer(t *testing.T) {
	store := &fakeWriter{}

	s := New(context.Background(), nil, store, nil, nil)
	s.RequestScan(context.Background(), completed(3))
	s.Wait()

	require.Contains(t, store.updates, int64(3))
	assert.True(t, *store.updates[3].MediaScanned)

	assert.NotPanics(t, func() { s.Forget(context.Background(), "media://x") })
}

func TestForget(t *testing.T) {
	idx := &fakeIndexer{}
	s := New(context.Background(), idx, &fakeWriter{}, nil, nil)

	s.Forget(context.Background(), "")
	s.Forget(context.Background(), "media://a")

	assert.Equal(t, []string{"media://a"}, idx.forgot)
}
