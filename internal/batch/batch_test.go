package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/storage"
)

func infos(recs ...storage.DownloadRecord) []*download.Info {
	out := make([]*download.Info, 0, len(recs))
	for _, rec := range recs {
		out = append(out, download.NewInfo(rec))
	}

	return out
}

func TestGroup_PartitionsDownloads(t *testing.T) {
	rows := []storage.BatchRecord{
		{ID: 1, Title: "first", Visibility: storage.VisibilityVisible, Status: storage.StatusPending},
		{ID: 2, Title: "second", Visibility: storage.VisibilityHidden, Status: storage.StatusCompleted},
		{ID: 3, Title: "empty", Status: storage.StatusPaused},
	}

	in := infos(
		storage.DownloadRecord{ID: 10, BatchID: 1, Status: storage.StatusCompleted},
		storage.DownloadRecord{ID: 11, BatchID: 2, Status: storage.StatusCompleted},
		storage.DownloadRecord{ID: 12, BatchID: 1, Status: storage.StatusRunning},
		storage.DownloadRecord{ID: 13, BatchID: 99, Status: storage.StatusPending},
	)

	batches := Group(rows, in)
	require.Len(t, batches, 3)

	assert.Equal(t, int64(1), batches[0].ID)
	assert.Equal(t, "first", batches[0].Info.Title)
	require.Len(t, batches[0].Downloads, 2)
	assert.Equal(t, int64(10), batches[0].Downloads[0].ID)
	assert.Equal(t, int64(12), batches[0].Downloads[1].ID)
	assert.Equal(t, storage.StatusRunning, batches[0].Status)

	assert.Equal(t, storage.VisibilityHidden, batches[1].Info.Visibility)
	assert.Equal(t, storage.StatusCompleted, batches[1].Status)

	assert.Empty(t, batches[2].Downloads)
	assert.Equal(t, storage.StatusPaused, batches[2].Status, "empty batch keeps its stored status")

	total := 0
	for _, b := range batches {
		total += len(b.Downloads)
	}

	assert.Equal(t, 3, total, "every download with a batch row appears exactly once")
}

func TestGroup_DownloadsAreCopies(t *testing.T) {
	in := infos(storage.DownloadRecord{ID: 1, BatchID: 1, Status: storage.StatusPending})
	batches := Group([]storage.BatchRecord{{ID: 1}}, in)

	in[0].Status = storage.StatusCompleted

	assert.Equal(t, storage.StatusPending, batches[0].Downloads[0].Status)
}

func TestDeriveStatusPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		statuses []storage.Status
		want     storage.Status
	}{
		{"all completed", []storage.Status{storage.StatusCompleted, storage.StatusCompleted}, storage.StatusCompleted},
		{"pending beats paused", []storage.Status{storage.StatusPaused, storage.StatusPending}, storage.StatusPending},
		{"error beats canceled", []storage.Status{storage.StatusCanceled, storage.StatusError, storage.StatusCompleted}, storage.StatusError},
		{"paused beats error", []storage.Status{storage.StatusError, storage.StatusPaused}, storage.StatusPaused},
		{"running wins", []storage.Status{storage.StatusPending, storage.StatusRunning, storage.StatusError}, storage.StatusRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			downloads := make([]storage.DownloadRecord, 0, len(tt.statuses))
			for _, s := range tt.statuses {
				downloads = append(downloads, storage.DownloadRecord{Status: s})
			}

			assert.Equal(t, tt.want, deriveStatus(storage.StatusPending, downloads))
		})
	}
}

func TestBatchBytes(t *testing.T) {
	b := Batch{Downloads: []storage.DownloadRecord{
		{CurrentBytes: 10, TotalBytes: 100},
		{CurrentBytes: 5, TotalBytes: 50},
	}}

	assert.Equal(t, int64(15), b.CurrentBytes())
	assert.Equal(t, int64(150), b.TotalBytes())

	b.Downloads = append(b.Downloads, storage.DownloadRecord{TotalBytes: -1})
	assert.Equal(t, int64(-1), b.TotalBytes())
}
