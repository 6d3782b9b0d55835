// Package batch groups downloads into the batches presented to renderers.
package batch

import (
	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/storage"
)

// Info is the display metadata of a batch.
type Info struct {
	Title         string
	Description   string
	BigPictureURL string
	Visibility    storage.Visibility
}

// Batch is a projection rebuilt on every pass. Downloads are value copies so a renderer
// may keep them after the pass releases the working set.
type Batch struct {
	ID        int64
	Info      Info
	Status    storage.Status
	Downloads []storage.DownloadRecord
}

// CurrentBytes sums the bytes written so far across the batch.
func (b Batch) CurrentBytes() int64 {
	var n int64
	for _, d := range b.Downloads {
		n += d.CurrentBytes
	}

	return n
}

// TotalBytes sums the known sizes. It returns -1 while any size is still unknown.
func (b Batch) TotalBytes() int64 {
	var n int64

	for _, d := range b.Downloads {
		if d.TotalBytes < 0 {
			return -1
		}

		n += d.TotalBytes
	}

	return n
}

// statusPriority orders statuses for the batch aggregate: the highest present wins.
var statusPriority = map[storage.Status]int{
	storage.StatusCompleted: 1,
	storage.StatusCanceled:  2,
	storage.StatusError:     3,
	storage.StatusPaused:    4,
	storage.StatusPending:   5,
	storage.StatusRunning:   6,
}

// Group builds one Batch per batch row, in row order, with the downloads whose BatchID
// matches in input order. Downloads whose batch row is missing are not reported.
func Group(rows []storage.BatchRecord, infos []*download.Info) []Batch {
	byBatch := make(map[int64][]storage.DownloadRecord, len(rows))
	for _, info := range infos {
		byBatch[info.BatchID] = append(byBatch[info.BatchID], info.Snapshot())
	}

	batches := make([]Batch, 0, len(rows))

	for _, row := range rows {
		downloads := byBatch[row.ID]

		batches = append(batches, Batch{
			ID: row.ID,
			Info: Info{
				Title:         row.Title,
				Description:   row.Description,
				BigPictureURL: row.BigPictureURL,
				Visibility:    row.Visibility,
			},
			Status:    deriveStatus(row.Status, downloads),
			Downloads: downloads,
		})
	}

	return batches
}

func deriveStatus(stored storage.Status, downloads []storage.DownloadRecord) storage.Status {
	if len(downloads) == 0 {
		return stored
	}

	status := downloads[0].Status
	for _, d := range downloads[1:] {
		if statusPriority[d.Status] > statusPriority[status] {
			status = d.Status
		}
	}

	return status
}
