// Package reconcile diffs the record store against the downloads held in memory and
// decides, once per pass, what to dispatch, clean up and wake up for.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/download_manager/internal/batch"
	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/notifier"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/taskpool"
	"github.com/italolelis/download_manager/internal/telemetry"
)

// Pool runs download tasks.
type Pool interface {
	Dispatch(id int64, task taskpool.Task) bool
	ActiveIDs() []int64
	Cancel(id int64) bool
}

// Downloader builds the task that downloads a record.
type Downloader interface {
	Task(rec storage.DownloadRecord) func(ctx context.Context) error
}

// Prober resolves unknown content lengths.
type Prober interface {
	FetchContentLength(ctx context.Context, rec storage.DownloadRecord) int64
}

// Scanner announces completed files to the media indexer.
type Scanner interface {
	RequestScan(ctx context.Context, rec storage.DownloadRecord) bool
	IsScanning(id int64) bool
	Forget(ctx context.Context, mediaURI string)
}

// FileRemover deletes payload files.
type FileRemover interface {
	DeleteFileIfExists(ctx context.Context, path string) error
}

// WakeScheduler arms the one-shot retry wake.
type WakeScheduler interface {
	ArmAt(t time.Time)
}

// Deps are the collaborators of an Engine. ClientReady and Telemetry are optional.
type Deps struct {
	Store       storage.Store
	Pool        Pool
	Downloader  Downloader
	Prober      Prober
	Scanner     Scanner
	Remover     FileRemover
	Wake        WakeScheduler
	Renderer    notifier.Renderer
	ClientReady download.ClientReadyChecker
	Telemetry   *telemetry.Telemetry
}

// Options tune the engine.
type Options struct {
	// SequentialBatches runs the downloads of a batch one at a time, in id order.
	SequentialBatches bool
}

// State is a point-in-time view of the engine used for diagnostics.
type State struct {
	Tracked   int
	ActiveIDs []int64
}

// Engine owns the working set. RunPass must only be called from a single goroutine;
// the mutex makes the working set consistent for the whole pass.
type Engine struct {
	deps Deps
	opts Options
	now  func() time.Time

	mu        sync.Mutex
	downloads map[int64]*download.Info
	nextWake  time.Time
}

// New creates an Engine with an empty working set.
func New(deps Deps, opts Options) *Engine {
	if deps.ClientReady == nil {
		deps.ClientReady = download.AlwaysReady
	}

	return &Engine{
		deps:      deps,
		opts:      opts,
		now:       time.Now,
		downloads: make(map[int64]*download.Info),
	}
}

// pass holds the bookkeeping of a single RunPass call.
type pass struct {
	now        time.Time
	active     map[int64]bool
	isActive   bool
	nextAction time.Duration
	surviving  []*download.Info

	// siblings is the working set restricted to the rows of this pass's snapshot.
	siblings map[int64]*download.Info
}

// RunPass reconciles the working set with the store and reports whether any download is
// running or any scan is outstanding. A store read failure aborts the pass before the
// working set is touched.
func (e *Engine) RunPass(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	stale := make(map[int64]struct{}, len(e.downloads))
	for id := range e.downloads {
		stale[id] = struct{}{}
	}

	rows, err := e.deps.Store.QueryDownloads(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to query downloads: %w", err)
	}

	p := &pass{
		now:        e.now(),
		active:     make(map[int64]bool),
		nextAction: download.NoAction,
		siblings:   make(map[int64]*download.Info, len(rows)),
	}

	for _, id := range e.deps.Pool.ActiveIDs() {
		p.active[id] = true
	}

	// Entries whose rows vanished are evicted at the end of the pass; they must not hold
	// back their batch in the meantime.
	for _, row := range rows {
		if info, ok := e.downloads[row.ID]; ok {
			p.siblings[row.ID] = info
		}
	}

	for _, row := range rows {
		delete(stale, row.ID)

		info, ok := e.downloads[row.ID]
		if !ok {
			info = e.createNewDownloadInfo(ctx, row)
			p.siblings[info.ID] = info
		} else {
			info.UpdateFromDatabase(row)
			logger.Debug("processing updated download", "download_id", info.ID, "status", info.Status)
		}

		if info.Deleted {
			e.deleteFileAndDatabaseRow(ctx, info)

			continue
		}

		if info.Status.IsFailed() {
			e.deleteFileAndMediaReference(ctx, info)
		} else {
			e.updateTotalBytes(ctx, info)
			e.kickOffDownloadTaskIfReady(ctx, p, info)
			e.kickOffMediaScanIfCompleted(ctx, p, info)
		}

		if next := info.NextAction(p.now); next > 0 && next < p.nextAction {
			p.nextAction = next
		}

		p.surviving = append(p.surviving, info)
	}

	e.cleanUpStaleDownloads(ctx, stale)

	if len(e.deps.Pool.ActiveIDs()) > 0 {
		// cancelled or evicted tasks that have not returned yet
		p.isActive = true
	}

	e.render(ctx, p.surviving)

	e.nextWake = time.Time{}

	if p.nextAction != download.NoAction {
		wakeAt := p.now.Add(p.nextAction)
		logger.Debug("scheduling wake", "at", wakeAt, "in", p.nextAction)
		e.deps.Wake.ArmAt(wakeAt)
		e.nextWake = wakeAt
	}

	e.deps.Telemetry.RecordTrackedDownloads(ctx, len(e.downloads))

	return p.isActive, nil
}

// Dump returns the working-set size and the ids owning a task.
func (e *Engine) Dump() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return State{Tracked: len(e.downloads), ActiveIDs: e.deps.Pool.ActiveIDs()}
}

// NextWake returns the retry wake armed by the last successful pass, if any. While one is
// armed the process must stay up for the wake to fire.
func (e *Engine) NextWake() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.nextWake, !e.nextWake.IsZero()
}

func (e *Engine) createNewDownloadInfo(ctx context.Context, row storage.DownloadRecord) *download.Info {
	info := download.NewInfo(row)
	e.downloads[info.ID] = info

	logctx.LoggerFromContext(ctx).Debug("processing inserted download", "download_id", info.ID, "status", info.Status)

	return info
}

func (e *Engine) updateTotalBytes(ctx context.Context, info *download.Info) {
	if !info.NeedsSizeProbe() {
		return
	}

	size := e.deps.Prober.FetchContentLength(ctx, info.Snapshot())
	info.SetProbedSize(size)

	if size < 0 {
		return
	}

	if err := e.deps.Store.UpdateDownload(ctx, info.ID, storage.DownloadUpdate{TotalBytes: storage.Ptr(size)}); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist total bytes", "download_id", info.ID, "err", err)
	}
}

func (e *Engine) kickOffDownloadTaskIfReady(ctx context.Context, p *pass, info *download.Info) {
	if info.Status == storage.StatusPaused && p.active[info.ID] {
		// The row was paused under a running task; the task leaves the row as it is.
		e.deps.Pool.Cancel(info.ID)
	}

	collated := download.Collate(p.siblings, info, p.active, e.opts.SequentialBatches)
	clientReady := e.deps.ClientReady.IsAllowedToDownload(info.Snapshot())
	ready := info.IsReadyToDownload(collated, p.now, clientReady)
	runningUntracked := info.Status == storage.StatusRunning && !p.active[info.ID]

	if (ready || runningUntracked) && !p.active[info.ID] {
		accepted := e.deps.Pool.Dispatch(info.ID, e.deps.Downloader.Task(info.Snapshot()))
		e.deps.Telemetry.RecordDispatch(ctx, accepted)

		if accepted {
			p.active[info.ID] = true

			logctx.LoggerFromContext(ctx).Info("dispatched download", "download_id", info.ID, "uri", info.URI)
		} else {
			logctx.LoggerFromContext(ctx).Debug("task pool saturated, download waits", "download_id", info.ID)
		}
	}

	if p.active[info.ID] {
		p.isActive = true
	}
}

func (e *Engine) kickOffMediaScanIfCompleted(ctx context.Context, p *pass, info *download.Info) {
	scanning := e.deps.Scanner.IsScanning(info.ID)
	if !scanning && info.ShouldScanFile() {
		scanning = e.deps.Scanner.RequestScan(ctx, info.Snapshot())
	}

	if scanning {
		p.isActive = true
	}
}

// deleteFileAndMediaReference drops the payload of a failed download but keeps its row.
func (e *Engine) deleteFileAndMediaReference(ctx context.Context, info *download.Info) {
	e.deps.Pool.Cancel(info.ID)

	update := e.dropPayload(ctx, info)
	if update.IsEmpty() {
		return
	}

	if err := e.deps.Store.UpdateDownload(ctx, info.ID, update); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logctx.LoggerFromContext(ctx).Error("failed to clear file name", "download_id", info.ID, "err", err)
	}
}

func (e *Engine) deleteFileAndDatabaseRow(ctx context.Context, info *download.Info) {
	e.deps.Pool.Cancel(info.ID)
	e.dropPayload(ctx, info)

	if err := e.deps.Store.DeleteDownload(ctx, info.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logctx.LoggerFromContext(ctx).Error("failed to delete download row", "download_id", info.ID, "err", err)
	}

	delete(e.downloads, info.ID)

	logctx.LoggerFromContext(ctx).Info("deleted download", "download_id", info.ID)
}

// dropPayload deletes the media reference and the file of info, clears both in memory and
// returns the store update that mirrors it.
func (e *Engine) dropPayload(ctx context.Context, info *download.Info) storage.DownloadUpdate {
	var update storage.DownloadUpdate

	if info.MediaProviderURI != "" {
		e.deps.Scanner.Forget(ctx, info.MediaProviderURI)
		info.MediaProviderURI = ""
		update.MediaProviderURI = storage.Ptr("")
	}

	if info.FileName != "" {
		if err := e.deps.Remover.DeleteFileIfExists(ctx, info.FileName); err != nil {
			logctx.LoggerFromContext(ctx).Warn("file couldn't be deleted", "download_id", info.ID, "file", info.FileName, "err", err)
		}

		info.FileName = ""
		update.FileName = storage.Ptr("")
	}

	return update
}

// cleanUpStaleDownloads forgets downloads whose rows vanished from the store.
func (e *Engine) cleanUpStaleDownloads(ctx context.Context, stale map[int64]struct{}) {
	logger := logctx.LoggerFromContext(ctx)

	for id := range stale {
		info := e.downloads[id]

		if info.Status == storage.StatusRunning {
			info.Status = storage.StatusCanceled
		}

		e.deps.Pool.Cancel(id)

		if info.Destination != storage.DestinationExternal && info.FileName != "" {
			if err := e.deps.Remover.DeleteFileIfExists(ctx, info.FileName); err != nil {
				logger.Warn("file couldn't be deleted", "download_id", id, "file", info.FileName, "err", err)
			}
		}

		delete(e.downloads, id)
		e.deps.Telemetry.RecordStaleEviction(ctx)

		logger.Info("evicted stale download", "download_id", id)
	}
}

func (e *Engine) render(ctx context.Context, infos []*download.Info) {
	rows, err := e.deps.Store.QueryBatches(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to query batches, skipping render", "err", err)

		return
	}

	e.deps.Renderer.UpdateWith(ctx, batch.Group(rows, infos))
}
