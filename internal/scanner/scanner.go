// Package scanner announces completed downloads to the media indexer.
package scanner

import (
	"context"
	"sync"

	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/telemetry"
)

// Indexer is the media indexing service.
type Indexer interface {
	RequestScan(ctx context.Context, path string) (mediaURI string, err error)
	Forget(ctx context.Context, mediaURI string) error
}

// Scanner runs at most one scan per download at a time and records the outcome in the store.
type Scanner struct {
	ctx       context.Context
	indexer   Indexer
	store     storage.DownloadWriteRepository
	telemetry *telemetry.Telemetry
	onDone    func(id int64)

	mu      sync.Mutex
	pending map[int64]struct{}
	wg      sync.WaitGroup
}

// New creates a scanner. A nil indexer marks files scanned without contacting anyone.
// Scans run on ctx so they outlive the pass that requested them. onDone is called once a
// scan has left the pending set; it may be nil.
func New(
	ctx context.Context,
	indexer Indexer,
	store storage.DownloadWriteRepository,
	tel *telemetry.Telemetry,
	onDone func(id int64),
) *Scanner {
	if onDone == nil {
		onDone = func(int64) {}
	}

	return &Scanner{
		ctx:       ctx,
		indexer:   indexer,
		store:     store,
		telemetry: tel,
		onDone:    onDone,
		pending:   make(map[int64]struct{}),
	}
}

// RequestScan starts a scan of rec unless one is already outstanding. It reports whether a
// scan is outstanding for rec after the call.
func (s *Scanner) RequestScan(ctx context.Context, rec storage.DownloadRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[rec.ID]; ok {
		return true
	}

	s.pending[rec.ID] = struct{}{}
	s.wg.Add(1)

	logger := logctx.LoggerFromContext(ctx).With("download_id", rec.ID)
	logger.Debug("requesting media scan", "file", rec.FileName)

	go s.scan(logctx.WithLogger(s.ctx, logger), rec)

	return true
}

// IsScanning reports whether a scan for id is outstanding.
func (s *Scanner) IsScanning(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.pending[id]

	return ok
}

// Pending returns the number of outstanding scans.
func (s *Scanner) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}

// Forget deletes a media reference. Failures are logged.
func (s *Scanner) Forget(ctx context.Context, mediaURI string) {
	if s.indexer == nil || mediaURI == "" {
		return
	}

	err := s.telemetry.InstrumentClientOperation(ctx, "arr", "forget", func(ctx context.Context) error {
		return s.indexer.Forget(ctx, mediaURI)
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to delete media reference", "media_uri", mediaURI, "err", err)
	}
}

// Wait blocks until every outstanding scan has finished.
func (s *Scanner) Wait() {
	s.wg.Wait()
}

func (s *Scanner) scan(ctx context.Context, rec storage.DownloadRecord) {
	defer s.wg.Done()

	logger := logctx.LoggerFromContext(ctx)

	var mediaURI string

	if s.indexer != nil {
		err := s.telemetry.InstrumentClientOperation(ctx, "arr", "scan", func(ctx context.Context) error {
			var err error
			mediaURI, err = s.indexer.RequestScan(ctx, rec.FileName)

			return err
		})
		if err != nil {
			// The file stays on disk; marking it scanned stops the engine from retrying forever.
			logger.Warn("media scan failed", "file", rec.FileName, "err", err)
		}
	}

	update := storage.DownloadUpdate{MediaScanned: storage.Ptr(true)}
	if mediaURI != "" {
		update.MediaProviderURI = storage.Ptr(mediaURI)
	}

	// The store write happens before the id leaves the pending set, so the next pass never
	// sees an unscanned row without an outstanding scan.
	if err := s.store.UpdateDownload(ctx, rec.ID, update); err != nil {
		logger.Error("failed to record media scan", "err", err)
	} else {
		logger.Info("media scan completed", "media_uri", mediaURI)
	}

	s.mu.Lock()
	delete(s.pending, rec.ID)
	s.mu.Unlock()

	s.onDone(rec.ID)
}
