// Package probe resolves the size of a download before it starts.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/telemetry"
)

// Unknown is returned when the size cannot be determined.
const Unknown int64 = -1

// ContentLengthFetcher asks the source for the size of a download.
type ContentLengthFetcher struct {
	client    *http.Client
	telemetry *telemetry.Telemetry
}

// NewContentLengthFetcher returns a fetcher whose requests time out after timeout.
func NewContentLengthFetcher(timeout time.Duration, tel *telemetry.Telemetry) *ContentLengthFetcher {
	return &ContentLengthFetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		telemetry: tel,
	}
}

// FetchContentLength issues a HEAD request for rec.URI and returns the advertised length,
// or Unknown when the source does not say or the request fails.
func (f *ContentLengthFetcher) FetchContentLength(ctx context.Context, rec storage.DownloadRecord) int64 {
	logger := logctx.LoggerFromContext(ctx).With("download_id", rec.ID)

	size := Unknown

	err := f.telemetry.InstrumentClientOperation(ctx, "probe", "head", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, rec.URI, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		if resp.ContentLength >= 0 {
			size = resp.ContentLength
		}

		return nil
	})
	if err != nil {
		logger.Warn("failed to probe content length", "err", err)

		return Unknown
	}

	return size
}
