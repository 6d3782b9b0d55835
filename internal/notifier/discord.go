package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/download_manager/internal/batch"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/telemetry"
)

const (
	outboxSize   = 64
	flushTimeout = 5 * time.Second
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// DiscordRenderer posts a message when a batch changes status in a way its visibility
// asks to be told about. Messages are sent from a background goroutine.
type DiscordRenderer struct {
	notifier  Notifier
	telemetry *telemetry.Telemetry

	mu     sync.Mutex
	state  transitions
	outbox chan string
	done   chan struct{}
}

// NewDiscordRenderer starts the sender goroutine; it exits when ctx is cancelled.
func NewDiscordRenderer(ctx context.Context, n Notifier, tel *telemetry.Telemetry) *DiscordRenderer {
	r := &DiscordRenderer{
		notifier:  n,
		telemetry: tel,
		state:     newTransitions(),
		outbox:    make(chan string, outboxSize),
		done:      make(chan struct{}),
	}

	go r.send(ctx)

	return r
}

func (r *DiscordRenderer) UpdateWith(ctx context.Context, batches []batch.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	for _, b := range batches {
		if _, ok := r.state.changed(b); !ok || !shouldNotify(b) {
			continue
		}

		select {
		case r.outbox <- message(b):
		default:
			logger.Warn("discord outbox full, dropping notification", "batch_id", b.ID)
		}
	}

	r.state.forget(batches)
}

// Done is closed once the sender goroutine has exited.
func (r *DiscordRenderer) Done() <-chan struct{} {
	return r.done
}

func (r *DiscordRenderer) send(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx))

			return
		case content := <-r.outbox:
			r.deliver(ctx, content)
		}
	}
}

// drain sends what is left in the outbox, giving up after flushTimeout.
func (r *DiscordRenderer) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	for ctx.Err() == nil {
		select {
		case content := <-r.outbox:
			r.deliver(ctx, content)
		default:
			return
		}
	}
}

func (r *DiscordRenderer) deliver(ctx context.Context, content string) {
	err := r.telemetry.InstrumentClientOperation(ctx, "discord", "notify", func(ctx context.Context) error {
		return r.notifier.Notify(ctx, content)
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send notification", "err", err)
	}
}

func shouldNotify(b batch.Batch) bool {
	switch b.Info.Visibility {
	case storage.VisibilityHidden:
		return false
	case storage.VisibilityVisible:
		return b.Status == storage.StatusRunning || b.Status.IsFailed()
	case storage.VisibilityVisibleNotifyOnlyCompletion:
		return b.Status.IsFinished()
	default:
		return b.Status == storage.StatusRunning || b.Status.IsFinished()
	}
}

func message(b batch.Batch) string {
	switch b.Status {
	case storage.StatusCompleted:
		return fmt.Sprintf("Download completed: %s (%d files, %s)",
			b.Info.Title, len(b.Downloads), humanize.Bytes(uint64(b.CurrentBytes())))
	case storage.StatusError:
		return fmt.Sprintf("Download failed: %s", b.Info.Title)
	case storage.StatusCanceled:
		return fmt.Sprintf("Download canceled: %s", b.Info.Title)
	case storage.StatusRunning:
		if total := b.TotalBytes(); total >= 0 {
			return fmt.Sprintf("Download started: %s (%s)", b.Info.Title, humanize.Bytes(uint64(total)))
		}

		return fmt.Sprintf("Download started: %s", b.Info.Title)
	default:
		return fmt.Sprintf("Download %s: %s", b.Status, b.Info.Title)
	}
}
