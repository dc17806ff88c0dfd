package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/yourusername/convert-forge/internal/jobs"
)

const defaultCallbackTimeout = 10 * time.Second

// WebhookOptions は Webhook の設定です。
type WebhookOptions struct {
	Client      *http.Client
	Timeout     time.Duration
	DownloadURL URLFunc
	Logger      *slog.Logger
}

// Webhook はジョブが終了状態になったとき、ジョブの CallbackURL に結果を POST します。
type Webhook struct {
	client      *http.Client
	timeout     time.Duration
	downloadURL URLFunc
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// NewWebhook は Webhook を生成します。
func NewWebhook(opts WebhookOptions) *Webhook {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCallbackTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Webhook{
		client:      opts.Client,
		timeout:     opts.Timeout,
		downloadURL: opts.DownloadURL,
		logger:      opts.Logger.With(slog.String("component", "notify.webhook")),
	}
}

// Notify は終了状態のジョブだけを非同期に送信します。
func (w *Webhook) Notify(ctx context.Context, job jobs.Job) {
	if job.CallbackURL == "" || !job.Status.Terminal() {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.deliver(ctx, job); err != nil {
			w.logger.Warn("callback delivery failed",
				slog.String("job_id", job.ID),
				slog.String("url", job.CallbackURL),
				slog.Any("error", err),
			)
			return
		}
		w.logger.Info("callback delivered", slog.String("job_id", job.ID), slog.String("status", string(job.Status)))
	}()
}

func (w *Webhook) deliver(ctx context.Context, job jobs.Job) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	body, err := json.Marshal(newEvent(job, w.downloadURL))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-Id", job.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Wait は送信中のコールバックがすべて終わるか ctx が終了するまで待ちます。
func (w *Webhook) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
