package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// CollectorOptions は Collector の依存関係と設定です。
type CollectorOptions struct {
	Registry *Registry
	// Retention を過ぎた終了ジョブは定期掃除で回収されます。
	Retention time.Duration
	// Interval は定期掃除の間隔です。
	Interval time.Duration
	// DownloadGrace はダウンロード後に回収するまでの猶予です。0 なら即時です。
	DownloadGrace time.Duration
	Metrics       Recorder
	Logger        *slog.Logger
	Now           func() time.Time
}

// Collector は終了したジョブのファイルとレコードを回収します。
type Collector struct {
	registry  *Registry
	retention time.Duration
	interval  time.Duration
	grace     time.Duration
	metrics   Recorder
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

// NewCollector は Collector を生成します。
func NewCollector(opts CollectorOptions) (*Collector, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is nil")
	}
	if opts.Retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.DownloadGrace < 0 {
		opts.DownloadGrace = 0
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Collector{
		registry:  opts.Registry,
		retention: opts.Retention,
		interval:  opts.Interval,
		grace:     opts.DownloadGrace,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With(slog.String("component", "collector")),
		now:       opts.Now,
		pending:   make(map[string]*time.Timer),
	}, nil
}

// Reclaim はジョブの入力・出力・作業ディレクトリを削除し、レコードを破棄します。
// 存在しないIDは ErrNotFound（副作用なし）、待機中・実行中のジョブは ErrJobActive を返します。
func (c *Collector) Reclaim(ctx context.Context, id string) error {
	return c.reclaim(ctx, id, "explicit")
}

func (c *Collector) reclaim(ctx context.Context, id, reason string) error {
	job, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobActive, id, job.Status)
	}

	for _, path := range []string{job.InputPath, job.OutputPath, job.WorkDir} {
		if path == "" {
			continue
		}
		if err := os.RemoveAll(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.WarnContext(ctx, "failed to remove job file",
				slog.String("job_id", id),
				slog.String("path", path),
				slog.Any("error", err),
			)
		}
	}

	if err := c.registry.Delete(id); err != nil {
		return err
	}
	c.cancelPending(id)
	c.metrics.JobReclaimed(reason)
	c.logger.InfoContext(ctx, "job reclaimed", slog.String("job_id", id), slog.String("reason", reason))
	return nil
}

// MarkConsumed はダウンロード済みのジョブを猶予後に回収するよう予約します。
// 同じジョブの予約が既にある場合は何もしません。
func (c *Collector) MarkConsumed(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if _, ok := c.pending[id]; ok {
		return
	}
	c.pending[id] = time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()

		if err := c.reclaim(context.Background(), id, "downloaded"); err != nil && !errors.Is(err, ErrNotFound) {
			c.logger.Warn("failed to reclaim downloaded job", slog.String("job_id", id), slog.Any("error", err))
		}
	})
}

// Sweep は保持期間を過ぎた終了ジョブを回収し、回収件数を返します。
func (c *Collector) Sweep(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.retention)
	reclaimed := 0
	for _, job := range c.registry.List(StatusCompleted, StatusFailed) {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		if job.FinishedAt == nil || job.FinishedAt.After(cutoff) {
			continue
		}
		if err := c.reclaim(ctx, job.ID, "expired"); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Run は定期掃除ループを ctx が終了するまで実行します。
// ctx がキャンセルされた場合は nil を返します。
func (c *Collector) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "starting collector",
		slog.Duration("interval", c.interval),
		slog.Duration("retention", c.retention),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "collector stopping", slog.Any("reason", ctx.Err()))
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Collector) sweep(ctx context.Context) {
	start := time.Now()
	n, err := c.Sweep(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.WarnContext(ctx, "sweep failed", slog.Any("error", err))
	}
	if n > 0 {
		c.logger.InfoContext(ctx, "sweep completed", slog.Int("reclaimed", n), slog.Duration("elapsed", time.Since(start)))
	}
}

// ReclaimAll は終了済みのジョブをすべて回収し、予約中のタイマーを止めます。停止時に使います。
func (c *Collector) ReclaimAll(ctx context.Context) int {
	c.Stop()

	reclaimed := 0
	for _, job := range c.registry.List(StatusCompleted, StatusFailed) {
		if err := c.reclaim(ctx, job.ID, "shutdown"); err == nil {
			reclaimed++
		}
	}
	return reclaimed
}

// Stop は予約中の回収タイマーをすべて止めます。
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	for id, timer := range c.pending {
		timer.Stop()
		delete(c.pending, id)
	}
}

// Pending は回収待ちのジョブ数を返します。
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Collector) cancelPending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.pending[id]; ok {
		timer.Stop()
		delete(c.pending, id)
	}
}
