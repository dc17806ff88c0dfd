// Package jobs は変換ジョブの受付・実行・状態管理・後片付けを提供します。
//
// Registry がジョブレコードを一元管理し、Pool が同時実行数を制限して順番に実行し、
// Manager が状態遷移とエンジンのフォールバックを制御し、Collector が成果物を回収します。
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Task はワーカープールで実行する1件の処理です。
type Task struct {
	JobID string
	// Run はワーカー上で1回だけ呼ばれます。
	Run func(ctx context.Context)
	// Drop は実行前にプールが停止した場合に呼ばれます。
	Drop func(err error)
}

// Pool は固定数のスロットと FIFO の待機キューを持つワーカープールです。
// Submit はブロックせず、スロットも待機枠も空いていなければ ErrQueueFull を返します。
type Pool struct {
	workers  int
	queueCap int
	logger   *slog.Logger
	onChange func(running, waiting int)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running int
	waiting []Task
	closed  bool
	wg      sync.WaitGroup
}

// PoolOption は Pool を設定します。
type PoolOption func(*Pool)

// WithPoolLogger はログ出力先を設定します。
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPoolObserver は実行数・待機数が変化するたびに呼ばれる関数を設定します。
// プールのロック中に呼ばれるため、メトリクス更新程度の軽い処理に限ります。
func WithPoolObserver(fn func(running, waiting int)) PoolOption {
	return func(p *Pool) { p.onChange = fn }
}

// NewPool は workers 個のスロットと queueCap 件の待機枠を持つプールを生成します。
func NewPool(workers, queueCap int, opts ...PoolOption) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueCap < 0 {
		queueCap = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers:  workers,
		queueCap: queueCap,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit はタスクを投入します。空きスロットがあれば即座に実行を開始し、
// なければ待機キューの末尾に追加します。
func (p *Pool) Submit(task Task) error {
	if task.Run == nil {
		return fmt.Errorf("task %s has no run function", task.JobID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return ErrPoolShutdown
	case p.running < p.workers:
		p.running++
		p.wg.Add(1)
		go p.work(task)
	case len(p.waiting) < p.queueCap:
		p.waiting = append(p.waiting, task)
	default:
		return ErrQueueFull
	}
	p.changed()
	return nil
}

// work はスロットを保持したまま、待機キューが空になるまでタスクを順に実行します。
func (p *Pool) work(task Task) {
	defer p.wg.Done()

	for {
		p.execute(task)

		p.mu.Lock()
		if p.closed || len(p.waiting) == 0 {
			p.running--
			p.changed()
			p.mu.Unlock()
			return
		}
		task = p.waiting[0]
		p.waiting[0] = Task{}
		p.waiting = p.waiting[1:]
		p.changed()
		p.mu.Unlock()
	}
}

func (p *Pool) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				slog.String("job_id", task.JobID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	task.Run(p.ctx)
}

// Shutdown は新規投入を止め、待機中のタスクを ErrPoolShutdown で破棄し、
// 実行中のタスクの終了を待ちます。ctx が先に終了した場合は実行中タスクをキャンセルします。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	dropped := p.waiting
	p.waiting = nil
	p.changed()
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.Int("dropped", len(dropped)))
	for _, task := range dropped {
		if task.Drop != nil {
			task.Drop(ErrPoolShutdown)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling running tasks")
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Running は実行中のタスク数を返します。
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Waiting は待機キューのタスク数を返します。
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}

// Capacity は同時実行スロット数です。
func (p *Pool) Capacity() int { return p.workers }

// QueueCapacity は待機キューの上限です。
func (p *Pool) QueueCapacity() int { return p.queueCap }

func (p *Pool) changed() {
	if p.onChange != nil {
		p.onChange(p.running, len(p.waiting))
	}
}
