package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/yourusername/convert-forge/internal/engine"
)

const (
	defaultAttemptTimeout = 60 * time.Second
	defaultWatchdogGrace  = 5 * time.Second

	msgNoEngines     = "no conversion engines available"
	msgTimedOut      = "conversion timed out"
	msgInternalError = "internal error"
	msgShuttingDown  = "service shutting down"
)

// OutputVerifier は生成されたファイルを検査し、ページ数を返します。
type OutputVerifier interface {
	Verify(path string) (int, error)
}

// Notifier は状態遷移ごとにジョブのスナップショットを受け取ります。
// 実装は自前のタイムアウトを持ち、ワーカーを長時間ブロックしてはいけません。
type Notifier interface {
	Notify(ctx context.Context, job Job)
}

// Recorder はジョブ処理のメトリクスを記録します。
type Recorder interface {
	JobSubmitted(result string)
	AttemptFinished(engine, result string, elapsed time.Duration)
	JobFinished(status, engine string, elapsed time.Duration)
	JobReclaimed(reason string)
}

type nopRecorder struct{}

func (nopRecorder) JobSubmitted(string) {}

func (nopRecorder) AttemptFinished(string, string, time.Duration) {}

func (nopRecorder) JobFinished(string, string, time.Duration) {}

func (nopRecorder) JobReclaimed(string) {}

// Options は Manager の依存関係です。
type Options struct {
	Registry *Registry
	Pool     *Pool
	// Engines は優先順に並べた変換エンジンです（先頭がプライマリ）。
	Engines []engine.Engine
	// Timeouts は Engines と同じ順に並べた試行ごとのタイムアウトです。
	// 不足分は最後の値を使います。
	Timeouts      []time.Duration
	WatchdogGrace time.Duration
	Verifier      OutputVerifier
	Notifier      Notifier
	Metrics       Recorder
	Logger        *slog.Logger
}

// SubmitRequest は新しい変換ジョブの入力です。
type SubmitRequest struct {
	ID          string
	Filename    string
	Reference   string
	CallbackURL string
	InputPath   string
	OutputDir   string
	WorkDir     string
}

// EngineInfo はエンジンの利用可否です。
type EngineInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// Stats はキューとワーカーの状況です。
type Stats struct {
	Counts        map[Status]int
	Running       int
	Waiting       int
	Workers       int
	QueueCapacity int
	Engines       []EngineInfo
}

// Manager はジョブの投入と状態遷移、エンジンのフォールバックを制御します。
type Manager struct {
	registry *Registry
	pool     *Pool
	engines  []engine.Engine
	timeouts []time.Duration
	grace    time.Duration
	verifier OutputVerifier
	notifier Notifier
	metrics  Recorder
	logger   *slog.Logger
}

// NewManager は Manager を初期化します。
func NewManager(opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is nil")
	}
	if opts.Pool == nil {
		return nil, errors.New("pool is nil")
	}
	if len(opts.Engines) == 0 {
		return nil, errors.New("at least one engine is required")
	}

	timeouts := make([]time.Duration, len(opts.Engines))
	for i := range timeouts {
		switch {
		case i < len(opts.Timeouts) && opts.Timeouts[i] > 0:
			timeouts[i] = opts.Timeouts[i]
		case i > 0:
			timeouts[i] = timeouts[i-1]
		default:
			timeouts[i] = defaultAttemptTimeout
		}
	}

	grace := opts.WatchdogGrace
	if grace <= 0 {
		grace = defaultWatchdogGrace
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		registry: opts.Registry,
		pool:     opts.Pool,
		engines:  opts.Engines,
		timeouts: timeouts,
		grace:    grace,
		verifier: opts.Verifier,
		notifier: opts.Notifier,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "jobs")),
	}, nil
}

// Submit はジョブを登録してワーカープールに投入します。
// 待機キューが満杯の場合はレコードを取り消し、ErrQueueFull を包んだ ErrAdmissionRejected を返します。
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (Job, error) {
	if req.InputPath == "" {
		return Job{}, errors.New("input path is required")
	}

	id, err := m.registry.Create(Job{
		ID:          req.ID,
		Filename:    req.Filename,
		Reference:   req.Reference,
		CallbackURL: req.CallbackURL,
		InputPath:   req.InputPath,
		OutputDir:   req.OutputDir,
		WorkDir:     req.WorkDir,
	})
	if err != nil {
		return Job{}, err
	}
	job, err := m.registry.Get(id)
	if err != nil {
		return Job{}, err
	}

	err = m.pool.Submit(Task{
		JobID: id,
		Run:   func(ctx context.Context) { m.process(ctx, id) },
		Drop:  func(err error) { m.abort(id, err) },
	})
	if err != nil {
		_ = m.registry.Delete(id)
		m.metrics.JobSubmitted("rejected")
		m.logger.WarnContext(ctx, "job rejected", slog.String("job_id", id), slog.Any("error", err))
		if errors.Is(err, ErrQueueFull) {
			return Job{}, fmt.Errorf("%w: %w", ErrAdmissionRejected, err)
		}
		return Job{}, err
	}

	m.metrics.JobSubmitted("accepted")
	m.logger.InfoContext(ctx, "job queued",
		slog.String("job_id", id),
		slog.String("filename", req.Filename),
		slog.String("reference", req.Reference),
	)
	m.publish(ctx, job)
	return job, nil
}

// Get はジョブのスナップショットを返します。
func (m *Manager) Get(id string) (Job, error) {
	return m.registry.Get(id)
}

// Stats は現在の状態別件数とプールの状況を返します。
func (m *Manager) Stats() Stats {
	return Stats{
		Counts:        m.registry.Counts(),
		Running:       m.pool.Running(),
		Waiting:       m.pool.Waiting(),
		Workers:       m.pool.Capacity(),
		QueueCapacity: m.pool.QueueCapacity(),
		Engines:       m.Engines(),
	}
}

// Engines は設定済みエンジンとその利用可否を優先順に返します。
func (m *Manager) Engines() []EngineInfo {
	out := make([]EngineInfo, 0, len(m.engines))
	for _, eng := range m.engines {
		out = append(out, EngineInfo{Name: eng.Name(), Available: eng.Available()})
	}
	return out
}

// Shutdown は新規受付を止め、待機中ジョブを失敗させ、実行中ジョブの終了を待ちます。
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.pool.Shutdown(ctx)
}

func (m *Manager) process(ctx context.Context, id string) {
	started := time.Now()
	logger := m.logger.With(slog.String("job_id", id))

	job, err := m.registry.Transition(id, StatusQueued, StatusProcessing, nil)
	if err != nil {
		logger.Warn("job could not start", slog.Any("error", err))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("conversion panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			m.fail(ctx, id, msgInternalError, nil, started)
		}
	}()
	m.publish(ctx, job)

	slots := m.availableEngines()
	if len(slots) == 0 {
		m.fail(ctx, id, msgNoEngines, nil, started)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchdog := time.AfterFunc(m.deadline(slots), func() {
		if m.fail(ctx, id, msgTimedOut, nil, started) {
			cancel()
		}
	})
	defer watchdog.Stop()

	outDir := job.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(job.InputPath)
	}

	attempts := make([]Attempt, 0, len(slots))
	diagnostics := make([]string, 0, len(slots))
	for _, i := range slots {
		if jobCtx.Err() != nil {
			break
		}
		eng := m.engines[i]
		name := eng.Name()
		if _, err := m.registry.Update(id, func(j *Job) error {
			j.CurrentEngine = name
			return nil
		}); err != nil {
			logger.Info("job left processing before attempt", slog.String("engine", name), slog.Any("error", err))
			return
		}

		begin := time.Now()
		output, err := eng.Convert(jobCtx, job.InputPath, outDir, m.timeouts[i])
		if err == nil && output == "" {
			err = &engine.EngineError{Engine: name, Reason: "engine reported no output"}
		}
		pages := 0
		if err == nil {
			pages, err = m.verify(name, output)
		}
		elapsed := time.Since(begin)

		attempt := Attempt{Engine: name, DurationMS: elapsed.Milliseconds()}
		if err == nil {
			m.metrics.AttemptFinished(name, "success", elapsed)
			attempts = append(attempts, attempt)
			m.complete(ctx, id, name, output, pages, attempts, started)
			return
		}

		result := "failure"
		var engErr *engine.EngineError
		if errors.As(err, &engErr) && engErr.TimedOut {
			attempt.TimedOut = true
			result = "timeout"
		}
		attempt.Error = err.Error()
		attempts = append(attempts, attempt)
		diagnostics = append(diagnostics, fmt.Sprintf("%s: %s", attemptRole(i), err))
		m.metrics.AttemptFinished(name, result, elapsed)
		logger.Warn("conversion attempt failed",
			slog.String("engine", name),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err),
		)
	}

	msg := "all conversion engines failed"
	if len(diagnostics) > 0 {
		msg += ": " + strings.Join(diagnostics, "; ")
	}
	m.fail(ctx, id, msg, attempts, started)
}

// verify は出力を検査し、不正な出力は削除してエンジンの失敗として扱います。
func (m *Manager) verify(engineName, output string) (int, error) {
	if m.verifier == nil {
		return 0, nil
	}
	pages, err := m.verifier.Verify(output)
	if err != nil {
		_ = os.Remove(output)
		return 0, &engine.EngineError{
			Engine: engineName,
			Reason: "invalid output: " + err.Error(),
			Err:    err,
		}
	}
	return pages, nil
}

func (m *Manager) complete(ctx context.Context, id, engineName, output string, pages int, attempts []Attempt, started time.Time) {
	var size int64
	if info, err := os.Stat(output); err == nil {
		size = info.Size()
	}

	job, err := m.registry.Transition(id, StatusProcessing, StatusCompleted, func(j *Job) {
		j.EngineUsed = engineName
		j.CurrentEngine = ""
		j.OutputPath = output
		j.OutputSize = size
		j.Pages = pages
		j.Attempts = append([]Attempt(nil), attempts...)
	})
	if err != nil {
		// この出力はどのレコードからも参照されない。
		_ = os.Remove(output)
		if errors.Is(err, ErrStaleTransition) || errors.Is(err, ErrNotFound) {
			m.logger.Info("discarding output of superseded conversion",
				slog.String("job_id", id),
				slog.String("engine", engineName),
				slog.Any("error", err),
			)
			return
		}
		m.logger.Error("failed to mark job completed",
			slog.String("job_id", id),
			slog.String("engine", engineName),
			slog.Any("error", err),
		)
		m.fail(ctx, id, msgInternalError, attempts, started)
		return
	}

	elapsed := time.Since(started)
	m.metrics.JobFinished(string(StatusCompleted), engineName, elapsed)
	m.logger.Info("conversion completed",
		slog.String("job_id", id),
		slog.String("engine", engineName),
		slog.Int("pages", pages),
		slog.Int64("bytes", size),
		slog.Duration("elapsed", elapsed),
	)
	m.publish(ctx, job)
}

// fail は processing のジョブを failed にします。既に終了していた場合は false を返します。
func (m *Manager) fail(ctx context.Context, id, msg string, attempts []Attempt, started time.Time) bool {
	job, err := m.registry.Transition(id, StatusProcessing, StatusFailed, func(j *Job) {
		j.Error = msg
		j.CurrentEngine = ""
		if attempts != nil {
			j.Attempts = append([]Attempt(nil), attempts...)
		}
	})
	if err != nil {
		if !errors.Is(err, ErrStaleTransition) && !errors.Is(err, ErrNotFound) {
			m.logger.Error("failed to mark job failed", slog.String("job_id", id), slog.Any("error", err))
		}
		return false
	}

	m.metrics.JobFinished(string(StatusFailed), "", time.Since(started))
	m.logger.Warn("conversion failed", slog.String("job_id", id), slog.String("error", msg))
	m.publish(ctx, job)
	return true
}

// abort は実行前に破棄されたジョブを processing を経由して failed にします。
func (m *Manager) abort(id string, cause error) {
	ctx := context.Background()
	job, err := m.registry.Transition(id, StatusQueued, StatusProcessing, nil)
	if err != nil {
		m.logger.Warn("dropped job could not be aborted", slog.String("job_id", id), slog.Any("error", err))
		return
	}
	m.publish(ctx, job)
	m.fail(ctx, id, fmt.Sprintf("%s: %v", msgShuttingDown, cause), nil, time.Now())
}

func (m *Manager) publish(ctx context.Context, job Job) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(context.WithoutCancel(ctx), job)
}

// availableEngines は利用可能なエンジンの添字を優先順に返します。
func (m *Manager) availableEngines() []int {
	out := make([]int, 0, len(m.engines))
	for i, eng := range m.engines {
		if eng.Available() {
			out = append(out, i)
		}
	}
	return out
}

// deadline はジョブ全体の上限時間です。試行するエンジンのタイムアウト合計に猶予を加えます。
func (m *Manager) deadline(slots []int) time.Duration {
	total := m.grace
	for _, i := range slots {
		total += m.timeouts[i]
	}
	return total
}

func attemptRole(i int) string {
	if i == 0 {
		return "primary"
	}
	return "fallback"
}
