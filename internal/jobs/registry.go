package jobs

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry はジョブレコードを保持するインメモリストアです。
// すべての変更は単一のロック下で検証してから反映するため、途中状態が読まれることはありません。
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	now      func() time.Time
	observer func(Job)
}

// RegistryOption は Registry の挙動を変更します。
type RegistryOption func(*Registry)

// WithClock は時刻の取得方法を差し替えます（テスト用）。
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithObserver は変更が確定するたびにスナップショットを受け取る関数を登録します。
// 書き込みロックを保持したまま呼ばれるため、ブロックしてはいけません。
func WithObserver(fn func(Job)) RegistryOption {
	return func(r *Registry) {
		r.observer = fn
	}
}

// NewRegistry は空の Registry を生成します。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create は queued 状態のジョブを登録し、IDを返します。
// ID が空の場合は UUID を採番します。
func (r *Registry) Create(job Job) (string, error) {
	next := job.clone()
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	if next.Status == "" {
		next.Status = StatusQueued
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = r.now()
	}
	next.Version = 1

	if err := validate(nil, next); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[next.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrJobExists, next.ID)
	}
	r.commit(next)
	return next.ID, nil
}

// Get はジョブのコピーを返します。
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *job.clone(), nil
}

// Update は状態を変えない範囲でレコードを書き換えます。
// mutate はコピーに対して呼ばれ、エラーまたは検証失敗時は何も反映されません。
func (r *Registry) Update(id string, mutate func(*Job) error) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if current.Status.Terminal() {
		return Job{}, fmt.Errorf("%w: %s", ErrJobTerminal, id)
	}

	next := current.clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return Job{}, err
		}
	}
	if next.Status != current.Status {
		return Job{}, fmt.Errorf("%w: status changes must use Transition", ErrInvalidJob)
	}
	if err := validate(current, next); err != nil {
		return Job{}, err
	}
	next.Version = current.Version + 1
	r.commit(next)
	return *next.clone(), nil
}

// Transition は現在の状態が from の場合に限り to へ遷移させます。
// 開始・終了時刻はここで設定され、mutate は追加のフィールド更新に使います。
func (r *Registry) Transition(id string, from, to Status, mutate func(*Job)) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if current.Status != from {
		return Job{}, fmt.Errorf("%w: job %s is %s, expected %s", ErrStaleTransition, id, current.Status, from)
	}
	if !CanTransition(from, to) {
		return Job{}, fmt.Errorf("%w: %s -> %s is not allowed", ErrInvalidJob, from, to)
	}

	now := r.now()
	if now.Before(current.CreatedAt) {
		now = current.CreatedAt
	}

	next := current.clone()
	next.Status = to
	if from == StatusQueued && next.StartedAt == nil {
		started := now
		next.StartedAt = &started
	}
	if to.Terminal() {
		finished := now
		if next.StartedAt != nil && finished.Before(*next.StartedAt) {
			finished = *next.StartedAt
		}
		next.FinishedAt = &finished
	}
	if mutate != nil {
		mutate(next)
	}
	if err := validate(current, next); err != nil {
		return Job{}, err
	}
	next.Version = current.Version + 1
	r.commit(next)
	return *next.clone(), nil
}

// Delete はレコードを削除します。
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.jobs, id)
	return nil
}

// List は指定した状態のジョブを作成順に返します。状態を指定しない場合は全件です。
func (r *Registry) List(statuses ...Status) []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if len(statuses) > 0 && !slices.Contains(statuses, job.Status) {
			continue
		}
		out = append(out, *job.clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Counts は状態ごとの件数を返します。すべての状態がキーとして含まれます。
func (r *Registry) Counts() map[Status]int {
	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts
}

// commit は呼び出し元が書き込みロックを保持している前提です。
func (r *Registry) commit(job *Job) {
	r.jobs[job.ID] = job
	if r.observer != nil {
		r.observer(*job.clone())
	}
}
