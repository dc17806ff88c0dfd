package jobs

import (
	"fmt"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AllStatuses は状態遷移の順に並べた全状態です。
var AllStatuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}

// Valid は既知の状態かどうかを返します。
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal は終了状態（completed / failed）かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition は from から to への遷移が許可されているかを返します。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Attempt は1回のエンジン呼び出しの記録です。
type Attempt struct {
	Engine     string `json:"engine"`
	Error      string `json:"error,omitempty"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

// Job は変換ジョブの現在状態を表します。
// レコードは Registry だけが保持し、外部には常にコピーが渡されます。
type Job struct {
	ID            string     `json:"jobId"`
	Filename      string     `json:"filename"`
	Reference     string     `json:"reference,omitempty"`
	Status        Status     `json:"status"`
	CurrentEngine string     `json:"currentEngine,omitempty"`
	EngineUsed    string     `json:"engineUsed,omitempty"`
	Attempts      []Attempt  `json:"attempts,omitempty"`
	Error         string     `json:"error,omitempty"`
	Pages         int        `json:"pages,omitempty"`
	OutputSize    int64      `json:"outputSize,omitempty"`
	Version       int        `json:"version"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`

	CallbackURL string `json:"-"`
	InputPath   string `json:"-"`
	OutputDir   string `json:"-"`
	OutputPath  string `json:"-"`
	WorkDir     string `json:"-"`
}

func (j *Job) clone() *Job {
	cp := *j
	if j.Attempts != nil {
		cp.Attempts = append([]Attempt(nil), j.Attempts...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// validate は prev から next への変更が不変条件を満たすか確認します。prev が nil の場合は新規作成です。
func validate(prev, next *Job) error {
	if next.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidJob)
	}
	if !next.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidJob, next.Status)
	}

	if prev == nil {
		if next.Status != StatusQueued {
			return fmt.Errorf("%w: new job must be queued", ErrInvalidJob)
		}
	} else {
		if next.ID != prev.ID || !next.CreatedAt.Equal(prev.CreatedAt) {
			return fmt.Errorf("%w: id and createdAt are immutable", ErrInvalidJob)
		}
		if next.Status != prev.Status && !CanTransition(prev.Status, next.Status) {
			return fmt.Errorf("%w: %s -> %s is not allowed", ErrInvalidJob, prev.Status, next.Status)
		}
		if prev.StartedAt != nil && (next.StartedAt == nil || !next.StartedAt.Equal(*prev.StartedAt)) {
			return fmt.Errorf("%w: startedAt is set once", ErrInvalidJob)
		}
	}

	if next.Status == StatusQueued {
		if next.StartedAt != nil {
			return fmt.Errorf("%w: queued job has startedAt", ErrInvalidJob)
		}
	} else {
		if next.StartedAt == nil || next.StartedAt.Before(next.CreatedAt) {
			return fmt.Errorf("%w: startedAt must be set when leaving queued", ErrInvalidJob)
		}
	}

	if next.Status.Terminal() {
		if next.FinishedAt == nil || next.FinishedAt.Before(*next.StartedAt) {
			return fmt.Errorf("%w: terminal job requires finishedAt", ErrInvalidJob)
		}
	} else if next.FinishedAt != nil {
		return fmt.Errorf("%w: finishedAt is only set on terminal states", ErrInvalidJob)
	}

	switch next.Status {
	case StatusCompleted:
		if next.OutputPath == "" || next.Error != "" {
			return fmt.Errorf("%w: completed job requires output and no error", ErrInvalidJob)
		}
	case StatusFailed:
		if next.Error == "" || next.OutputPath != "" {
			return fmt.Errorf("%w: failed job requires error and no output", ErrInvalidJob)
		}
	default:
		if next.Error != "" || next.OutputPath != "" {
			return fmt.Errorf("%w: active job cannot carry output or error", ErrInvalidJob)
		}
	}
	return nil
}
