// Package notify はジョブの状態遷移を外部へ配信します。
//
// 配信は補助的なもので、失敗してもジョブの状態には影響しません。
package notify

import (
	"context"

	"github.com/yourusername/convert-forge/internal/jobs"
)

// Event は配信されるジョブのスナップショットです。
type Event struct {
	jobs.Job
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// URLFunc はジョブIDからダウンロードURLを組み立てます。
type URLFunc func(jobID string) string

func newEvent(job jobs.Job, downloadURL URLFunc) Event {
	ev := Event{Job: job}
	if job.Status == jobs.StatusCompleted && downloadURL != nil {
		ev.DownloadURL = downloadURL(job.ID)
	}
	return ev
}

// Multi は複数の Notifier に順に配信します。
type Multi []jobs.Notifier

func (m Multi) Notify(ctx context.Context, job jobs.Job) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, job)
		}
	}
}
