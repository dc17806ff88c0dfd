package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestRegistryCreateAndGet(t *testing.T) {
	reg := NewRegistry()

	id, err := reg.Create(Job{Filename: "report.docx", InputPath: "/tmp/in.docx", Reference: "A-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, "A-1", job.Reference)
	assert.Equal(t, 1, job.Version)
	assert.False(t, job.CreatedAt.IsZero())
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.FinishedAt)

	// 返されたコピーを書き換えても保存済みレコードには影響しない
	job.Status = StatusFailed
	job.Filename = "changed"
	again, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, again.Status)
	assert.Equal(t, "report.docx", again.Filename)
}

func TestRegistryCreateRejectsDuplicateID(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Create(Job{ID: "job-1", InputPath: "a"})
	require.NoError(t, err)

	_, err = reg.Create(Job{ID: "job-1", InputPath: "b"})
	require.ErrorIs(t, err, ErrJobExists)
}

func TestRegistryCreateRejectsNonQueued(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Create(Job{ID: "job-1", Status: StatusCompleted})
	require.ErrorIs(t, err, ErrInvalidJob)
	assert.Equal(t, 0, len(reg.List()))
}

func TestRegistryGetUnknown(t *testing.T) {
	_, err := NewRegistry().Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryTransitionLifecycle(t *testing.T) {
	reg := NewRegistry()
	id, err := reg.Create(Job{InputPath: "in.docx"})
	require.NoError(t, err)

	processing, err := reg.Transition(id, StatusQueued, StatusProcessing, nil)
	require.NoError(t, err)
	require.NotNil(t, processing.StartedAt)
	assert.Nil(t, processing.FinishedAt)
	assert.False(t, processing.StartedAt.Before(processing.CreatedAt))
	assert.Equal(t, 2, processing.Version)

	completed, err := reg.Transition(id, StatusProcessing, StatusCompleted, func(j *Job) {
		j.OutputPath = "out.pdf"
		j.EngineUsed = "LibreOffice"
	})
	require.NoError(t, err)
	require.NotNil(t, completed.FinishedAt)
	assert.Equal(t, *processing.StartedAt, *completed.StartedAt)
	assert.False(t, completed.FinishedAt.Before(*completed.StartedAt))
	assert.Equal(t, "out.pdf", completed.OutputPath)
	assert.Equal(t, 3, completed.Version)
}

func TestRegistryTransitionStale(t *testing.T) {
	reg := NewRegistry()
	id, err := reg.Create(Job{InputPath: "in.docx"})
	require.NoError(t, err)
	_, err = reg.Transition(id, StatusQueued, StatusProcessing, nil)
	require.NoError(t, err)

	_, err = reg.Transition(id, StatusQueued, StatusProcessing, nil)
	require.ErrorIs(t, err, ErrStaleTransition)

	job, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, job.Status)
	assert.Equal(t, 2, job.Version)
}

func TestRegistryRejectsInvalidRecords(t *testing.T) {
	tests := []struct {
		name   string
		to     Status
		mutate func(*Job)
	}{
		{name: "completed without output", to: StatusCompleted, mutate: func(j *Job) {}},
		{name: "completed with error", to: StatusCompleted, mutate: func(j *Job) {
			j.OutputPath = "out.pdf"
			j.Error = "boom"
		}},
		{name: "failed without error", to: StatusFailed, mutate: func(j *Job) {}},
		{name: "failed with output", to: StatusFailed, mutate: func(j *Job) {
			j.Error = "boom"
			j.OutputPath = "out.pdf"
		}},
		{name: "terminal without finish time", to: StatusCompleted, mutate: func(j *Job) {
			j.OutputPath = "out.pdf"
			j.FinishedAt = nil
		}},
		{name: "start time rewritten", to: StatusCompleted, mutate: func(j *Job) {
			j.OutputPath = "out.pdf"
			earlier := j.StartedAt.Add(-time.Hour)
			j.StartedAt = &earlier
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			id, err := reg.Create(Job{InputPath: "in.docx"})
			require.NoError(t, err)
			before, err := reg.Transition(id, StatusQueued, StatusProcessing, nil)
			require.NoError(t, err)

			_, err = reg.Transition(id, StatusProcessing, tt.to, tt.mutate)
			require.ErrorIs(t, err, ErrInvalidJob)

			after, err := reg.Get(id)
			require.NoError(t, err)
			assert.Equal(t, before, after, "rejected mutation must leave the record untouched")
		})
	}
}

func TestRegistryRejectsIllegalTransitions(t *testing.T) {
	reg := NewRegistry()
	id, err := reg.Create(Job{InputPath: "in.docx"})
	require.NoError(t, err)

	_, err = reg.Transition(id, StatusQueued, StatusCompleted, func(j *Job) { j.OutputPath = "out.pdf" })
	require.ErrorIs(t, err, ErrInvalidJob)
	_, err = reg.Transition(id, StatusQueued, StatusFailed, func(j *Job) { j.Error = "boom" })
	require.ErrorIs(t, err, ErrInvalidJob)

	_, err = reg.Transition(id, StatusQueued, StatusProcessing, nil)
	require.NoError(t, err)
	_, err = reg.Transition(id, StatusProcessing, StatusFailed, func(j *Job) { j.Error = "boom" })
	require.NoError(t, err)

	_, err = reg.Transition(id, StatusFailed, StatusProcessing, nil)
	require.ErrorIs(t, err, ErrInvalidJob)
	_, err = reg.Transition(id, StatusProcessing, StatusCompleted, func(j *Job) { j.OutputPath = "out.pdf" })
	require.ErrorIs(t, err, ErrStaleTransition)
}

func TestRegistryUpdate(t *testing.T) {
	reg := NewRegistry()
	id, err := reg.Create(Job{InputPath: "in.docx"})
	require.NoError(t, err)

	job, err := reg.Update(id, func(j *Job) error {
		j.CurrentEngine = "LibreOffice"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "LibreOffice", job.CurrentEngine)

	_, err = reg.Update(id, func(j *Job) error {
		j.Status = StatusProcessing
		return nil
	})
	require.ErrorIs(t, err, ErrInvalidJob)

	sentinel := errors.New("abort")
	_, err = reg.Update(id, func(j *Job) error {
		j.CurrentEngine = "docx2pdf"
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	job, err = reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "LibreOffice", job.CurrentEngine)

	_, err = reg.Transition(id, StatusQueued, StatusProcessing, nil)
	require.NoError(t, err)
	_, err = reg.Transition(id, StatusProcessing, StatusFailed, func(j *Job) { j.Error = "boom" })
	require.NoError(t, err)

	_, err = reg.Update(id, func(j *Job) error { return nil })
	require.ErrorIs(t, err, ErrJobTerminal)
}

func TestRegistryDelete(t *testing.T) {
	reg := NewRegistry()
	id, err := reg.Create(Job{InputPath: "in.docx"})
	require.NoError(t, err)

	require.NoError(t, reg.Delete(id))
	require.ErrorIs(t, reg.Delete(id), ErrNotFound)
	_, err = reg.Get(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryListAndCounts(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	reg := NewRegistry(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := reg.Create(Job{InputPath: fmt.Sprintf("in-%d.docx", i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := reg.Transition(ids[1], StatusQueued, StatusProcessing, nil)
	require.NoError(t, err)
	_, err = reg.Transition(ids[2], StatusQueued, StatusProcessing, nil)
	require.NoError(t, err)
	_, err = reg.Transition(ids[2], StatusProcessing, StatusCompleted, func(j *Job) { j.OutputPath = "out.pdf" })
	require.NoError(t, err)

	all := reg.List()
	require.Len(t, all, 4)
	for i, job := range all {
		assert.Equal(t, ids[i], job.ID, "list is ordered by creation time")
	}

	queued := reg.List(StatusQueued)
	require.Len(t, queued, 2)
	assert.Equal(t, ids[0], queued[0].ID)
	assert.Equal(t, ids[3], queued[1].ID)

	assert.Equal(t, map[Status]int{
		StatusQueued:     2,
		StatusProcessing: 1,
		StatusCompleted:  1,
		StatusFailed:     0,
	}, reg.Counts())
}

func TestRegistryObserverSeesCommitOrder(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Status
	)
	reg := NewRegistry(WithObserver(func(job Job) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, job.Status)
	}))

	id, err := reg.Create(Job{InputPath: "in.docx"})
	require.NoError(t, err)
	_, err = reg.Transition(id, StatusQueued, StatusProcessing, nil)
	require.NoError(t, err)
	_, err = reg.Transition(id, StatusProcessing, StatusCompleted, nil)
	require.Error(t, err, "invalid mutation must not reach the observer")
	_, err = reg.Transition(id, StatusProcessing, StatusFailed, func(j *Job) { j.Error = "boom" })
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusQueued, StatusProcessing, StatusFailed}, events)
}

func TestRegistryConcurrentReadsNeverSeeInconsistentRecords(t *testing.T) {
	reg := NewRegistry()
	const jobs = 200

	ids := make([]string, jobs)
	for i := range ids {
		id, err := reg.Create(Job{InputPath: fmt.Sprintf("in-%d.docx", i)})
		require.NoError(t, err)
		ids[i] = id
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readers, readCtx := errgroup.WithContext(ctx)
	for r := 0; r < 4; r++ {
		readers.Go(func() error {
			for readCtx.Err() == nil {
				for _, job := range reg.List() {
					if err := checkSnapshot(job); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}

	writers := new(errgroup.Group)
	for i, id := range ids {
		writers.Go(func() error {
			if _, err := reg.Transition(id, StatusQueued, StatusProcessing, nil); err != nil {
				return err
			}
			if i%2 == 0 {
				_, err := reg.Transition(id, StatusProcessing, StatusCompleted, func(j *Job) { j.OutputPath = "out.pdf" })
				return err
			}
			_, err := reg.Transition(id, StatusProcessing, StatusFailed, func(j *Job) { j.Error = "boom" })
			return err
		})
	}

	require.NoError(t, writers.Wait())
	cancel()
	require.NoError(t, readers.Wait())

	counts := reg.Counts()
	assert.Equal(t, jobs/2, counts[StatusCompleted])
	assert.Equal(t, jobs/2, counts[StatusFailed])
}

func checkSnapshot(job Job) error {
	switch job.Status {
	case StatusCompleted:
		if job.OutputPath == "" || job.Error != "" || job.FinishedAt == nil {
			return fmt.Errorf("inconsistent completed record: %+v", job)
		}
	case StatusFailed:
		if job.Error == "" || job.OutputPath != "" || job.FinishedAt == nil {
			return fmt.Errorf("inconsistent failed record: %+v", job)
		}
	case StatusProcessing:
		if job.StartedAt == nil || job.FinishedAt != nil {
			return fmt.Errorf("inconsistent processing record: %+v", job)
		}
	}
	return nil
}
