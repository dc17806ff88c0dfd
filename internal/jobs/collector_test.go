package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addFinishedJob は作業ディレクトリ付きの completed ジョブを登録します。
func addFinishedJob(t *testing.T, reg *Registry, root, id string) Job {
	t.Helper()
	work := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(filepath.Join(work, "out"), 0o750))
	in := filepath.Join(work, id+".docx")
	out := filepath.Join(work, "out", id+".pdf")
	require.NoError(t, os.WriteFile(in, []byte("PK"), 0o600))
	require.NoError(t, os.WriteFile(out, []byte("%PDF-1.4"), 0o600))

	_, err := reg.Create(Job{ID: id, Filename: "a.docx", InputPath: in, WorkDir: work})
	require.NoError(t, err)
	_, err = reg.Transition(id, StatusQueued, StatusProcessing, nil)
	require.NoError(t, err)
	job, err := reg.Transition(id, StatusProcessing, StatusCompleted, func(j *Job) {
		j.OutputPath = out
		j.EngineUsed = "LibreOffice"
	})
	require.NoError(t, err)
	return job
}

func newTestCollector(t *testing.T, reg *Registry, opts CollectorOptions) *Collector {
	t.Helper()
	opts.Registry = reg
	if opts.Retention == 0 {
		opts.Retention = time.Hour
	}
	c, err := NewCollector(opts)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func TestCollectorReclaimRemovesFilesAndEntry(t *testing.T) {
	reg := NewRegistry()
	root := t.TempDir()
	job := addFinishedJob(t, reg, root, "job-1")
	c := newTestCollector(t, reg, CollectorOptions{})

	require.NoError(t, c.Reclaim(context.Background(), job.ID))

	assert.NoFileExists(t, job.InputPath)
	assert.NoFileExists(t, job.OutputPath)
	assert.NoDirExists(t, job.WorkDir)
	_, err := reg.Get(job.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// 2回目は何もせず NotFound を返す
	require.ErrorIs(t, c.Reclaim(context.Background(), job.ID), ErrNotFound)
}

func TestCollectorReclaimUnknownJob(t *testing.T) {
	c := newTestCollector(t, NewRegistry(), CollectorOptions{})
	require.ErrorIs(t, c.Reclaim(context.Background(), "missing"), ErrNotFound)
}

func TestCollectorReclaimRefusesActiveJob(t *testing.T) {
	reg := NewRegistry()
	in := filepath.Join(t.TempDir(), "job-1.docx")
	require.NoError(t, os.WriteFile(in, []byte("PK"), 0o600))
	id, err := reg.Create(Job{ID: "job-1", InputPath: in})
	require.NoError(t, err)
	c := newTestCollector(t, reg, CollectorOptions{})

	require.ErrorIs(t, c.Reclaim(context.Background(), id), ErrJobActive)
	_, err = reg.Transition(id, StatusQueued, StatusProcessing, nil)
	require.NoError(t, err)
	require.ErrorIs(t, c.Reclaim(context.Background(), id), ErrJobActive)

	assert.FileExists(t, in)
	_, err = reg.Get(id)
	require.NoError(t, err)
}

func TestCollectorConcurrentReclaimIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	job := addFinishedJob(t, reg, t.TempDir(), "job-1")
	c := newTestCollector(t, reg, CollectorOptions{})

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		notFound  atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Reclaim(context.Background(), job.ID)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrNotFound):
				notFound.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(9), notFound.Load())
}

func TestCollectorSweepReclaimsExpiredJobs(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	reg := NewRegistry(WithClock(func() time.Time { return clock }))
	root := t.TempDir()

	old := addFinishedJob(t, reg, root, "old")
	clock = base.Add(90 * time.Minute)
	fresh := addFinishedJob(t, reg, root, "fresh")
	_, err := reg.Create(Job{ID: "queued", InputPath: filepath.Join(root, "queued.docx")})
	require.NoError(t, err)

	c := newTestCollector(t, reg, CollectorOptions{
		Retention: time.Hour,
		Now:       func() time.Time { return base.Add(2 * time.Hour) },
	})

	n, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = reg.Get(old.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoDirExists(t, old.WorkDir)
	_, err = reg.Get(fresh.ID)
	require.NoError(t, err)
	_, err = reg.Get("queued")
	require.NoError(t, err)
}

func TestCollectorMarkConsumedReclaimsAfterGrace(t *testing.T) {
	reg := NewRegistry()
	job := addFinishedJob(t, reg, t.TempDir(), "job-1")
	c := newTestCollector(t, reg, CollectorOptions{DownloadGrace: 20 * time.Millisecond})

	c.MarkConsumed(job.ID)
	c.MarkConsumed(job.ID)
	assert.Equal(t, 1, c.Pending())

	require.Eventually(t, func() bool {
		_, err := reg.Get(job.ID)
		return errors.Is(err, ErrNotFound)
	}, time.Second, 5*time.Millisecond)
	assert.NoFileExists(t, job.OutputPath)
	assert.Equal(t, 0, c.Pending())
}

func TestCollectorExplicitReclaimCancelsPendingTimer(t *testing.T) {
	reg := NewRegistry()
	job := addFinishedJob(t, reg, t.TempDir(), "job-1")
	c := newTestCollector(t, reg, CollectorOptions{DownloadGrace: time.Hour})

	c.MarkConsumed(job.ID)
	require.Equal(t, 1, c.Pending())
	require.NoError(t, c.Reclaim(context.Background(), job.ID))
	assert.Equal(t, 0, c.Pending())
}

func TestCollectorReclaimAllKeepsActiveJobs(t *testing.T) {
	reg := NewRegistry()
	root := t.TempDir()
	addFinishedJob(t, reg, root, "done-1")
	addFinishedJob(t, reg, root, "done-2")
	_, err := reg.Create(Job{ID: "queued", InputPath: filepath.Join(root, "queued.docx")})
	require.NoError(t, err)

	c := newTestCollector(t, reg, CollectorOptions{DownloadGrace: time.Hour})
	c.MarkConsumed("done-1")

	assert.Equal(t, 2, c.ReclaimAll(context.Background()))
	assert.Equal(t, 1, len(reg.List()))
	assert.Equal(t, 0, c.Pending())

	// 停止後の予約は無視される
	c.MarkConsumed("queued")
	assert.Equal(t, 0, c.Pending())
}

func TestCollectorRunStopsOnCancel(t *testing.T) {
	reg := NewRegistry()
	c := newTestCollector(t, reg, CollectorOptions{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestNewCollectorRequiresRetention(t *testing.T) {
	_, err := NewCollector(CollectorOptions{Registry: NewRegistry()})
	require.Error(t, err)
	_, err = NewCollector(CollectorOptions{Retention: time.Hour})
	require.Error(t, err)
}
