package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/convert-forge/internal/convert"
	"github.com/yourusername/convert-forge/internal/jobs"
	"github.com/yourusername/convert-forge/internal/notify"
)

// avgConversionSeconds は待ち時間の目安に使う1件あたりの変換時間です。
const avgConversionSeconds = 30

// jobReader はジョブの参照と集計を提供します。
type jobReader interface {
	Get(id string) (jobs.Job, error)
	Stats() jobs.Stats
}

// jobReclaimer は終了ジョブの回収を提供します。
type jobReclaimer interface {
	Reclaim(ctx context.Context, id string) error
	MarkConsumed(id string)
}

// statusMirror は Redis に写したジョブの状態を引きます。見つからない場合は nil を返します。
type statusMirror interface {
	Status(ctx context.Context, jobID string) (*notify.Event, error)
}

func jobIDParam(c *gin.Context) (string, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return "", false
	}
	return jobID, true
}

func respondJobNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"code":    "JOB_NOT_FOUND",
		"message": "指定されたジョブは存在しません。",
	})
}

// lookupCompleted は完了済みジョブの成果物を開きます。失敗時はレスポンスを書いて false を返します。
func lookupCompleted(c *gin.Context, reader jobReader) (*convert.Result, io.ReadCloser, bool) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return nil, nil, false
	}
	job, err := reader.Get(jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			respondJobNotFound(c)
			return nil, nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "ジョブ情報の取得に失敗しました。",
		})
		return nil, nil, false
	}

	result, file, err := convert.OpenResult(job)
	if err != nil {
		switch {
		case errors.Is(err, convert.ErrNotCompleted):
			c.JSON(http.StatusConflict, gin.H{
				"code":    "JOB_NOT_COMPLETED",
				"message": "ジョブはまだ完了していません。",
				"status":  job.Status,
			})
		case errors.Is(err, fs.ErrNotExist):
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_RESULT_NOT_FOUND",
				"message": "ジョブの成果物が見つかりませんでした。",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの成果物取得に失敗しました。",
			})
		}
		return nil, nil, false
	}
	return result, file, true
}

// jobStatusHandler はジョブの状態を返します。
// 回収済みでレジストリにないジョブは、mirror があればそこに残る最後の状態を返します。
func jobStatusHandler(reader jobReader, mirror statusMirror, downloadURL notify.URLFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		job, err := reader.Get(jobID)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				respondMirroredStatus(c, mirror, jobID)
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}

		payload := notify.Event{Job: job}
		if job.Status == jobs.StatusCompleted && downloadURL != nil {
			payload.DownloadURL = downloadURL(job.ID)
		}
		c.JSON(http.StatusOK, payload)
	}
}

func respondMirroredStatus(c *gin.Context, mirror statusMirror, jobID string) {
	if mirror == nil {
		respondJobNotFound(c)
		return
	}
	ev, err := mirror.Status(c.Request.Context(), jobID)
	if err != nil || ev == nil {
		respondJobNotFound(c)
		return
	}
	// 成果物は回収済みなのでダウンロードURLは返さない
	ev.DownloadURL = ""
	c.JSON(http.StatusOK, ev)
}

// jobDownloadHandler は成果物を添付ファイルとして返し、猶予後の回収を予約します。
func jobDownloadHandler(reader jobReader, reclaimer jobReclaimer) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, file, ok := lookupCompleted(c, reader)
		if !ok {
			return
		}
		defer file.Close()

		encodedName := url.PathEscape(result.OutputFilename)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", result.OutputFilename, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", result.JobID)
		c.DataFromReader(http.StatusOK, result.OutputSize, "application/pdf", file, nil)
		reclaimer.MarkConsumed(result.JobID)
	}
}

// jobPDFHandler は成果物をインラインで返します。回収の予約はしません。
func jobPDFHandler(reader jobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, file, ok := lookupCompleted(c, reader)
		if !ok {
			return
		}
		defer file.Close()

		c.Header("Content-Disposition", fmt.Sprintf("inline; filename=\"%s.pdf\"", result.JobID))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", result.JobID)
		c.DataFromReader(http.StatusOK, result.OutputSize, "application/pdf", file, nil)
	}
}

func jobDeleteHandler(reclaimer jobReclaimer) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		err := reclaimer.Reclaim(c.Request.Context(), jobID)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{
				"jobId":   jobID,
				"message": "ジョブを削除しました。",
			})
		case errors.Is(err, jobs.ErrNotFound):
			respondJobNotFound(c)
		case errors.Is(err, jobs.ErrJobActive):
			c.JSON(http.StatusConflict, gin.H{
				"code":    "JOB_ACTIVE",
				"message": "処理中のジョブは削除できません。",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの削除に失敗しました。",
			})
		}
	}
}

func queueStatusHandler(reader jobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := reader.Stats()
		queued := stats.Counts[jobs.StatusQueued]
		processing := stats.Counts[jobs.StatusProcessing]
		active := queued + processing

		total := 0
		for _, n := range stats.Counts {
			total += n
		}

		serviceStatus := "offline"
		if len(availableEngineNames(stats.Engines)) > 0 {
			serviceStatus = "online"
		}

		c.JSON(http.StatusOK, gin.H{
			"serviceStatus":        serviceStatus,
			"total":                total,
			"queued":               queued,
			"processing":           processing,
			"completed":            stats.Counts[jobs.StatusCompleted],
			"failed":               stats.Counts[jobs.StatusFailed],
			"queueSize":            active,
			"queueCapacity":        stats.QueueCapacity,
			"running":              stats.Running,
			"waiting":              stats.Waiting,
			"maxWorkers":           stats.Workers,
			"estimatedWaitMinutes": active * avgConversionSeconds / 60,
			"engines":              availableEngineNames(stats.Engines),
			"message":              queueMessage(active),
		})
	}
}

func queueMessage(active int) string {
	switch {
	case active == 0:
		return "すぐに変換できます。"
	case active < 5:
		return "待ちは少なめです。"
	case active < 15:
		return "やや混雑しています。"
	default:
		return "混雑しています。"
	}
}

func availableEngineNames(engines []jobs.EngineInfo) []string {
	names := make([]string, 0, len(engines))
	for _, e := range engines {
		if e.Available {
			names = append(names, e.Name)
		}
	}
	return names
}
