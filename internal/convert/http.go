package convert

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/convert-forge/internal/jobs"
)

// retryAfterSeconds はキュー満杯時に返す Retry-After の秒数です。
const retryAfterSeconds = 30

// Submitter はアップロードを受け付けて変換ジョブを投入するサービスです。
type Submitter interface {
	SubmitMultipart(ctx context.Context, file *multipart.FileHeader, meta Metadata) (jobs.Job, error)
}

// ConvertHandler は POST /api/convert のハンドラーを返します。
// maxBodyBytes が正の場合はリクエストボディ全体をその大きさに制限します。
func ConvertHandler(svc Submitter, maxBodyBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBodyBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}

		form, err := c.MultipartForm()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{
					"code":    "LIMIT_EXCEEDED",
					"message": "リクエストサイズが上限を超えています。",
				})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data でDOCXファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}

		meta := Metadata{
			Reference:   strings.TrimSpace(c.PostForm("reference")),
			CallbackURL: strings.TrimSpace(c.PostForm("callback_url")),
		}

		job, err := svc.SubmitMultipart(c.Request.Context(), file, meta)
		if err != nil {
			respondWithError(c, err)
			return
		}

		payload := gin.H{
			"jobId":     job.ID,
			"status":    job.Status,
			"filename":  job.Filename,
			"statusUrl": fmt.Sprintf("/api/jobs/%s", url.PathEscape(job.ID)),
		}
		if job.Reference != "" {
			payload["reference"] = job.Reference
		}
		c.JSON(http.StatusAccepted, payload)
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case "LIMIT_EXCEEDED":
			status = http.StatusRequestEntityTooLarge
		case "UNSUPPORTED_FORMAT":
			status = http.StatusUnsupportedMediaType
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, jobs.ErrAdmissionRejected):
		c.Header("Retry-After", fmt.Sprint(retryAfterSeconds))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "QUEUE_FULL",
			"message": "変換キューが満杯です。しばらくしてから再度お試しください。",
		})
	case errors.Is(err, jobs.ErrPoolShutdown):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SHUTTING_DOWN",
			"message": "サービスを停止しています。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("DOCXファイルを選択してください。")
	}
	if file := form.File["file"]; len(file) > 0 {
		return file[0], nil
	}
	if file := form.File["file[]"]; len(file) > 0 {
		return file[0], nil
	}
	return nil, errors.New("DOCXファイルを選択してください。")
}
