package convert

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourusername/convert-forge/internal/jobs"
)

// ErrNotCompleted は完了していないジョブの成果物を要求した場合に返されます。
var ErrNotCompleted = errors.New("job is not completed")

// Result はダウンロード対象の成果物です。
type Result struct {
	JobID          string
	OutputPath     string
	OutputFilename string
	OutputSize     int64
}

// OpenResult は完了済みジョブの成果物を開きます。呼び出し側でファイルを閉じてください。
func OpenResult(job jobs.Job) (*Result, *os.File, error) {
	if job.Status != jobs.StatusCompleted {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotCompleted, job.Status)
	}
	file, err := os.Open(job.OutputPath)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return &Result{
		JobID:          job.ID,
		OutputPath:     job.OutputPath,
		OutputFilename: DownloadName(job.Filename),
		OutputSize:     info.Size(),
	}, file, nil
}

// DownloadName は元のファイル名の拡張子を .pdf に置き換えます。
func DownloadName(filename string) string {
	base := filepath.Base(filename)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || stem == string(filepath.Separator) {
		stem = "document"
	}
	return stem + ".pdf"
}

// DownloadURL は成果物のダウンロードURLを返します。base が空の場合は相対パスです。
func DownloadURL(base, jobID string) string {
	if base == "" {
		return fmt.Sprintf("/api/jobs/%s/download", url.PathEscape(jobID))
	}
	return fmt.Sprintf("%s/%s/download", strings.TrimRight(base, "/"), url.PathEscape(jobID))
}
