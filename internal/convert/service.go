package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/yourusername/convert-forge/internal/jobs"
	"github.com/yourusername/convert-forge/internal/storage"
)

const (
	docxExt          = ".docx"
	docxMIME         = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	zipMIME          = "application/zip"
	maxReferenceSize = 128
)

// Scheduler は変換ジョブを受け付けるスケジューラーです。
type Scheduler interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (jobs.Job, error)
}

// Metadata はアップロードに付随する任意項目です。
type Metadata struct {
	Reference   string
	CallbackURL string
}

// Service はアップロードを検証してワークスペースに保存し、ジョブを投入します。
type Service struct {
	storage     *storage.Local
	scheduler   Scheduler
	maxFileSize int64
	logger      *slog.Logger
}

// NewService は Service を初期化します。
func NewService(store *storage.Local, scheduler Scheduler, maxFileSize int64, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("storage is nil")
	}
	if scheduler == nil {
		return nil, errors.New("scheduler is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		storage:     store,
		scheduler:   scheduler,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "convert")),
	}, nil
}

// SubmitMultipart はアップロードされた DOCX を保存して変換ジョブを投入します。
func (s *Service) SubmitMultipart(ctx context.Context, file *multipart.FileHeader, meta Metadata) (jobs.Job, error) {
	if file == nil {
		return jobs.Job{}, newError("INVALID_INPUT", "DOCXファイルを選択してください。", nil)
	}
	name := filepath.Base(file.Filename)
	if !strings.EqualFold(filepath.Ext(name), docxExt) {
		return jobs.Job{}, newError("UNSUPPORTED_FORMAT", "DOCXファイルのみ対応しています。", nil)
	}
	if s.maxFileSize > 0 && file.Size > s.maxFileSize {
		return jobs.Job{}, s.limitError()
	}
	if err := validateMetadata(meta); err != nil {
		return jobs.Job{}, err
	}

	src, err := file.Open()
	if err != nil {
		return jobs.Job{}, fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	if err := detectDocx(src); err != nil {
		return jobs.Job{}, err
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return jobs.Job{}, fmt.Errorf("failed to rewind upload: %w", err)
	}

	id := uuid.NewString()
	ws, err := s.storage.Create(id)
	if err != nil {
		return jobs.Job{}, err
	}

	inputPath, size, err := s.storage.SaveInput(ws, docxExt, src, s.maxFileSize)
	if err != nil {
		s.discard(ws)
		if errors.Is(err, storage.ErrTooLarge) {
			return jobs.Job{}, s.limitError()
		}
		return jobs.Job{}, err
	}

	job, err := s.scheduler.Submit(ctx, jobs.SubmitRequest{
		ID:          id,
		Filename:    name,
		Reference:   meta.Reference,
		CallbackURL: meta.CallbackURL,
		InputPath:   inputPath,
		OutputDir:   ws.OutDir,
		WorkDir:     ws.Dir,
	})
	if err != nil {
		s.discard(ws)
		return jobs.Job{}, err
	}

	s.logger.InfoContext(ctx, "upload accepted",
		slog.String("job_id", id),
		slog.String("filename", name),
		slog.Int64("bytes", size),
	)
	return job, nil
}

func (s *Service) discard(ws storage.Workspace) {
	if err := s.storage.Remove(ws); err != nil {
		s.logger.Warn("failed to discard workspace", slog.String("job_id", ws.JobID), slog.Any("error", err))
	}
}

func (s *Service) limitError() *Error {
	return newError("LIMIT_EXCEEDED", fmt.Sprintf("ファイルサイズが上限（%d MB）を超えています。", s.maxFileSize>>20), nil)
}

func validateMetadata(meta Metadata) error {
	if len(meta.Reference) > maxReferenceSize {
		return newError("INVALID_INPUT", fmt.Sprintf("reference は%d文字以内で指定してください。", maxReferenceSize), nil)
	}
	if meta.CallbackURL == "" {
		return nil
	}
	u, err := url.Parse(meta.CallbackURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return newError("INVALID_INPUT", "callback_url は http(s) の絶対URLで指定してください。", err)
	}
	return nil
}

// detectDocx は先頭バイトから内容を判定し、DOCX（ZIPコンテナ）以外を拒否します。
func detectDocx(r io.Reader) error {
	mtype, err := mimetype.DetectReader(r)
	if err != nil {
		return fmt.Errorf("failed to detect content type: %w", err)
	}
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is(docxMIME) || m.Is(zipMIME) {
			return nil
		}
	}
	return newError("UNSUPPORTED_FORMAT", "ファイルの内容がDOCX形式ではありません。", fmt.Errorf("detected %s", mtype.String()))
}
