// Package storage はジョブごとの作業ディレクトリをローカルファイルシステム上に管理します。
//
// 保存先: <root>/<jobID>/in と <root>/<jobID>/out
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrTooLarge は保存中のファイルが上限サイズを超えた場合に返されます。
var ErrTooLarge = errors.New("file exceeds size limit")

// Workspace は1ジョブ分の作業ディレクトリです。
type Workspace struct {
	JobID  string
	Dir    string
	InDir  string
	OutDir string
}

// Local はローカルディスク上のワークスペースを扱います。
type Local struct {
	root string
}

// NewLocal は root を作成し、Local を返します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Root はワークスペースのルートディレクトリです。
func (l *Local) Root() string {
	return l.root
}

// Workspace は jobID のワークスペースのパスを返します（ディレクトリは作成しません）。
func (l *Local) Workspace(jobID string) (Workspace, error) {
	if jobID == "" || jobID != filepath.Base(jobID) || strings.HasPrefix(jobID, ".") {
		return Workspace{}, fmt.Errorf("invalid job id %q", jobID)
	}
	dir := filepath.Join(l.root, jobID)
	return Workspace{
		JobID:  jobID,
		Dir:    dir,
		InDir:  filepath.Join(dir, "in"),
		OutDir: filepath.Join(dir, "out"),
	}, nil
}

// Create はワークスペースを作成します。
func (l *Local) Create(jobID string) (Workspace, error) {
	ws, err := l.Workspace(jobID)
	if err != nil {
		return Workspace{}, err
	}
	for _, dir := range []string{ws.InDir, ws.OutDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return Workspace{}, fmt.Errorf("failed to create workspace: %w", err)
		}
	}
	return ws, nil
}

// SaveInput は r の内容を in/<jobID><ext> に保存し、パスとサイズを返します。
// limit を超えた場合は途中まで書いたファイルを削除して ErrTooLarge を返します。
func (l *Local) SaveInput(ws Workspace, ext string, r io.Reader, limit int64) (string, int64, error) {
	path := filepath.Join(ws.InDir, ws.JobID+ext)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create input file: %w", err)
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	written, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()

	switch {
	case copyErr != nil:
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("failed to write input file: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("failed to close input file: %w", closeErr)
	case limit > 0 && written > limit:
		_ = os.Remove(path)
		return "", 0, ErrTooLarge
	}
	return path, written, nil
}

// Remove はワークスペースを削除します。存在しない場合は何もしません。
func (l *Local) Remove(ws Workspace) error {
	if ws.Dir == "" || filepath.Dir(ws.Dir) != l.root {
		return fmt.Errorf("workspace %q is outside storage root", ws.Dir)
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}

// Purge はルート配下のワークスペースをすべて削除し、削除件数を返します。
// 前回の実行で残ったファイルの掃除に使います。
func (l *Local) Purge() (int, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read storage root: %w", err)
	}
	var (
		removed int
		errs    []error
	)
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(l.root, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
