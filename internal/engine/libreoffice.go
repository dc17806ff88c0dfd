package engine

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const libreOfficeName = "LibreOffice"

// LibreOffice は soffice のヘッドレスモードで変換するエンジンです。
type LibreOffice struct {
	path        string
	profileRoot string
}

// NewLibreOffice は LibreOffice エンジンを作成します。
// path が空の場合は既知のインストール先と PATH から実行ファイルを探します。
func NewLibreOffice(path, profileRoot string) *LibreOffice {
	if strings.TrimSpace(path) == "" {
		path = findLibreOffice()
	}
	if profileRoot == "" {
		profileRoot = os.TempDir()
	}
	return &LibreOffice{path: path, profileRoot: profileRoot}
}

func (e *LibreOffice) Name() string {
	return libreOfficeName
}

// Available は実行ファイルが解決できるかどうかを返します。
func (e *LibreOffice) Available() bool {
	if e.path == "" {
		return false
	}
	_, err := exec.LookPath(e.path)
	return err == nil
}

// Convert は LibreOffice で PDF を生成します。
// 同時実行時にプロファイルのロックを奪い合わないよう、呼び出しごとに専用のユーザープロファイルを使います。
func (e *LibreOffice) Convert(ctx context.Context, inputPath, outputDir string, timeout time.Duration) (string, error) {
	if !e.Available() {
		return "", &EngineError{Engine: libreOfficeName, Reason: "executable not found"}
	}
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return "", &EngineError{Engine: libreOfficeName, Reason: "failed to prepare output dir", Err: err}
	}

	profileDir := filepath.Join(e.profileRoot, "lo-profile-"+uuid.NewString())
	defer func() {
		_ = os.RemoveAll(profileDir)
	}()

	args := []string{
		"-env:UserInstallation=" + fileURL(profileDir),
		"--headless",
		"--invisible",
		"--nodefault",
		"--nolockcheck",
		"--nologo",
		"--norestore",
		"--convert-to", "pdf",
		"--outdir", outputDir,
		inputPath,
	}

	out, err := runCommand(ctx, libreOfficeName, timeout, e.path, args...)
	if err != nil {
		return "", err
	}

	outputPath := OutputPath(inputPath, outputDir)
	if err := checkOutput(libreOfficeName, outputPath, out); err != nil {
		return "", err
	}
	return outputPath, nil
}

func fileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	slashed := filepath.ToSlash(abs)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	return (&url.URL{Scheme: "file", Path: slashed}).String()
}

func findLibreOffice() string {
	var candidates []string
	switch runtime.GOOS {
	case "windows":
		candidates = []string{
			`C:\Program Files\LibreOffice\program\soffice.exe`,
			`C:\Program Files (x86)\LibreOffice\program\soffice.exe`,
		}
	default:
		candidates = []string{
			"/usr/bin/libreoffice",
			"/usr/local/bin/libreoffice",
			"/opt/libreoffice/program/soffice",
			"/Applications/LibreOffice.app/Contents/MacOS/soffice",
		}
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	for _, name := range []string{"libreoffice", "soffice"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

var _ Engine = (*LibreOffice)(nil)

// String はデバッグ用の表現です。
func (e *LibreOffice) String() string {
	return fmt.Sprintf("%s(%s)", libreOfficeName, e.path)
}
