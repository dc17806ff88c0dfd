// Package engine は外部の変換ツール（LibreOffice / docx2pdf）を呼び出すアダプターを提供します。
//
// どのエンジンも呼び出しごとに独立したプロセスを起動し、タイムアウト経過時には
// プロセスを強制終了します。呼び出し間で共有する可変状態は持ちません。
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Engine は DOCX を PDF に変換できる外部ツールを表します。
type Engine interface {
	// Name はログやジョブ情報に記録するエンジン名を返します。
	Name() string
	// Available は実行ファイルが見つかるかどうかを返します。
	Available() bool
	// Convert は inputPath を変換し、outputDir 配下に生成した PDF のパスを返します。
	// timeout を過ぎた場合はプロセスを終了し *EngineError を返します。
	Convert(ctx context.Context, inputPath, outputDir string, timeout time.Duration) (string, error)
}

// EngineError は1回の変換試行の失敗を表します。
type EngineError struct {
	Engine   string
	Reason   string
	ExitCode int
	Output   string
	TimedOut bool
	Err      error
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(e.Engine)
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.TimedOut {
		b.WriteString(" (timed out)")
	} else if e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		b.WriteString(": ")
		b.WriteString(truncate(out, maxOutputInError))
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

const maxOutputInError = 512

// OutputPath は入力ファイル名から出力PDFのパスを導出します。
// 入力はジョブIDで命名されるため、出力もジョブごとに一意になります。
func OutputPath(inputPath, outputDir string) string {
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(outputDir, stem+".pdf")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
