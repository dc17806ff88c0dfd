package engine

import (
	"context"
	"os"
	"os/exec"
	"time"
)

const docx2pdfName = "docx2pdf"

// Docx2PDF は docx2pdf CLI（Word 自動化）で変換するフォールバックエンジンです。
type Docx2PDF struct {
	path string
}

// NewDocx2PDF は docx2pdf エンジンを作成します。
func NewDocx2PDF(path string) *Docx2PDF {
	return &Docx2PDF{path: path}
}

func (e *Docx2PDF) Name() string {
	return docx2pdfName
}

func (e *Docx2PDF) Available() bool {
	if e.path == "" {
		return false
	}
	_, err := exec.LookPath(e.path)
	return err == nil
}

// Convert は docx2pdf <input> <output> を実行します。
func (e *Docx2PDF) Convert(ctx context.Context, inputPath, outputDir string, timeout time.Duration) (string, error) {
	if !e.Available() {
		return "", &EngineError{Engine: docx2pdfName, Reason: "executable not found"}
	}
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return "", &EngineError{Engine: docx2pdfName, Reason: "failed to prepare output dir", Err: err}
	}

	outputPath := OutputPath(inputPath, outputDir)
	out, err := runCommand(ctx, docx2pdfName, timeout, e.path, inputPath, outputPath)
	if err != nil {
		return "", err
	}
	if err := checkOutput(docx2pdfName, outputPath, out); err != nil {
		return "", err
	}
	return outputPath, nil
}

var _ Engine = (*Docx2PDF)(nil)
