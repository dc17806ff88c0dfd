package engine

import (
	"fmt"
	"os"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// PDFVerifier はエンジンが生成したファイルが読み込めるPDFかを pdfcpu で確認します。
type PDFVerifier struct{}

// Verify は PDF のページ数を返します。読み込めない場合はエラーを返します。
func (PDFVerifier) Verify(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat output: %w", err)
	}
	if info.Size() == 0 {
		return 0, fmt.Errorf("output %s is empty", path)
	}
	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("invalid pdf output: %w", err)
	}
	if pages <= 0 {
		return 0, fmt.Errorf("pdf output has no pages")
	}
	return pages, nil
}
