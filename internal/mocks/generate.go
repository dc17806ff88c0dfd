// Package mocks はテスト用の gomock 実装を提供します。
//
// インターフェースを変更した場合は次のコマンドで再生成します。
//
//	go generate ./internal/mocks
package mocks

// Engine: Name, Available, Convert
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=engine_mock.go github.com/yourusername/convert-forge/internal/engine Engine

// OutputVerifier: Verify
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=verifier_mock.go github.com/yourusername/convert-forge/internal/jobs OutputVerifier
