// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string `env:"PORT" envDefault:"8000"`      // APIサーバーのポート番号
	GinMode  string `env:"GIN_MODE" envDefault:"debug"` // Ginの実行モード (debug, release, test)
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"` // slog のログレベル

	// 成果物URLのベース（空なら /api/jobs/<id>/download を返す）
	JobResultBaseURL string `env:"JOB_RESULT_BASE_URL"`

	// CORS設定
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"` // CORS許可オリジン（カンマ区切り）

	// ワーカー/キュー設定
	MaxWorkers   int `env:"MAX_WORKERS" envDefault:"4"`     // 同時に実行する変換数の上限
	MaxQueueSize int `env:"MAX_QUEUE_SIZE" envDefault:"50"` // 待機キューの上限（超過分は即時拒否）

	// 変換設定（秒）
	ConversionTimeoutSeconds int `env:"CONVERSION_TIMEOUT" envDefault:"60"` // プライマリエンジン1回あたりのタイムアウト
	FallbackTimeoutSeconds   int `env:"FALLBACK_TIMEOUT" envDefault:"0"`    // フォールバックエンジンのタイムアウト（0はプライマリと同じ）

	// ファイル制限
	MaxFileSize int64  `env:"MAX_FILE_SIZE" envDefault:"52428800"` // 単一ファイルの最大サイズ（バイト）
	TempDir     string `env:"TEMP_DIR"`                            // 作業ディレクトリのルート

	// クリーンアップ設定（秒）
	CleanupIntervalSeconds int `env:"CLEANUP_INTERVAL" envDefault:"600"` // 掃除ループの間隔
	MaxFileAgeSeconds      int `env:"MAX_FILE_AGE" envDefault:"3600"`    // 終了ジョブの保持期間
	DownloadGraceSeconds   int `env:"DOWNLOAD_GRACE" envDefault:"60"`    // ダウンロード後に削除するまでの猶予

	// 変換エンジン設定
	LibreOfficePath string `env:"LIBREOFFICE_PATH"`                     // LibreOffice 実行ファイル（空なら自動検出）
	Docx2PDFPath    string `env:"DOCX2PDF_PATH" envDefault:"docx2pdf"` // フォールバック用 docx2pdf 実行ファイル

	// 通知設定
	RedisURL               string `env:"REDIS_URL"`                                      // ジョブイベント配信用Redis（空なら無効）
	RedisEventChannel      string `env:"REDIS_EVENT_CHANNEL" envDefault:"convert:events"` // Pub/Sub チャンネル名
	RedisStatusTTLSeconds  int    `env:"REDIS_STATUS_TTL" envDefault:"3600"`             // ミラーしたステータスの有効期限
	CallbackTimeoutSeconds int    `env:"CALLBACK_TIMEOUT" envDefault:"10"`               // コールバックURLへの送信タイムアウト

	ShutdownTimeoutSeconds int `env:"SHUTDOWN_TIMEOUT" envDefault:"30"` // グレースフルシャットダウンの猶予
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()

	// 必須設定のバリデーション
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Sanitize は読み込んだ値に下限などのガードレールを適用します。
func (c *Config) Sanitize() {
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 1
	}
	if c.MaxQueueSize < 0 {
		c.MaxQueueSize = 0
	}
	if c.ConversionTimeoutSeconds <= 0 {
		c.ConversionTimeoutSeconds = 60
	}
	if c.FallbackTimeoutSeconds <= 0 {
		c.FallbackTimeoutSeconds = c.ConversionTimeoutSeconds
	}
	if c.CleanupIntervalSeconds <= 0 {
		c.CleanupIntervalSeconds = 600
	}
	if c.DownloadGraceSeconds < 0 {
		c.DownloadGraceSeconds = 0
	}
	if c.CallbackTimeoutSeconds <= 0 {
		c.CallbackTimeoutSeconds = 10
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		c.ShutdownTimeoutSeconds = 30
	}
	if strings.TrimSpace(c.TempDir) == "" {
		c.TempDir = filepath.Join(os.TempDir(), "convert-forge")
	}
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.MaxFileAgeSeconds <= 0 {
		return fmt.Errorf("MAX_FILE_AGE must be positive")
	}
	if c.GinMode == "release" {
		if c.Docx2PDFPath == "" && c.LibreOfficePath == "" {
			return fmt.Errorf("LIBREOFFICE_PATH or DOCX2PDF_PATH is required in release mode")
		}
	}
	return nil
}

// ConversionTimeout はプライマリエンジンのタイムアウトを返します。
func (c *Config) ConversionTimeout() time.Duration {
	return time.Duration(c.ConversionTimeoutSeconds) * time.Second
}

// FallbackTimeout はフォールバックエンジンのタイムアウトを返します。
func (c *Config) FallbackTimeout() time.Duration {
	return time.Duration(c.FallbackTimeoutSeconds) * time.Second
}

// CleanupInterval は掃除ループの間隔を返します。
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// Retention は終了ジョブを保持する期間を返します。
func (c *Config) Retention() time.Duration {
	return time.Duration(c.MaxFileAgeSeconds) * time.Second
}

// DownloadGrace はダウンロード後に成果物を削除するまでの猶予を返します。
func (c *Config) DownloadGrace() time.Duration {
	return time.Duration(c.DownloadGraceSeconds) * time.Second
}

func (c *Config) RedisStatusTTL() time.Duration {
	return time.Duration(c.RedisStatusTTLSeconds) * time.Second
}

func (c *Config) CallbackTimeout() time.Duration {
	return time.Duration(c.CallbackTimeoutSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
