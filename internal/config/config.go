// Package config は環境変数から設定を読み込み、レンダーサーバー全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード設定
	StorageDir       string // ジョブごとのディレクトリを置くルート
	MaxUploadBytes   int64  // アップロード1件あたりの上限（バイト）
	UploadChunkBytes int    // ストリーム書き込みのチャンクサイズ
	PublicBaseURL    string // download_url の組み立てに使うベースURL

	// レンダリング設定
	MeltPath             string // レンダーエンジン (melt) の実行ファイルパス
	ProjectFilename      string // アーカイブ内に必須のプロジェクトファイル名
	OutputFilename       string // 成果物のファイル名
	RenderTimeoutMinutes int    // 1ジョブあたりのレンダリング上限（0で無制限）

	// ジョブ履歴・保持設定
	HistoryRedisURL        string // 設定時のみ Redis にジョブ履歴を保存
	JobHistoryTTLHours     int    // Redis 上の履歴の保持時間
	ArtifactRetentionHours int    // 終了済みジョブディレクトリの保持時間（0で削除しない）

	// ログ設定
	LogLevel  string // logrus のレベル
	LogFormat string // text または json

	// 運用エンドポイント用の認証
	OperatorUsername     string // /list を保護するユーザー名（空なら保護しない）
	OperatorPasswordHash string // bcryptでハッシュ化されたパスワード
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:    getEnv("PORT", "5000"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		StorageDir:       getEnv("STORAGE_DIR", "/data/rendering"),
		MaxUploadBytes:   getEnvAsInt64("MAX_UPLOAD_BYTES", 60*1024*1024*1024), // 60GB
		UploadChunkBytes: getEnvAsInt("UPLOAD_CHUNK_BYTES", 10*1024*1024),      // 10MB
		PublicBaseURL:    getEnv("PUBLIC_BASE_URL", ""),

		MeltPath:             getEnv("MELT_PATH", "melt"),
		ProjectFilename:      getEnv("PROJECT_FILENAME", "cloud_rendering.mlt"),
		OutputFilename:       getEnv("OUTPUT_FILENAME", "output.mp4"),
		RenderTimeoutMinutes: getEnvAsInt("RENDER_TIMEOUT_MINUTES", 0),

		HistoryRedisURL:        getEnv("HISTORY_REDIS_URL", ""),
		JobHistoryTTLHours:     getEnvAsInt("JOB_HISTORY_TTL_HOURS", 168),
		ArtifactRetentionHours: getEnvAsInt("ARTIFACT_RETENTION_HOURS", 0),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		OperatorUsername:     getEnv("OPERATOR_USERNAME", ""),
		OperatorPasswordHash: getEnv("OPERATOR_PASSWORD_HASH", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
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

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.UploadChunkBytes <= 0 {
		return fmt.Errorf("UPLOAD_CHUNK_BYTES must be positive")
	}
	if c.ProjectFilename == "" || filepath.Base(c.ProjectFilename) != c.ProjectFilename {
		return fmt.Errorf("PROJECT_FILENAME must be a plain file name")
	}
	if c.OutputFilename == "" || filepath.Base(c.OutputFilename) != c.OutputFilename {
		return fmt.Errorf("OUTPUT_FILENAME must be a plain file name")
	}
	if c.OperatorUsername != "" && c.OperatorPasswordHash == "" {
		return fmt.Errorf("OPERATOR_PASSWORD_HASH is required when OPERATOR_USERNAME is set")
	}

	// 本番環境では実行に必要な値を厳格にチェックする
	if c.GinMode == "release" {
		if c.StorageDir == "" {
			return fmt.Errorf("STORAGE_DIR is required in release mode")
		}
		if c.MeltPath == "" {
			return fmt.Errorf("MELT_PATH is required in release mode")
		}
	}

	return nil
}

// RenderTimeout はレンダリングの制限時間を返します（0 は無制限）。
func (c *Config) RenderTimeout() time.Duration {
	if c.RenderTimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(c.RenderTimeoutMinutes) * time.Minute
}

// HistoryTTL は Redis 上のジョブ履歴の有効期限を返します。
func (c *Config) HistoryTTL() time.Duration {
	hours := c.JobHistoryTTLHours
	if hours <= 0 {
		hours = 168
	}
	return time.Duration(hours) * time.Hour
}

// ArtifactRetention は成果物の保持期間を返します（0 は削除しない）。
func (c *Config) ArtifactRetention() time.Duration {
	if c.ArtifactRetentionHours <= 0 {
		return 0
	}
	return time.Duration(c.ArtifactRetentionHours) * time.Hour
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
