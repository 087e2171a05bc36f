package jobs

import (
	"time"

	"github.com/yourusername/cloud-render/internal/render"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "error"
	// StatusUnknown はレジストリが一度も観測していないIDに対する状態です。
	StatusUnknown Status = "unknown"
)

// Terminal は終了状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job はジョブの現在状態のスナップショットです。
type Job struct {
	ID             string    `json:"unique_id"`
	Status         Status    `json:"status"`
	Current        int       `json:"current"`
	Total          int       `json:"total"`
	TotalEstimated bool      `json:"total_estimated"`
	ArchiveName    string    `json:"archive_name,omitempty"`
	ArtifactPath   string    `json:"artifact_path,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Percent は進捗を 0-100 の整数で返します。
func (j Job) Percent() int {
	return render.Percent(j.Current, j.Total)
}

// Snapshot はステータス照会の結果です。QueuePosition はキュー待ちの間だけ設定されます。
type Snapshot struct {
	Job
	QueuePosition *int
}
