package api

import (
	"context"
	"errors"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error は API が返すエラーです。Status は HTTP ステータスコードです。
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func newError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

var (
	errJobNotFound      = newError(http.StatusNotFound, "JOB_NOT_FOUND", "指定されたジョブは存在しません。")
	errArtifactNotFound = newError(http.StatusNotFound, "JOB_RESULT_NOT_FOUND", "ジョブの成果物が見つかりませんでした。")
	errUploadTooLarge   = newError(http.StatusRequestEntityTooLarge, "LIMIT_EXCEEDED", "アップロードサイズが上限を超えています。")
	errUploadDenied     = newError(http.StatusForbidden, "PERMISSION_DENIED", "アップロード先に書き込む権限がありません。")
	errUploadFailed     = newError(http.StatusInternalServerError, "UPLOAD_FAILED", "アップロードの保存に失敗しました。")
	errListFailed       = newError(http.StatusInternalServerError, "LIST_FAILED", "成果物の列挙に失敗しました。")
	errShuttingDown     = newError(http.StatusServiceUnavailable, "SHUTTING_DOWN", "サーバーは停止処理中です。")
)

// respondWithError はエラーを {status, code, message} 形式の JSON で返します。
func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &maxErr):
		apiErr = errUploadTooLarge
	case errors.Is(err, fs.ErrPermission):
		apiErr = errUploadDenied
	case errors.Is(err, context.Canceled):
		apiErr = newError(http.StatusRequestTimeout, "REQUEST_CANCELED", "リクエストがキャンセルされました。")
	default:
		apiErr = newError(http.StatusInternalServerError, "INTERNAL_ERROR", "サーバー内部でエラーが発生しました。")
	}
	c.AbortWithStatusJSON(apiErr.Status, gin.H{
		"status":  "error",
		"code":    apiErr.Code,
		"message": apiErr.Message,
	})
}
