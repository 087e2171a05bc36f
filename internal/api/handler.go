// Package api はアップロード・状態照会・ダウンロードの HTTP ハンドラーを提供します。
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/cloud-render/internal/jobs"
	"github.com/yourusername/cloud-render/internal/storage"
)

const (
	filenameHeader  = "X-Filename"
	defaultFilename = "data.zip"
)

// Archives はハンドラーが利用するアーカイブストアの操作です。
type Archives interface {
	Put(ctx context.Context, id string, r io.Reader) (string, int64, error)
	Remove(id string) error
	ArtifactPath(id string) (string, error)
	List() ([]storage.Artifact, error)
}

// Jobs はジョブの投入と照会を行います。
type Jobs interface {
	Submit(ctx context.Context, jobID, archiveName string) (jobs.Job, error)
	Lookup(ctx context.Context, jobID string) (*jobs.Snapshot, bool, error)
	Stats() (queued, processing int)
}

// Options はハンドラーの設定です。
type Options struct {
	MaxUploadBytes int64
	PublicBaseURL  string
	Service        string
	Version        string
	Logger         logrus.FieldLogger
	// NewID はジョブIDの生成方法です。nil なら storage.NewJobID を使います。
	NewID func() (string, error)
}

// Handler は HTTP ハンドラー群です。
type Handler struct {
	archives Archives
	jobs     Jobs
	opts     Options
	logger   logrus.FieldLogger
}

// NewHandler は Handler を作成します。
func NewHandler(archives Archives, jobs Jobs, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.NewID == nil {
		opts.NewID = storage.NewJobID
	}
	if opts.Service == "" {
		opts.Service = "cloud-render-api"
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	return &Handler{
		archives: archives,
		jobs:     jobs,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Register はルーティングを登録します。operator は /list に適用するミドルウェアです（nil 可）。
func (h *Handler) Register(r gin.IRouter, operator gin.HandlerFunc) {
	r.GET("/health", h.Health)
	r.POST("/upload", h.Upload)
	r.GET("/status/:id", h.Status)
	r.GET("/download/:id", h.Download)
	if operator != nil {
		r.GET("/list", operator, h.List)
	} else {
		r.GET("/list", h.List)
	}
}

// Health は GET /health のハンドラーです。
func (h *Handler) Health(c *gin.Context) {
	queued, processing := h.jobs.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"service":    h.opts.Service,
		"version":    h.opts.Version,
		"queued":     queued,
		"processing": processing,
	})
}

// Upload は POST /upload のハンドラーです。
// リクエストボディをそのままアーカイブとして保存し、ジョブをキューに投入します。
func (h *Handler) Upload(c *gin.Context) {
	if max := h.opts.MaxUploadBytes; max > 0 {
		if c.Request.ContentLength > max {
			respondWithError(c, errUploadTooLarge)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
	}

	name := sanitizeFilename(c.GetHeader(filenameHeader))
	id, err := h.opts.NewID()
	if err != nil {
		h.logger.WithError(err).Error("ジョブIDの生成に失敗しました")
		respondWithError(c, err)
		return
	}
	log := h.logger.WithFields(logrus.Fields{"job_id": id, "filename": name})

	_, size, err := h.archives.Put(c.Request.Context(), id, c.Request.Body)
	if err != nil {
		log.WithError(err).Error("アップロードの保存に失敗しました")
		respondWithError(c, classifyUploadError(err))
		return
	}

	if _, err := h.jobs.Submit(c.Request.Context(), id, name); err != nil {
		log.WithError(err).Error("ジョブの投入に失敗しました")
		if rmErr := h.archives.Remove(id); rmErr != nil {
			log.WithError(rmErr).Warn("アーカイブの削除に失敗しました")
		}
		if errors.Is(err, jobs.ErrQueueClosed) {
			err = errShuttingDown
		}
		respondWithError(c, err)
		return
	}
	log.WithField("size", size).Info("アップロードを受け付けました")

	c.JSON(http.StatusOK, gin.H{
		"status":       "success",
		"message":      "Upload complete",
		"unique_id":    id,
		"filename":     name,
		"size":         size,
		"status_url":   h.url("/status/" + id),
		"download_url": h.url("/download/" + id),
	})
}

// Status は GET /status/:id のハンドラーです。
func (h *Handler) Status(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if !storage.ValidJobID(id) {
		respondUnknown(c, id)
		return
	}

	snap, ok, err := h.jobs.Lookup(c.Request.Context(), id)
	if err != nil {
		h.logger.WithError(err).WithField("job_id", id).Error("ジョブ情報の取得に失敗しました")
		respondWithError(c, err)
		return
	}
	if !ok {
		respondUnknown(c, id)
		return
	}

	payload := gin.H{
		"unique_id":       snap.ID,
		"status":          snap.Status,
		"progress":        snap.Percent(),
		"current":         snap.Current,
		"total":           snap.Total,
		"total_estimated": snap.TotalEstimated,
	}
	if snap.QueuePosition != nil {
		payload["queue"] = *snap.QueuePosition
	}
	if snap.Error != "" {
		payload["error"] = snap.Error
	}
	if snap.Status == jobs.StatusCompleted {
		payload["download_url"] = h.url("/download/" + snap.ID)
	}
	c.JSON(http.StatusOK, payload)
}

// Download は GET /download/:id のハンドラーです。成果物が無ければ 404 を返します。
func (h *Handler) Download(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	path, err := h.archives.ArtifactPath(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondWithError(c, errArtifactNotFound)
			return
		}
		h.logger.WithError(err).WithField("job_id", id).Error("成果物の取得に失敗しました")
		respondWithError(c, err)
		return
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			respondWithError(c, errArtifactNotFound)
			return
		}
		respondWithError(c, err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		respondWithError(c, err)
		return
	}

	contentType, ext := "application/octet-stream", filepath.Ext(path)
	if mtype, err := mimetype.DetectReader(file); err == nil {
		contentType = mtype.String()
		if mtype.Extension() != "" {
			ext = mtype.Extension()
		}
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		respondWithError(c, err)
		return
	}

	filename := id + ext
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, url.PathEscape(filename)))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", id)
	c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
}

type listItem struct {
	UniqueID    string    `json:"unique_id"`
	DownloadURL string    `json:"download_url"`
	Size        int64     `json:"size"`
	Created     time.Time `json:"created"`
}

// List は GET /list のハンドラーです。成果物があるジョブを新しい順に返します。
func (h *Handler) List(c *gin.Context) {
	artifacts, err := h.archives.List()
	if err != nil {
		h.logger.WithError(err).Error("成果物の列挙に失敗しました")
		respondWithError(c, errListFailed)
		return
	}
	items := make([]listItem, 0, len(artifacts))
	for _, a := range artifacts {
		items = append(items, listItem{
			UniqueID:    a.JobID,
			DownloadURL: h.url("/download/" + a.JobID),
			Size:        a.Size,
			Created:     a.Created.UTC(),
		})
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) url(path string) string {
	return h.opts.PublicBaseURL + path
}

func respondUnknown(c *gin.Context, id string) {
	c.JSON(http.StatusNotFound, gin.H{
		"unique_id": id,
		"status":    jobs.StatusUnknown,
		"code":      errJobNotFound.Code,
		"message":   errJobNotFound.Message,
	})
}

// classifyUploadError は保存時のエラーをクライアント向けのエラーに変換します。
func classifyUploadError(err error) error {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return errUploadTooLarge
	case errors.Is(err, os.ErrPermission):
		return errUploadDenied
	case errors.Is(err, context.Canceled):
		return err
	default:
		return errUploadFailed
	}
}

// sanitizeFilename はヘッダーで渡されたファイル名から記録用の安全な名前を作ります。
func sanitizeFilename(raw string) string {
	name := strings.TrimSpace(raw)
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return defaultFilename
	}
	return name
}
