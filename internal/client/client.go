// Package client はレンダーサーバーの HTTP API を呼び出すクライアントです。
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrJobFailed はジョブが error 状態で終了したことを表します。
var ErrJobFailed = errors.New("client: render job failed")

// HTTPDoer はクライアントが使う HTTP 実行部分です。
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProgressFunc は転送済みバイト数と総バイト数（不明なら -1）を受け取ります。
type ProgressFunc func(done, total int64)

// UploadResult は POST /upload の応答です。
type UploadResult struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	UniqueID    string `json:"unique_id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	StatusURL   string `json:"status_url"`
	DownloadURL string `json:"download_url"`
}

// Status は GET /status/{id} の応答です。
type Status struct {
	UniqueID       string `json:"unique_id"`
	Status         string `json:"status"`
	Progress       int    `json:"progress"`
	Current        int    `json:"current"`
	Total          int    `json:"total"`
	TotalEstimated bool   `json:"total_estimated"`
	Queue          *int   `json:"queue,omitempty"`
	Error          string `json:"error,omitempty"`
	DownloadURL    string `json:"download_url,omitempty"`
}

// Terminal は終了状態かどうかを返します。
func (s *Status) Terminal() bool {
	return s.Status == "completed" || s.Status == "error"
}

// Artifact は GET /list の要素です。
type Artifact struct {
	UniqueID    string    `json:"unique_id"`
	DownloadURL string    `json:"download_url"`
	Size        int64     `json:"size"`
	Created     time.Time `json:"created"`
}

// APIError はサーバーがエラー応答を返したことを表します。
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("render server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("render server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound は err が 404 応答かどうかを返します。
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client はレンダーサーバーのクライアントです。
type Client struct {
	baseURL  string
	http     HTTPDoer
	username string
	password string
}

// Option は Client の設定を変更します。
type Option func(*Client)

// WithHTTPClient は HTTP 実行部分を差し替えます。
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.http = doer
		}
	}
}

// WithOperator は /list 用の Basic 認証情報を設定します。
func WithOperator(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// New は baseURL（例: http://render.example:5000）に対する Client を作成します。
func New(baseURL string, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid render server url %q", baseURL)
	}
	c := &Client{
		baseURL: base,
		http:    &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL はサーバーのベースURLを返します。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Upload はアーカイブファイルを送信します。ファイル名は X-Filename ヘッダーで渡します。
func (c *Client) Upload(ctx context.Context, archivePath string, progress ProgressFunc) (*UploadResult, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	var body io.Reader = f
	if progress != nil {
		body = &progressReader{r: f, total: info.Size(), fn: progress}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", body)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", filepath.Base(archivePath))

	var result UploadResult
	if err := c.doJSON(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status はジョブの状態を取得します。未知のIDでも状態 unknown の Status を返します。
func (c *Client) Status(ctx context.Context, id string) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	var st Status
	err = c.doJSON(req, &st)
	if IsNotFound(err) {
		return &Status{UniqueID: id, Status: "unknown"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Download は成果物を w に書き出し、書き込んだバイト数を返します。
func (c *Client) Download(ctx context.Context, id string, w io.Writer, progress ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/download/"+url.PathEscape(id), nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}

	var src io.Reader = resp.Body
	if progress != nil {
		src = &progressReader{r: resp.Body, total: resp.ContentLength, fn: progress}
	}
	n, err := io.Copy(w, src)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", id, err)
	}
	return n, nil
}

// DownloadToFile は成果物を dest に保存します。途中で失敗した場合は dest を残しません。
func (c *Client) DownloadToFile(ctx context.Context, id, dest string, progress ProgressFunc) (n int64, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if n, err = c.Download(ctx, id, tmp, progress); err != nil {
		return n, err
	}
	if err = tmp.Close(); err != nil {
		return n, err
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		return n, err
	}
	return n, nil
}

// List は成果物の一覧を取得します。
func (c *Client) List(ctx context.Context) ([]Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/list", nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	var items []Artifact
	if err := c.doJSON(req, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// WaitForCompletion は終了状態になるまで interval ごとに状態を取得します。
// onUpdate は取得のたびに呼ばれます。error で終わった場合は ErrJobFailed を返します。
func (c *Client) WaitForCompletion(ctx context.Context, id string, interval time.Duration, onUpdate func(*Status)) (*Status, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(st)
		}
		switch st.Status {
		case "completed":
			return st, nil
		case "error":
			return st, fmt.Errorf("%w: %s", ErrJobFailed, st.Error)
		case "unknown":
			return st, fmt.Errorf("job %s is unknown to the server", id)
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) doJSON(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, apiErr)
	return apiErr
}

type progressReader struct {
	r     io.Reader
	total int64
	done  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.fn(p.done, p.total)
	}
	return n, err
}
