// Package storage はジョブIDをキーとしたディスク上のアーカイブ保管領域を提供します。
//
// レイアウト:
//
//	<root>/<jobID>.zip          アップロードされたアーカイブ
//	<root>/<jobID>/             展開先の作業ディレクトリ
//	<root>/<jobID>/<output>     レンダリング成果物
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	archiveExt       = ".zip"
	defaultChunkSize = 10 * 1024 * 1024
	jobIDLength      = 32
)

var (
	// ErrNotFound は対象のファイルが存在しないことを表します。
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidJobID はジョブIDの形式が不正であることを表します。
	ErrInvalidJobID = errors.New("storage: invalid job id")
)

// Local はローカルディスク上のアーカイブストアです。
type Local struct {
	root            string
	chunkSize       int
	projectFilename string
	outputFilename  string
}

// Option は Local の設定を変更します。
type Option func(*Local)

// WithChunkSize はアップロード書き込み時のチャンクサイズを設定します。
func WithChunkSize(n int) Option {
	return func(l *Local) {
		if n > 0 {
			l.chunkSize = n
		}
	}
}

// WithProjectFilename は展開後に必須となるプロジェクトファイル名を設定します。
func WithProjectFilename(name string) Option {
	return func(l *Local) {
		if name != "" {
			l.projectFilename = name
		}
	}
}

// WithOutputFilename は成果物のファイル名を設定します。
func WithOutputFilename(name string) Option {
	return func(l *Local) {
		if name != "" {
			l.outputFilename = name
		}
	}
}

// NewLocal は Local を作成します。ルートディレクトリの作成は Init で行います。
func NewLocal(root string, opts ...Option) *Local {
	l := &Local{
		root:            root,
		chunkSize:       defaultChunkSize,
		projectFilename: "cloud_rendering.mlt",
		outputFilename:  "output.mp4",
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Init はルートディレクトリを作成します。
func (l *Local) Init() error {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("ストレージディレクトリの作成に失敗しました: %w", err)
	}
	return nil
}

// Root はルートディレクトリを返します。
func (l *Local) Root() string { return l.root }

// ProjectFilename は必須プロジェクトファイル名を返します。
func (l *Local) ProjectFilename() string { return l.projectFilename }

// NewJobID は推測困難な固定長の英数字IDを生成します。
func NewJobID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("ジョブIDの生成に失敗しました: %w", err)
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// ValidJobID は NewJobID が生成する形式かどうかを判定します。
func ValidJobID(id string) bool {
	if len(id) != jobIDLength {
		return false
	}
	for _, r := range id {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// ArchivePath はアップロードされたアーカイブの保存先を返します。
func (l *Local) ArchivePath(id string) string {
	return filepath.Join(l.root, id+archiveExt)
}

// JobDir はジョブの作業ディレクトリを返します。
func (l *Local) JobDir(id string) string {
	return filepath.Join(l.root, id)
}

// ProjectPath は展開後のプロジェクトファイルのパスを返します。
func (l *Local) ProjectPath(id string) string {
	return filepath.Join(l.JobDir(id), l.projectFilename)
}

// OutputPath は成果物の書き込み先を返します。
func (l *Local) OutputPath(id string) string {
	return filepath.Join(l.JobDir(id), l.outputFilename)
}

// Put はストリームをチャンク単位でアーカイブとして書き込み、保存先と書き込みバイト数を返します。
// 失敗時は書きかけのファイルを削除します。
func (l *Local) Put(ctx context.Context, id string, r io.Reader) (_ string, _ int64, err error) {
	if !ValidJobID(id) {
		return "", 0, ErrInvalidJobID
	}
	if r == nil {
		return "", 0, fmt.Errorf("reader is nil")
	}

	path := l.ArchivePath(id)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("アーカイブファイルの作成に失敗しました: %w", err)
	}
	defer func() {
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("アーカイブファイルのクローズに失敗しました: %w", closeErr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	buf := make([]byte, l.chunkSize)
	var written int64
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", written, ctxErr
		}
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return "", written, fmt.Errorf("アーカイブの書き込みに失敗しました: %w", err)
			}
			written += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return "", written, fmt.Errorf("アップロードの読み込みに失敗しました: %w", readErr)
		}
	}
	return path, written, nil
}

// HasArchive はアップロード済みアーカイブが存在するかを返します。
func (l *Local) HasArchive(id string) bool {
	info, err := os.Stat(l.ArchivePath(id))
	return err == nil && info.Mode().IsRegular()
}

// ArtifactPath は成果物が存在すればそのパスを返します。
func (l *Local) ArtifactPath(id string) (string, error) {
	if !ValidJobID(id) {
		return "", ErrNotFound
	}
	path := l.OutputPath(id)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return path, nil
}

// Artifact は完了済み成果物の一覧要素です。
type Artifact struct {
	JobID   string
	Path    string
	Size    int64
	Created time.Time
}

// List は成果物が存在するジョブを作成日時の新しい順に列挙します。
func (l *Local) List() ([]Artifact, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("ストレージの列挙に失敗しました: %w", err)
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !ValidJobID(entry.Name()) {
			continue
		}
		path := l.OutputPath(entry.Name())
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		artifacts = append(artifacts, Artifact{
			JobID:   entry.Name(),
			Path:    path,
			Size:    info.Size(),
			Created: info.ModTime(),
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Created.After(artifacts[j].Created)
	})
	return artifacts, nil
}

// Remove はジョブのアーカイブと作業ディレクトリを削除します。
func (l *Local) Remove(id string) error {
	if !ValidJobID(id) {
		return ErrInvalidJobID
	}
	var errs []error
	if err := os.Remove(l.ArchivePath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(l.JobDir(id)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Purge は cutoff より古いジョブのうち removable が true を返すものを削除し、削除したIDを返します。
func (l *Local) Purge(cutoff time.Time, removable func(id string) bool) ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("ストレージの列挙に失敗しました: %w", err)
	}

	seen := make(map[string]struct{})
	var removed []string
	var errs []error
	for _, entry := range entries {
		id := strings.TrimSuffix(entry.Name(), archiveExt)
		if !ValidJobID(id) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		seen[id] = struct{}{}
		if removable != nil && !removable(id) {
			continue
		}
		if err := l.Remove(id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		removed = append(removed, id)
	}
	return removed, errors.Join(errs...)
}
