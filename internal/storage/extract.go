package storage

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrInvalidArchive はアーカイブが zip として読めないことを表します。
	ErrInvalidArchive = errors.New("storage: invalid archive")
	// ErrProjectMissing は展開後にプロジェクトファイルが見つからないことを表します。
	ErrProjectMissing = errors.New("storage: project file missing from archive")
)

// Extract はアーカイブをジョブの作業ディレクトリに展開し、そのパスを返します。
// zip でない場合は ErrInvalidArchive、必須のプロジェクトファイルが無い場合は ErrProjectMissing を返します。
func (l *Local) Extract(archivePath, id string) (string, error) {
	if !ValidJobID(id) {
		return "", ErrInvalidJobID
	}

	mtype, err := mimetype.DetectFile(archivePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(archivePath))
		}
		return "", fmt.Errorf("アーカイブの判定に失敗しました: %w", err)
	}
	if !isZip(mtype) {
		return "", fmt.Errorf("%w: detected %s", ErrInvalidArchive, mtype.String())
	}

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer reader.Close()

	dir := l.JobDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
	}

	for _, f := range reader.File {
		if err := extractEntry(dir, f); err != nil {
			return "", err
		}
	}

	info, err := os.Stat(l.ProjectPath(id))
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrProjectMissing, l.projectFilename)
	}
	return dir, nil
}

func extractEntry(dir string, f *zip.File) error {
	name := filepath.FromSlash(f.Name)
	target := filepath.Join(dir, name)
	// zip slip 対策: 展開先は必ず作業ディレクトリ配下
	if target != dir && !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
		return fmt.Errorf("%w: illegal entry path %q", ErrInvalidArchive, f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if !f.Mode().IsRegular() {
		return fmt.Errorf("%w: unsupported entry %q", ErrInvalidArchive, f.Name)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("ディレクトリの作成に失敗しました: %w", err)
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("展開先ファイルの作成に失敗しました: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	return dst.Close()
}

// isZip は検出結果か、その親の MIME タイプが zip かを判定します（jar や docx も zip として扱う）。
func isZip(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}
