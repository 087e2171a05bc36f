// Package packager はローカルの MLT プロジェクトをレンダーサーバーへ送るアーカイブにまとめます。
//
// producer / chain の resource プロパティを data/<ファイル名> に書き換えたプロジェクトを
// アーカイブ直下に置き、参照されているメディアを data/ 以下に格納します。
package packager

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"
)

const (
	DefaultProjectFilename = "cloud_rendering.mlt"
	DefaultArchiveFilename = "data.zip"
	resourceDir            = "data"
)

var (
	// ErrInvalidProject はプロジェクトファイルを XML として読めないことを表します。
	ErrInvalidProject = errors.New("packager: invalid project file")
	// ErrResourceMissing は参照されているメディアファイルが存在しないことを表します。
	ErrResourceMissing = errors.New("packager: resource file not found")
)

// Resource はアーカイブに格納するメディアファイルです。
type Resource struct {
	Source      string // ローカルの絶対パス
	ArchiveName string // アーカイブ内のパス (data/xxx)
}

// Result はパッケージングの結果です。
type Result struct {
	ProjectPath string
	ArchivePath string
	Resources   []Resource
}

// Packager はプロジェクトとメディアをアーカイブにまとめます。
type Packager struct {
	projectFilename string
	archiveFilename string
	logger          logrus.FieldLogger
}

// Option は Packager の設定を変更します。
type Option func(*Packager)

// WithProjectFilename はアーカイブ直下に置くプロジェクトファイル名を変更します。
func WithProjectFilename(name string) Option {
	return func(p *Packager) {
		if name != "" {
			p.projectFilename = name
		}
	}
}

// WithArchiveFilename は出力するアーカイブのファイル名を変更します。
func WithArchiveFilename(name string) Option {
	return func(p *Packager) {
		if name != "" {
			p.archiveFilename = name
		}
	}
}

// WithLogger はロガーを設定します。
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Packager) {
		if l != nil {
			p.logger = l
		}
	}
}

// New は Packager を作成します。
func New(opts ...Option) *Packager {
	p := &Packager{
		projectFilename: DefaultProjectFilename,
		archiveFilename: DefaultArchiveFilename,
		logger:          logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Package は projectPath を解析してパスを書き換え、同じディレクトリに
// 書き換え済みプロジェクトとアーカイブを作成します。既存のアーカイブは置き換えます。
func (p *Packager) Package(projectPath string) (*Result, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("project file not found: %s", abs)
	}
	workDir := filepath.Dir(abs)

	doc := etree.NewDocument()
	if err := doc.ReadFromFile(abs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProject, err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("%w: no root element", ErrInvalidProject)
	}

	resources, err := RewriteResources(doc, workDir)
	if err != nil {
		return nil, err
	}

	rewritten := filepath.Join(workDir, p.projectFilename)
	if rewritten == abs {
		return nil, fmt.Errorf("project file must not be named %s", p.projectFilename)
	}
	doc = withDeclaration(doc)
	if err := doc.WriteToFile(rewritten); err != nil {
		return nil, fmt.Errorf("書き換え済みプロジェクトの保存に失敗しました: %w", err)
	}

	archivePath := filepath.Join(workDir, p.archiveFilename)
	if err := p.writeArchive(archivePath, rewritten, resources); err != nil {
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"project":   rewritten,
		"archive":   archivePath,
		"resources": len(resources),
	}).Info("アーカイブを作成しました")

	return &Result{
		ProjectPath: rewritten,
		ArchivePath: archivePath,
		Resources:   resources,
	}, nil
}

var resourceTags = []string{"producer", "chain"}

// RewriteResources は最上位の producer / chain が持つ resource プロパティのうち
// ファイルパスであるものを data/<ファイル名> に書き換え、格納すべきファイルを返します。
// 名前はすべての producer を文書順に処理してから chain を処理する順で割り当てます。
// 同名ファイルは <stem>_<n><ext> に振り直し、同じファイルへの参照は同じ名前を共有します。
func RewriteResources(doc *etree.Document, baseDir string) ([]Resource, error) {
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: no root element", ErrInvalidProject)
	}

	var resources []Resource
	used := make(map[string]bool)
	bySource := make(map[string]string)

	var elems []*etree.Element
	for _, tag := range resourceTags {
		elems = append(elems, root.SelectElements(tag)...)
	}
	for _, elem := range elems {
		for _, prop := range elem.SelectElements("property") {
			if prop.SelectAttrValue("name", "") != "resource" {
				continue
			}
			src, ok := resolveResource(prop.Text(), baseDir)
			if !ok {
				continue
			}
			if arc, seen := bySource[src]; seen {
				prop.SetText(arc)
				continue
			}
			info, err := os.Stat(src)
			if err != nil || !info.Mode().IsRegular() {
				return nil, fmt.Errorf("%w: %s", ErrResourceMissing, src)
			}
			arc := path.Join(resourceDir, allocateName(path.Base(filepath.ToSlash(src)), used))
			bySource[src] = arc
			resources = append(resources, Resource{Source: src, ArchiveName: arc})
			prop.SetText(arc)
		}
	}
	return resources, nil
}

// resolveResource は resource の値がファイルパスなら絶対パスを返します。
// URL やファイルらしくない値（色指定など）は対象外です。
func resolveResource(value, baseDir string) (string, bool) {
	text := strings.Trim(strings.TrimSpace(value), `"`)
	if text == "" || strings.Contains(text, "://") {
		return "", false
	}
	slashed := strings.ReplaceAll(text, `\`, "/")
	if !strings.Contains(slashed, "/") && path.Ext(slashed) == "" {
		return "", false
	}
	p := filepath.FromSlash(slashed)
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	return filepath.Clean(p), true
}

// allocateName は used と衝突しないファイル名を割り当てます。
func allocateName(base string, used map[string]bool) string {
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	name := base
	for i := 1; used[name]; i++ {
		name = stem + "_" + strconv.Itoa(i) + ext
	}
	used[name] = true
	return name
}

func withDeclaration(doc *etree.Document) *etree.Document {
	for _, t := range doc.Child {
		if pi, ok := t.(*etree.ProcInst); ok && pi.Target == "xml" {
			return doc
		}
	}
	out := etree.NewDocument()
	out.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	out.SetRoot(doc.Root().Copy())
	return out
}

func (p *Packager) writeArchive(archivePath, projectPath string, resources []Resource) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(archivePath), ".package-*.zip")
	if err != nil {
		return fmt.Errorf("アーカイブの作成に失敗しました: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	zw := zip.NewWriter(tmp)
	for _, r := range resources {
		if err := addFile(zw, r.Source, r.ArchiveName); err != nil {
			return err
		}
	}
	if err := addFile(zw, projectPath, filepath.Base(projectPath)); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("アーカイブの書き込みに失敗しました: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("アーカイブのクローズに失敗しました: %w", err)
	}
	if err := os.Rename(tmp.Name(), archivePath); err != nil {
		return fmt.Errorf("アーカイブの配置に失敗しました: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%s を開けません: %w", src, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("%s の追加に失敗しました: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("%s の追加に失敗しました: %w", name, err)
	}
	return nil
}
