package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	// ErrEngineMissing はレンダーエンジンの実行ファイルが見つからないことを表します。
	ErrEngineMissing = errors.New("render: engine binary not found")
	// ErrProjectMissing はプロジェクトファイルが存在しないことを表します。
	ErrProjectMissing = errors.New("render: project file not found")
	// ErrEngineFailed はエンジンが異常終了したことを表します。
	ErrEngineFailed = errors.New("render: engine failed")
	// ErrNoOutput はエンジンが正常終了したのに成果物が無いことを表します。
	ErrNoOutput = errors.New("render: engine produced no output")
)

const stagingDirName = ".rendering"

// ProgressSink はレンダリング中の進捗の書き込み先です。
type ProgressSink interface {
	// Begin は総フレーム数を一度だけ設定します。
	Begin(total int, estimated bool)
	// Advance は現在フレーム数を更新します。
	Advance(current int)
}

// Request は1ジョブ分のレンダリング要求です。
type Request struct {
	JobID       string
	ProjectPath string
	OutputPath  string
	WorkDir     string
}

// Supervisor は外部レンダーエンジンの起動と進捗推定を担います。
type Supervisor struct {
	enginePath string
	runner     Runner
	matcher    *Matcher
	timeout    time.Duration
	echoEvery  time.Duration
	logger     logrus.FieldLogger
	lookPath   func(string) (string, error)
}

// SupervisorOption は Supervisor の設定を変更します。
type SupervisorOption func(*Supervisor)

// WithRunner はプロセス実行の実装を差し替えます。
func WithRunner(r Runner) SupervisorOption {
	return func(s *Supervisor) {
		if r != nil {
			s.runner = r
		}
	}
}

// WithMatcher は進捗の認識パターンを差し替えます。
func WithMatcher(m *Matcher) SupervisorOption {
	return func(s *Supervisor) {
		if m != nil {
			s.matcher = m
		}
	}
}

// WithTimeout は1ジョブあたりの制限時間を設定します（0 は無制限）。
func WithTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger はロガーを設定します。
func WithLogger(l logrus.FieldLogger) SupervisorOption {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSupervisor は Supervisor を作成します。
func NewSupervisor(enginePath string, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		enginePath: enginePath,
		runner:     ExecRunner{},
		matcher:    NewMatcher(),
		echoEvery:  time.Second,
		logger:     logrus.StandardLogger(),
		lookPath:   exec.LookPath,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Render はプロジェクトをレンダリングし、進捗を sink に書き込みます。
// エンジンやプロジェクトが無い場合はプロセスを起動する前にエラーを返します。
func (s *Supervisor) Render(ctx context.Context, req Request, sink ProgressSink) error {
	if sink == nil {
		return fmt.Errorf("sink is nil")
	}
	log := s.logger.WithField("job_id", req.JobID)

	if info, err := os.Stat(req.ProjectPath); err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrProjectMissing, req.ProjectPath)
	}
	binary, err := s.lookPath(s.enginePath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEngineMissing, s.enginePath, err)
	}

	estimate, err := EstimateTotalFrames(req.ProjectPath)
	if err != nil {
		return err
	}
	if !estimate.Estimated {
		log.Warn("プロジェクトから総フレーム数を見積もれないため total=1 で進捗を扱います")
	}
	sink.Begin(estimate.Total, estimate.Estimated)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	// エンジンは途中経過を書き出すため、成功するまでは作業用パスに出力させる
	staging := stagingPath(req.OutputPath)
	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		return fmt.Errorf("failed to prepare output directory: %w", err)
	}
	defer os.RemoveAll(filepath.Dir(staging))

	cmd := Command{
		Binary: binary,
		Args:   engineArgs(req.ProjectPath, staging),
		Dir:    req.WorkDir,
	}
	log.WithFields(logrus.Fields{
		"engine": binary,
		"total":  estimate.Total,
	}).Info("レンダリングを開始します")

	// ログ出力だけを間引く。進捗の更新は毎行行う。
	echo := &rate.Sometimes{Interval: s.echoEvery}
	var lastLine string
	current := 0
	runErr := s.runner.Run(ctx, cmd, func(line string) {
		lastLine = line
		if v, ok := s.matcher.Match(line); ok {
			current = v
			sink.Advance(v)
		}
		echo.Do(func() {
			log.WithFields(logrus.Fields{
				"current": current,
				"total":   estimate.Total,
				"percent": Percent(current, estimate.Total),
			}).Info(line)
		})
	})
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ErrEngineFailed, ctxErr)
		}
		if lastLine != "" {
			return fmt.Errorf("%w: %v: %s", ErrEngineFailed, runErr, lastLine)
		}
		return fmt.Errorf("%w: %v", ErrEngineFailed, runErr)
	}

	if info, err := os.Stat(staging); err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrNoOutput, req.OutputPath)
	}
	if err := os.Rename(staging, req.OutputPath); err != nil {
		return fmt.Errorf("failed to publish output: %w", err)
	}
	log.Info("レンダリングが完了しました")
	return nil
}

// stagingPath はレンダリング中の出力先です。コンテナ形式は拡張子で決まるのでファイル名は変えません。
func stagingPath(outputPath string) string {
	return filepath.Join(filepath.Dir(outputPath), stagingDirName, filepath.Base(outputPath))
}

func engineArgs(projectPath, outputPath string) []string {
	return []string{
		projectPath,
		"-progress",
		"-consumer",
		"avformat:" + outputPath,
	}
}

// Percent は current/total を 0-100 の整数（切り捨て）に変換します。
func Percent(current, total int) int {
	if total <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	if current <= 0 {
		return 0
	}
	return current * 100 / total
}
