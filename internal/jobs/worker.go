package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/cloud-render/internal/render"
)

// Archives はワーカーが利用するアーカイブストアの操作です。
type Archives interface {
	HasArchive(id string) bool
	ArchivePath(id string) string
	Extract(archivePath, id string) (string, error)
	ProjectPath(id string) string
	OutputPath(id string) string
}

// Renderer は1ジョブ分のレンダリングを実行します。
type Renderer interface {
	Render(ctx context.Context, req render.Request, sink render.ProgressSink) error
}

// Worker はキューからジョブを1件ずつ取り出して処理する、常駐のバックグラウンドループです。
// 1ジョブの失敗や panic でループが止まることはありません。
type Worker struct {
	queue    *Queue
	registry *Registry
	archives Archives
	renderer Renderer
	logger   logrus.FieldLogger

	once    sync.Once
	done    chan struct{}
	started chan struct{}
}

// NewWorker は Worker を作成します。
func NewWorker(queue *Queue, registry *Registry, archives Archives, renderer Renderer, logger logrus.FieldLogger) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		queue:    queue,
		registry: registry,
		archives: archives,
		renderer: renderer,
		logger:   logger,
		done:     make(chan struct{}),
		started:  make(chan struct{}),
	}
}

// Start はループをバックグラウンドで起動します。何度呼んでも起動は一度だけです。
func (w *Worker) Start(ctx context.Context) {
	w.once.Do(func() {
		close(w.started)
		go w.loop(ctx)
	})
}

// Done はループが終了すると閉じるチャネルを返します。
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Started は Start 済みかどうかを返します。
func (w *Worker) Started() bool {
	select {
	case <-w.started:
		return true
	default:
		return false
	}
}

const shutdownNote = "server shutting down"

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	defer w.stop()
	w.logger.Info("ワーカーを起動しました")
	for {
		id, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				w.logger.Info("ワーカーを停止しました")
				return
			}
			w.logger.WithError(err).Error("キューからの取り出しに失敗しました")
			continue
		}
		if ctx.Err() != nil {
			w.logger.WithField("job_id", id).Warn("停止中のため取り出したジョブを処理しません")
			w.fail(id, shutdownNote)
			return
		}
		w.process(ctx, id)
	}
}

// stop はキューを閉じて以降の投入を拒否し、取り出されずに残ったジョブを error にします。
func (w *Worker) stop() {
	w.queue.Close()
	for _, id := range w.queue.Drain() {
		w.logger.WithField("job_id", id).Warn("停止中のため待機中のジョブを処理しません")
		w.fail(id, shutdownNote)
	}
}

// process は1ジョブを最後まで処理します。すべてのエラーと panic を error 状態に変換します。
func (w *Worker) process(ctx context.Context, id string) {
	log := w.logger.WithField("job_id", id)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("ジョブ処理中に panic が発生しました: %v", r)
			w.fail(id, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if _, err := w.registry.Claim(id); err != nil {
		// 他のワーカーが取得済み、または登録が取り消されたジョブ
		log.WithError(err).Warn("ジョブを取得できませんでした")
		return
	}
	log.Info("ジョブの処理を開始します")

	if err := w.run(ctx, id); err != nil {
		log.WithError(err).Error("ジョブが失敗しました")
		w.fail(id, err.Error())
		return
	}

	job, err := w.registry.Complete(id, w.archives.OutputPath(id))
	if err != nil {
		log.WithError(err).Error("ジョブの完了記録に失敗しました")
		return
	}
	log.WithField("total", job.Total).Info("ジョブが完了しました")
}

func (w *Worker) run(ctx context.Context, id string) error {
	if !w.archives.HasArchive(id) {
		return fmt.Errorf("archive for %s not found", id)
	}
	dir, err := w.archives.Extract(w.archives.ArchivePath(id), id)
	if err != nil {
		return fmt.Errorf("アーカイブの展開に失敗しました: %w", err)
	}
	return w.renderer.Render(ctx, render.Request{
		JobID:       id,
		ProjectPath: w.archives.ProjectPath(id),
		OutputPath:  w.archives.OutputPath(id),
		WorkDir:     dir,
	}, &registrySink{registry: w.registry, id: id, logger: w.logger})
}

func (w *Worker) fail(id, reason string) {
	if _, err := w.registry.Fail(id, reason); err != nil {
		w.logger.WithError(err).WithField("job_id", id).Warn("ジョブの失敗記録に失敗しました")
	}
}

// registrySink はレンダリングの進捗をレジストリへ書き込みます。
type registrySink struct {
	registry *Registry
	id       string
	logger   logrus.FieldLogger
}

func (s *registrySink) Begin(total int, estimated bool) {
	if _, err := s.registry.Begin(s.id, total, estimated); err != nil {
		s.logger.WithError(err).WithField("job_id", s.id).Warn("総フレーム数を設定できませんでした")
	}
}

func (s *registrySink) Advance(current int) {
	s.registry.Advance(s.id, current)
}
