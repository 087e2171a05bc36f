package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const historyBacklog = 256

type historyOp struct {
	job    Job
	delete bool
}

// historyWriter はジョブ記録の保存と削除を1本のゴルーチンで投入順に実行します。
// 呼び出し側は Redis の応答を待ちません。
type historyWriter struct {
	history History
	logger  logrus.FieldLogger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	ops    chan historyOp
	done   chan struct{}
}

func newHistoryWriter(history History, logger logrus.FieldLogger) *historyWriter {
	w := &historyWriter{
		history: history,
		logger:  logger,
		timeout: historyTimeout,
		ops:     make(chan historyOp, historyBacklog),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *historyWriter) save(job Job) {
	w.send(historyOp{job: job})
}

func (w *historyWriter) remove(id string) {
	w.send(historyOp{job: Job{ID: id}, delete: true})
}

func (w *historyWriter) send(op historyOp) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.WithField("job_id", op.job.ID).Debug("停止後のためジョブ履歴を更新しません")
		return
	}
	w.ops <- op
}

func (w *historyWriter) run() {
	defer close(w.done)
	for op := range w.ops {
		w.apply(op)
	}
}

func (w *historyWriter) apply(op historyOp) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	log := w.logger.WithField("job_id", op.job.ID)
	if op.delete {
		if err := w.history.Delete(ctx, op.job.ID); err != nil {
			log.WithError(err).Warn("ジョブ履歴の削除に失敗しました")
		}
		return
	}
	if err := w.history.Save(ctx, op.job); err != nil {
		log.WithError(err).Warn("ジョブ履歴の保存に失敗しました")
	}
}

// close は以降の更新を拒否し、溜まっている更新を書き終えるまで待ちます。
func (w *historyWriter) close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ops)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
