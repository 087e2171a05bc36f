// Package jobs はレンダージョブのキュー、状態レジストリ、常駐ワーカーを提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	historyTimeout       = 2 * time.Second
	restartInterruptNote = "interrupted by server restart"
)

// Manager はジョブの投入と状態照会、ワーカーの起動停止をまとめます。
type Manager struct {
	queue    *Queue
	registry *Registry
	worker   *Worker
	history  History
	writer   *historyWriter
	logger   logrus.FieldLogger

	startOnce sync.Once
	cancelMu  sync.Mutex
	cancel    context.CancelFunc
}

// ManagerOption は Manager の設定を変更します。
type ManagerOption func(*managerOptions)

type managerOptions struct {
	history History
	logger  logrus.FieldLogger
	clock   func() time.Time
}

// WithHistory はジョブ記録の永続化先を設定します。
func WithHistory(h History) ManagerOption {
	return func(o *managerOptions) {
		o.history = h
	}
}

// WithManagerLogger はロガーを設定します。
func WithManagerLogger(l logrus.FieldLogger) ManagerOption {
	return func(o *managerOptions) {
		o.logger = l
	}
}

// WithManagerClock は時刻の取得元を差し替えます。
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(o *managerOptions) {
		o.clock = now
	}
}

// NewManager は Manager を初期化します。
func NewManager(archives Archives, renderer Renderer, opts ...ManagerOption) (*Manager, error) {
	if archives == nil {
		return nil, errors.New("archives is nil")
	}
	if renderer == nil {
		return nil, errors.New("renderer is nil")
	}
	o := managerOptions{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		queue:   NewQueue(),
		history: o.history,
		logger:  o.logger,
	}
	regOpts := []RegistryOption{WithClock(o.clock)}
	if m.history != nil {
		m.writer = newHistoryWriter(m.history, m.logger)
		regOpts = append(regOpts, WithTransitionHook(m.writer.save))
	}
	m.registry = NewRegistry(regOpts...)
	m.worker = NewWorker(m.queue, m.registry, archives, renderer, m.logger)
	return m, nil
}

// StartWorkers はワーカーをバックグラウンドで起動します。二度目以降の呼び出しは何もしません。
func (m *Manager) StartWorkers(ctx context.Context) {
	m.startOnce.Do(func() {
		workerCtx, cancel := context.WithCancel(ctx)
		m.cancelMu.Lock()
		m.cancel = cancel
		m.cancelMu.Unlock()
		m.worker.Start(workerCtx)
	})
}

// Shutdown はキューを閉じ、実行中のレンダリングを中断してワーカーの終了を待ちます。
// 最後にジョブ履歴の書き込みを終えます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.queue.Close()
	m.cancelMu.Lock()
	cancel := m.cancel
	m.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if m.worker.Started() {
		select {
		case <-m.worker.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.writer != nil {
		return m.writer.close(ctx)
	}
	return nil
}

// Submit はアップロード済みのジョブを登録してキューに投入します。
func (m *Manager) Submit(ctx context.Context, jobID, archiveName string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	job, err := m.registry.Register(jobID, archiveName)
	if err != nil {
		return Job{}, err
	}
	if err := m.queue.Enqueue(jobID); err != nil {
		m.registry.Forget(jobID)
		if m.writer != nil {
			m.writer.remove(jobID)
		}
		return Job{}, fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return job, nil
}

// Lookup はジョブの状態を返します。メモリ上に無い場合は履歴を参照し、どちらにも無ければ false を返します。
func (m *Manager) Lookup(ctx context.Context, jobID string) (*Snapshot, bool, error) {
	if job, ok := m.registry.Get(jobID); ok {
		snap := &Snapshot{Job: job}
		if job.Status == StatusQueued {
			if pos, ok := m.queue.PositionOf(jobID); ok {
				snap.QueuePosition = &pos
			}
		}
		return snap, true, nil
	}

	if m.history == nil {
		return nil, false, nil
	}
	job, err := m.history.Get(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if job == nil {
		return nil, false, nil
	}
	if !job.Status.Terminal() {
		// 以前のプロセスで処理待ち・処理中だったジョブはもう進まない
		job.Status = StatusFailed
		job.Current = 0
		job.Total = 1
		job.TotalEstimated = false
		job.Error = restartInterruptNote
	}
	return &Snapshot{Job: *job}, true, nil
}

// Removable は保持期間による削除の対象にできるかを返します。実行中・待機中のジョブは対象外です。
func (m *Manager) Removable(jobID string) bool {
	status := m.registry.Status(jobID)
	return status == StatusUnknown || status.Terminal()
}

// Release は保持期間で削除した終了済みジョブの記録をメモリと履歴から取り除きます。
func (m *Manager) Release(jobID string) {
	m.registry.Release(jobID)
	if m.writer != nil {
		m.writer.remove(jobID)
	}
}

// Stats はキュー待ち件数と処理中件数を返します。
func (m *Manager) Stats() (queued, processing int) {
	counts := m.registry.Counts()
	return m.queue.Len(), counts[StatusProcessing]
}

// Registry は状態レジストリを返します。
func (m *Manager) Registry() *Registry {
	return m.registry
}
