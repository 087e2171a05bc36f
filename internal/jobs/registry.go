package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrDuplicateJob は同じIDのジョブが既に登録されていることを表します。
	ErrDuplicateJob = errors.New("jobs: duplicate job id")
	// ErrUnknownJob はレジストリに存在しないIDであることを表します。
	ErrUnknownJob = errors.New("jobs: unknown job id")
	// ErrInvalidTransition は許可されていない状態遷移であることを表します。
	ErrInvalidTransition = errors.New("jobs: invalid state transition")
)

// Registry はジョブIDごとの状態機械を保持する、並行安全な唯一の状態ストアです。
// 遷移は queued → processing → completed|error の前進のみです。
type Registry struct {
	mu           sync.RWMutex
	jobs         map[string]*entry
	now          func() time.Time
	onTransition func(Job)
}

type entry struct {
	job        Job
	totalFixed bool
}

// RegistryOption は Registry の設定を変更します。
type RegistryOption func(*Registry)

// WithClock は時刻の取得元を差し替えます。
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTransitionHook は状態遷移のたびに呼ばれるフックを設定します。
// フックはロックの外で、遷移後のスナップショットを受け取ります。進捗の更新では呼ばれません。
func WithTransitionHook(fn func(Job)) RegistryOption {
	return func(r *Registry) {
		r.onTransition = fn
	}
}

// NewRegistry は Registry を作成します。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		jobs: make(map[string]*entry),
		now:  time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register は新しいジョブを queued として登録します。
func (r *Registry) Register(id, archiveName string) (Job, error) {
	if id == "" {
		return Job{}, fmt.Errorf("job id is required")
	}
	r.mu.Lock()
	if _, exists := r.jobs[id]; exists {
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	now := r.now().UTC()
	e := &entry{job: Job{
		ID:          id,
		Status:      StatusQueued,
		Current:     0,
		Total:       1,
		ArchiveName: archiveName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	r.jobs[id] = e
	snapshot := e.job
	r.mu.Unlock()

	r.notify(snapshot)
	return snapshot, nil
}

// Forget はキュー投入に失敗したジョブの登録を取り消します。queued のジョブのみ対象です。
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[id]; ok && e.job.Status == StatusQueued {
		delete(r.jobs, id)
	}
}

// Release は終了済みのジョブをレジストリから取り除きます。取り除いた場合は true を返します。
func (r *Registry) Release(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok || !e.job.Status.Terminal() {
		return false
	}
	delete(r.jobs, id)
	return true
}

// Claim は queued のジョブを processing に遷移させます。
// 既に他のワーカーが取得済み、または終了済みの場合は ErrInvalidTransition を返します。
func (r *Registry) Claim(id string) (Job, error) {
	return r.transition(id, func(e *entry, now time.Time) error {
		job := &e.job
		if job.Status != StatusQueued {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, job.Status)
		}
		job.Status = StatusProcessing
		job.StartedAt = now
		return nil
	})
}

// Begin は総フレーム数を設定します。総数は processing 中に一度だけ設定できます。
func (r *Registry) Begin(id string, total int, estimated bool) (Job, error) {
	return r.transition(id, func(e *entry, now time.Time) error {
		job := &e.job
		if job.Status != StatusProcessing {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, job.Status)
		}
		if e.totalFixed {
			return fmt.Errorf("%w: total already fixed for %s", ErrInvalidTransition, id)
		}
		e.totalFixed = true
		if total < 1 {
			total = 1
			estimated = false
		}
		job.Total = total
		job.TotalEstimated = estimated
		return nil
	})
}

// Advance は現在フレーム数を更新します。値は単調非減少で、総数を超えません。
// processing 以外のジョブに対しては何もしません。
func (r *Registry) Advance(id string, current int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok || e.job.Status != StatusProcessing {
		return
	}
	job := &e.job
	if current > job.Total {
		current = job.Total
	}
	if current <= job.Current {
		return
	}
	job.Current = current
	job.UpdatedAt = r.now().UTC()
}

// Complete は processing のジョブを completed にし、現在値を総数に揃えます。
func (r *Registry) Complete(id, artifactPath string) (Job, error) {
	return r.transition(id, func(e *entry, now time.Time) error {
		job := &e.job
		if job.Status != StatusProcessing {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, job.Status)
		}
		job.Status = StatusCompleted
		job.Current = job.Total
		job.ArtifactPath = artifactPath
		job.FinishedAt = now
		return nil
	})
}

// Fail は未終了のジョブを error にし、進捗を縮退値 (0, 1) にします。
func (r *Registry) Fail(id, reason string) (Job, error) {
	return r.transition(id, func(e *entry, now time.Time) error {
		job := &e.job
		if job.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, job.Status)
		}
		job.Status = StatusFailed
		job.Current = 0
		job.Total = 1
		job.TotalEstimated = false
		job.Error = reason
		job.FinishedAt = now
		return nil
	})
}

// Get はジョブのスナップショットを返します。
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Status はジョブの状態を返します。未登録なら StatusUnknown です。
func (r *Registry) Status(id string) Status {
	job, ok := r.Get(id)
	if !ok {
		return StatusUnknown
	}
	return job.Status
}

// Counts は状態ごとのジョブ数を返します。
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Status]int, 4)
	for _, e := range r.jobs {
		counts[e.job.Status]++
	}
	return counts
}

func (r *Registry) transition(id string, mutate func(*entry, time.Time) error) (Job, error) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	now := r.now().UTC()
	if err := mutate(e, now); err != nil {
		snapshot := e.job
		r.mu.Unlock()
		return snapshot, err
	}
	e.job.UpdatedAt = now
	snapshot := e.job
	r.mu.Unlock()

	r.notify(snapshot)
	return snapshot, nil
}

func (r *Registry) notify(job Job) {
	if r.onTransition != nil {
		r.onTransition(job)
	}
}
