package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/yourusername/cloud-render/internal/render"
)

type fakeArchives struct {
	mu         sync.Mutex
	root       string
	present    map[string]bool
	extractErr error
}

func newFakeArchives(root string, ids ...string) *fakeArchives {
	a := &fakeArchives{root: root, present: make(map[string]bool)}
	for _, id := range ids {
		a.present[id] = true
	}
	return a
}

func (a *fakeArchives) add(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.present[id] = true
}

func (a *fakeArchives) HasArchive(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.present[id]
}

func (a *fakeArchives) ArchivePath(id string) string {
	return filepath.Join(a.root, id+".zip")
}

func (a *fakeArchives) Extract(_ string, id string) (string, error) {
	if a.extractErr != nil {
		return "", a.extractErr
	}
	return filepath.Join(a.root, id), nil
}

func (a *fakeArchives) ProjectPath(id string) string {
	return filepath.Join(a.root, id, "cloud_rendering.mlt")
}

func (a *fakeArchives) OutputPath(id string) string {
	return filepath.Join(a.root, id, "output.mp4")
}

// funcRenderer は関数でレンダリング結果を差し替えるテスト用の Renderer です。
type funcRenderer struct {
	mu    sync.Mutex
	order []string
	fn    func(ctx context.Context, req render.Request, sink render.ProgressSink) error
}

func (r *funcRenderer) Render(ctx context.Context, req render.Request, sink render.ProgressSink) error {
	r.mu.Lock()
	r.order = append(r.order, req.JobID)
	r.mu.Unlock()
	if r.fn == nil {
		sink.Begin(100, true)
		sink.Advance(100)
		return nil
	}
	return r.fn(ctx, req, sink)
}

func (r *funcRenderer) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type memoryHistory struct {
	mu      sync.Mutex
	jobs    map[string]Job
	saved   []Status
	deleted []string
	failGet bool
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{jobs: make(map[string]Job)}
}

func (h *memoryHistory) Save(_ context.Context, job Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs[job.ID] = job
	h.saved = append(h.saved, job.Status)
	return nil
}

func (h *memoryHistory) Get(_ context.Context, id string) (*Job, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failGet {
		return nil, errors.New("history unavailable")
	}
	job, ok := h.jobs[id]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (h *memoryHistory) Delete(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.jobs, id)
	h.deleted = append(h.deleted, id)
	return nil
}

func (h *memoryHistory) has(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.jobs[id]
	return ok
}
