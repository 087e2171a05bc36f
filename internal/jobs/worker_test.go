package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/cloud-render/internal/render"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func waitForStatus(t *testing.T, r *Registry, id string, want Status) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		job, _ = r.Get(id)
		return job.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func startWorker(t *testing.T, archives Archives, renderer Renderer) (*Queue, *Registry, *Worker, context.CancelFunc) {
	t.Helper()
	q := NewQueue()
	reg := NewRegistry()
	w := NewWorker(q, reg, archives, renderer, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Close()
		<-w.Done()
	})
	return q, reg, w, cancel
}

func submit(t *testing.T, q *Queue, reg *Registry, id string) {
	t.Helper()
	_, err := reg.Register(id, "data.zip")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(id))
}

func TestWorkerProcessesInFIFOOrder(t *testing.T) {
	archives := newFakeArchives(t.TempDir(), "a", "b", "c")
	renderer := &funcRenderer{}
	q, reg, _, _ := startWorker(t, archives, renderer)

	for _, id := range []string{"a", "b", "c"} {
		submit(t, q, reg, id)
	}
	for _, id := range []string{"a", "b", "c"} {
		job := waitForStatus(t, reg, id, StatusCompleted)
		assert.Equal(t, 100, job.Current)
		assert.Equal(t, 100, job.Total)
		assert.Equal(t, archives.OutputPath(id), job.ArtifactPath)
	}
	assert.Equal(t, []string{"a", "b", "c"}, renderer.calls())
}

func TestWorkerReportsProgressWhileRendering(t *testing.T) {
	archives := newFakeArchives(t.TempDir(), "job")
	halfway := make(chan struct{})
	release := make(chan struct{})
	renderer := &funcRenderer{fn: func(_ context.Context, _ render.Request, sink render.ProgressSink) error {
		sink.Begin(300, true)
		sink.Advance(150)
		close(halfway)
		<-release
		return nil
	}}
	q, reg, _, _ := startWorker(t, archives, renderer)
	submit(t, q, reg, "job")

	<-halfway
	job, _ := reg.Get("job")
	assert.Equal(t, StatusProcessing, job.Status)
	assert.Equal(t, 150, job.Current)
	assert.Equal(t, 300, job.Total)
	assert.Equal(t, 50, job.Percent())

	close(release)
	job = waitForStatus(t, reg, "job", StatusCompleted)
	assert.Equal(t, 300, job.Current)
}

func TestWorkerMissingArchiveFailsJob(t *testing.T) {
	archives := newFakeArchives(t.TempDir())
	renderer := &funcRenderer{}
	q, reg, _, _ := startWorker(t, archives, renderer)

	submit(t, q, reg, "ghost")
	job := waitForStatus(t, reg, "ghost", StatusFailed)
	assert.Equal(t, 0, job.Current)
	assert.Equal(t, 1, job.Total)
	assert.Contains(t, job.Error, "not found")
	assert.Empty(t, renderer.calls())
}

func TestWorkerExtractErrorFailsJob(t *testing.T) {
	archives := newFakeArchives(t.TempDir(), "bad")
	archives.extractErr = errors.New("project file missing")
	q, reg, _, _ := startWorker(t, archives, &funcRenderer{})

	submit(t, q, reg, "bad")
	job := waitForStatus(t, reg, "bad", StatusFailed)
	assert.Contains(t, job.Error, "project file missing")
}

func TestWorkerSurvivesRenderErrorAndPanic(t *testing.T) {
	archives := newFakeArchives(t.TempDir(), "boom", "broken", "fine")
	renderer := &funcRenderer{fn: func(_ context.Context, req render.Request, sink render.ProgressSink) error {
		switch req.JobID {
		case "boom":
			panic("engine wrapper exploded")
		case "broken":
			sink.Begin(10, true)
			sink.Advance(4)
			return render.ErrEngineFailed
		}
		sink.Begin(10, true)
		return nil
	}}
	q, reg, _, _ := startWorker(t, archives, renderer)

	for _, id := range []string{"boom", "broken", "fine"} {
		submit(t, q, reg, id)
	}

	boom := waitForStatus(t, reg, "boom", StatusFailed)
	assert.Contains(t, boom.Error, "engine wrapper exploded")
	broken := waitForStatus(t, reg, "broken", StatusFailed)
	assert.Equal(t, 0, broken.Current)
	assert.Equal(t, 1, broken.Total)
	fine := waitForStatus(t, reg, "fine", StatusCompleted)
	assert.Equal(t, 10, fine.Current)
}

func TestWorkerStartIsIdempotent(t *testing.T) {
	archives := newFakeArchives(t.TempDir(), "only")
	renderer := &funcRenderer{}
	q, reg, w, _ := startWorker(t, archives, renderer)
	w.Start(context.Background())
	w.Start(context.Background())
	assert.True(t, w.Started())

	submit(t, q, reg, "only")
	waitForStatus(t, reg, "only", StatusCompleted)
	assert.Equal(t, []string{"only"}, renderer.calls())
}

func TestWorkerStopsOnCancel(t *testing.T) {
	archives := newFakeArchives(t.TempDir(), "slow")
	renderer := &funcRenderer{fn: func(ctx context.Context, _ render.Request, sink render.ProgressSink) error {
		sink.Begin(10, true)
		<-ctx.Done()
		return ctx.Err()
	}}
	q, reg, w, cancel := startWorker(t, archives, renderer)
	submit(t, q, reg, "slow")
	waitForStatus(t, reg, "slow", StatusProcessing)

	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	job, _ := reg.Get("slow")
	assert.Equal(t, StatusFailed, job.Status)
}
