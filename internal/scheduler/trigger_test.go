package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulgrammer/comicbatch/internal/batch"
)

type blockingStep struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStep) Name() string { return "block" }

func (s *blockingStep) Execute(ctx context.Context, scope *batch.StepScope) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func setup(t *testing.T) (*batch.Launcher, *batch.InMemoryRepository, *blockingStep) {
	t.Helper()
	repo := batch.NewInMemoryRepository()
	l := batch.NewLauncher(repo, nil)
	step := &blockingStep{entered: make(chan struct{}, 16), release: make(chan struct{})}
	require.NoError(t, l.Register(batch.NewJob("import", step)))
	t.Cleanup(l.Stop)
	return l, repo, step
}

func waitEntered(t *testing.T, s *blockingStep) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("step never started")
	}
}

func live(t *testing.T, repo *batch.InMemoryRepository) int {
	t.Helper()
	execs, err := repo.Find(context.Background(), batch.ExecutionQuery{JobName: "import", Statuses: batch.NonTerminal})
	require.NoError(t, err)
	return len(execs)
}

func TestTrigger_SkipsOverlappingFire(t *testing.T) {
	l, repo, step := setup(t)
	tr := NewTrigger("import", l, nil)
	ctx := context.Background()

	first, err := tr.Fire(ctx, batch.NewParameters())
	require.NoError(t, err)
	waitEntered(t, step)
	stamp, ok := first.Parameters.Get(batch.RunTimestampKey)
	assert.True(t, ok)
	assert.NotEmpty(t, stamp)

	_, err = tr.Fire(ctx, batch.NewParameters())
	assert.ErrorIs(t, err, ErrOverlap)
	assert.Equal(t, 1, live(t, repo))
	assert.True(t, tr.Active())

	close(step.release)
	require.Eventually(t, func() bool { return !tr.Active() }, 5*time.Second, 10*time.Millisecond)

	second, err := tr.Fire(ctx, batch.NewParameters())
	require.NoError(t, err)
	assert.NotEqual(t, first.Parameters.Identity(), second.Parameters.Identity())
	done, err := l.Wait(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, done.Status)
}

func TestTrigger_IntervalDoesNotPileUp(t *testing.T) {
	l, repo, step := setup(t)
	tr := NewTrigger("import", l, nil)

	tr.Start(context.Background(), 10*time.Millisecond, batch.NewParameters())
	waitEntered(t, step)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, live(t, repo))
	all, err := repo.Find(context.Background(), batch.ExecutionQuery{JobName: "import"})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	close(step.release)
	require.Eventually(t, func() bool {
		all, err := repo.Find(context.Background(), batch.ExecutionQuery{JobName: "import"})
		return err == nil && len(all) > 1
	}, 5*time.Second, 10*time.Millisecond)
	tr.Stop()
	assert.False(t, tr.Active())
}

func TestTrigger_LaunchErrorReleasesGuard(t *testing.T) {
	l, _, _ := setup(t)
	tr := NewTrigger("unknown", l, nil)

	_, err := tr.Fire(context.Background(), batch.NewParameters())
	assert.ErrorIs(t, err, batch.ErrUnknownJob)
	assert.False(t, tr.Active())
}

func TestScheduler_SharesTriggerPerJob(t *testing.T) {
	l, _, step := setup(t)
	s := New(l, nil)
	defer s.Stop()

	assert.Same(t, s.Trigger("import"), s.Trigger("import"))

	_, err := s.Fire(context.Background(), "import", batch.NewParameters("user", "a"))
	require.NoError(t, err)
	waitEntered(t, step)
	_, err = s.Fire(context.Background(), "import", batch.NewParameters("user", "b"))
	assert.ErrorIs(t, err, ErrOverlap)
	close(step.release)
}

func TestTrigger_FireAfterStopIsRefused(t *testing.T) {
	l, repo, _ := setup(t)
	tr := NewTrigger("import", l, nil)
	tr.Stop()

	_, err := tr.Fire(context.Background(), batch.NewParameters())
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, tr.Active())
	assert.Equal(t, 0, live(t, repo))

	tr.Start(context.Background(), 10*time.Millisecond, batch.NewParameters())
	assert.False(t, tr.scheduled())
}

func TestScheduler_StopDoesNotWaitForLiveExecutions(t *testing.T) {
	l, repo, step := setup(t)
	s := New(l, nil)
	s.Every(context.Background(), "import", time.Hour, batch.NewParameters())
	waitEntered(t, step)

	done := make(chan struct{})
	go func() {
		s.Stop()
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown blocked on a running execution")
	}

	assert.Equal(t, 0, live(t, repo))
	execs, err := repo.Find(context.Background(), batch.ExecutionQuery{JobName: "import"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, batch.StatusStopped, execs[0].Status)

	_, err = s.Fire(context.Background(), "import", batch.NewParameters())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestScheduler_ForgetsUnknownJobs(t *testing.T) {
	l, _, _ := setup(t)
	s := New(l, nil)
	defer s.Stop()

	_, err := s.Fire(context.Background(), "nope", batch.NewParameters())
	assert.ErrorIs(t, err, batch.ErrUnknownJob)
	assert.Empty(t, s.Triggers())

	s.Trigger("import")
	assert.Equal(t, []string{"import"}, s.Triggers())
}
