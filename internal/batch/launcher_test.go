package batch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateStep blocks until release is closed.
type gateStep struct {
	name    string
	entered chan struct{}
	release chan struct{}
	err     error
}

func newGateStep(name string) *gateStep {
	return &gateStep{name: name, entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (s *gateStep) Name() string { return s.name }

func (s *gateStep) Execute(ctx context.Context, scope *StepScope) error {
	s.entered <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.err
}

type funcStep struct {
	name string
	fn   func() error
	runs int
}

func (s *funcStep) Name() string { return s.name }

func (s *funcStep) Execute(ctx context.Context, scope *StepScope) error {
	s.runs++
	return s.fn()
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
	}
}

func TestLauncher_RejectsDuplicateWhileRunning(t *testing.T) {
	repo := NewInMemoryRepository()
	l := NewLauncher(repo, nil)
	defer l.Stop()
	gate := newGateStep("wait")
	require.NoError(t, l.Register(NewJob("import", gate)))

	params := NewParameters("library", "/comics")
	first, err := l.Launch(context.Background(), "import", params)
	require.NoError(t, err)
	waitFor(t, gate.entered)

	_, err = l.Launch(context.Background(), "import", params)
	assert.ErrorIs(t, err, ErrDuplicateExecution)

	all, err := repo.Find(context.Background(), ExecutionQuery{JobName: "import"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.True(t, l.Running("import"))

	close(gate.release)
	final, err := l.Wait(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.False(t, l.Running("import"))
}

func TestLauncher_AlreadyCompleteUnlessRestartable(t *testing.T) {
	l := NewLauncher(NewInMemoryRepository(), nil)
	ok := func() error { return nil }
	require.NoError(t, l.Register(NewJob("purge", &funcStep{name: "purge", fn: ok})))
	restartable := NewJob("organize", &funcStep{name: "move", fn: ok})
	restartable.Restartable = true
	require.NoError(t, l.Register(restartable))

	params := NewParameters("targetDirectory", "/library")
	ctx := context.Background()

	_, err := l.Run(ctx, "purge", params)
	require.NoError(t, err)
	_, err = l.Run(ctx, "purge", params)
	assert.ErrorIs(t, err, ErrAlreadyComplete)

	_, err = l.Run(ctx, "purge", params.With(RunTimestampKey, "1"))
	assert.NoError(t, err, "a unique parameter makes a fresh identity")

	_, err = l.Run(ctx, "organize", params)
	require.NoError(t, err)
	_, err = l.Run(ctx, "organize", params)
	assert.NoError(t, err)
}

func TestLauncher_EmptyParametersAreTheirOwnIdentity(t *testing.T) {
	l := NewLauncher(NewInMemoryRepository(), nil)
	defer l.Stop()
	ok := func() error { return nil }
	require.NoError(t, l.Register(NewJob("purge", &funcStep{name: "purge", fn: ok})))
	gate := newGateStep("move")
	require.NoError(t, l.Register(NewJob("organize", gate)))
	ctx := context.Background()

	_, err := l.Run(ctx, "purge", NewParameters("deleteFiles", "true"))
	require.NoError(t, err)
	exec, err := l.Run(ctx, "purge", NewParameters())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	_, err = l.Run(ctx, "purge", NewParameters())
	assert.ErrorIs(t, err, ErrAlreadyComplete)

	first, err := l.Launch(ctx, "organize", NewParameters("targetDirectory", "/a"))
	require.NoError(t, err)
	waitFor(t, gate.entered)
	second, err := l.Launch(ctx, "organize", NewParameters())
	require.NoError(t, err)
	waitFor(t, gate.entered)
	_, err = l.Launch(ctx, "organize", NewParameters())
	assert.ErrorIs(t, err, ErrDuplicateExecution)

	close(gate.release)
	for _, id := range []string{first.ID, second.ID} {
		final, err := l.Wait(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, final.Status)
	}
}

func TestLauncher_FailedExecutionMayBeRelaunched(t *testing.T) {
	l := NewLauncher(NewInMemoryRepository(), nil)
	fail := true
	step := &funcStep{name: "s", fn: func() error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}}
	require.NoError(t, l.Register(NewJob("j", step)))

	exec, err := l.Run(context.Background(), "j", NewParameters())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)

	fail = false
	exec, err = l.Run(context.Background(), "j", NewParameters())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
}

func TestLauncher_InvalidParametersAndUnknownJob(t *testing.T) {
	l := NewLauncher(NewInMemoryRepository(), nil)
	job := NewJob("organize", &funcStep{name: "s", fn: func() error { return nil }})
	job.RequiredParameters = []string{"targetDirectory"}
	require.NoError(t, l.Register(job))

	_, err := l.Launch(context.Background(), "organize", NewParameters())
	assert.ErrorIs(t, err, ErrInvalidParameters)
	_, err = l.Launch(context.Background(), "organize", NewParameters("targetDirectory", "  "))
	assert.ErrorIs(t, err, ErrInvalidParameters)
	_, err = l.Launch(context.Background(), "missing", NewParameters())
	assert.ErrorIs(t, err, ErrUnknownJob)

	assert.Error(t, l.Register(NewJob("organize", &funcStep{name: "x"})))
	assert.Error(t, l.Register(NewJob("empty")))
}

func TestLauncher_FailFastStillFiresAfterJob(t *testing.T) {
	log := &eventLog{}
	l := NewLauncher(NewInMemoryRepository(), nil)
	l.AddListener(log)
	first := &funcStep{name: "first", fn: func() error { return errors.New("boom") }}
	second := &funcStep{name: "second", fn: func() error { return nil }}
	require.NoError(t, l.Register(NewJob("j", first, second)))

	exec, err := l.Run(context.Background(), "j", NewParameters())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, 0, second.runs)
	require.Len(t, exec.Steps, 1)
	assert.NotNil(t, exec.FinishedAt)
	assert.Equal(t, []string{"beforeJob", "beforeStep:first", "afterStep:first:FAILED", "afterJob:FAILED"}, log.all())
}

func TestLauncher_StepsRunInOrder(t *testing.T) {
	var order []string
	mk := func(name string) *funcStep {
		return &funcStep{name: name, fn: func() error { order = append(order, name); return nil }}
	}
	l := NewLauncher(NewInMemoryRepository(), nil)
	require.NoError(t, l.Register(NewJob("j", mk("a"), mk("b"), mk("c"))))

	exec, err := l.Run(context.Background(), "j", NewParameters())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Len(t, exec.Steps, 3)
	assert.Nil(t, exec.Context)
}

func TestLauncher_StepPanicFailsJob(t *testing.T) {
	l := NewLauncher(NewInMemoryRepository(), nil)
	require.NoError(t, l.Register(NewJob("j", &funcStep{name: "p", fn: func() error { panic("nil map") }})))

	exec, err := l.Run(context.Background(), "j", NewParameters())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.ExitMessage, "panicked")
}

func TestLauncher_StopMarksRunningExecutionStopped(t *testing.T) {
	l := NewLauncher(NewInMemoryRepository(), nil)
	gate := newGateStep("wait")
	require.NoError(t, l.Register(NewJob("monitor", gate)))

	exec, err := l.Launch(context.Background(), "monitor", NewParameters())
	require.NoError(t, err)
	waitFor(t, gate.entered)
	l.Stop()

	final, err := l.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, final.Status)
}

func TestLauncher_RecoverStale(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	params := NewParameters("k", "v")
	require.NoError(t, repo.Create(ctx, &JobExecution{ID: "old", JobName: "import", Parameters: params, Status: StatusRunning,
		Steps: []*StepExecution{{StepName: "s", Status: StatusRunning}}}))

	l := NewLauncher(repo, nil)
	require.NoError(t, l.Register(NewJob("import", &funcStep{name: "s", fn: func() error { return nil }})))

	_, err := l.Launch(ctx, "import", params)
	require.ErrorIs(t, err, ErrDuplicateExecution)

	n, err := l.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	old, err := repo.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, old.Status)
	assert.Equal(t, StatusFailed, old.Steps[0].Status)

	exec, err := l.Run(ctx, "import", params)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
}

func TestListeners_Remove(t *testing.T) {
	log := &eventLog{}
	l := NewLauncher(NewInMemoryRepository(), nil)
	l.AddListener(log)
	l.RemoveListener(log)
	require.NoError(t, l.Register(NewJob("j", &funcStep{name: "s", fn: func() error { return nil }})))

	_, err := l.Run(context.Background(), "j", NewParameters())
	require.NoError(t, err)
	assert.Empty(t, log.all())
}

func TestParameters_OrderedIdentityAndJSON(t *testing.T) {
	p := NewParameters("b", "2", "a", "1").With("b", "3")
	assert.Equal(t, []Parameter{{"b", "3"}, {"a", "1"}}, p.Entries())
	assert.NotEqual(t, p.Identity(), NewParameters("a", "1", "b", "3").Identity())

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	var back Parameters
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, p.Identity(), back.Identity())

	v, ok := back.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	odd := NewParameters("a", "1", "dryRun")
	assert.Equal(t, []Parameter{{"a", "1"}, {"dryRun", ""}}, odd.Entries())
	v, ok = odd.Get("dryRun")
	assert.True(t, ok)
	assert.Empty(t, v)
}
