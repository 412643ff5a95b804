package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulgrammer/comicbatch/internal/batch"
	"github.com/paulgrammer/comicbatch/internal/broadcast"
	"github.com/paulgrammer/comicbatch/internal/comic"
	"github.com/paulgrammer/comicbatch/internal/jobs"
	"github.com/paulgrammer/comicbatch/internal/lifecycle"
	"github.com/paulgrammer/comicbatch/internal/progress"
	"github.com/paulgrammer/comicbatch/internal/scheduler"
)

// holdStep blocks until release is closed.
type holdStep struct {
	entered chan struct{}
	release chan struct{}
}

func (s *holdStep) Name() string { return "hold" }

func (s *holdStep) Execute(ctx context.Context, scope *batch.StepScope) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

type fixture struct {
	e        *echo.Echo
	store    *comic.MemoryStore
	launcher *batch.Launcher
	sched    *scheduler.Scheduler
	hub      *broadcast.Hub
	hold     *holdStep
}

func newFixture(t *testing.T, defaults ...map[string]map[string]string) *fixture {
	t.Helper()
	store := comic.NewMemoryStore()
	m, err := lifecycle.NewMachine(lifecycle.DefaultTable, nil)
	require.NoError(t, err)
	comic.Register(m, store, false)

	hub := broadcast.NewHub(nil)
	launcher := batch.NewLauncher(batch.NewInMemoryRepository(), nil)
	require.NoError(t, jobs.Register(launcher, jobs.Deps{Store: store, Machine: m, Publisher: hub}))
	hold := &holdStep{entered: make(chan struct{}, 1), release: make(chan struct{})}
	require.NoError(t, launcher.Register(batch.NewJob("hold", hold)))

	sched := scheduler.New(launcher, nil)
	t.Cleanup(func() {
		select {
		case <-hold.release:
		default:
			close(hold.release)
		}
		sched.Stop()
		launcher.Stop()
		hub.Close()
	})

	return &fixture{
		e: NewRouter(Deps{
			Launcher:  launcher,
			Scheduler: sched,
			Store:     store,
			Machine:   m,
			Hub:       hub,
			Defaults:  firstOr(defaults),
		}),
		store:    store,
		launcher: launcher,
		sched:    sched,
		hub:      hub,
		hold:     hold,
	}
}

func firstOr(d []map[string]map[string]string) map[string]map[string]string {
	if len(d) == 0 {
		return nil
	}
	return d[0]
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "reader")
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestLaunchImport(t *testing.T) {
	f := newFixture(t)
	file := filepath.Join(t.TempDir(), "a.cbz")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	rec := f.do(t, http.MethodPost, "/descriptors", `{"filenames":["`+file+`"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/jobs/import", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "progress.import", resp["topic"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.launcher.Wait(ctx, resp["execution_id"])
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/executions/"+resp["execution_id"], "")
	require.Equal(t, http.StatusOK, rec.Code)
	exec := decodeBody[batch.JobExecution](t, rec)
	assert.Equal(t, batch.StatusCompleted, exec.Status)
	_, stamped := exec.Parameters.Get(batch.RunTimestampKey)
	assert.True(t, stamped)

	rec = f.do(t, http.MethodGet, "/executions?job=import&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]batch.JobExecution](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/executions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLaunchErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, f.sched.Triggers())

	rec = f.do(t, http.MethodPost, "/jobs/organize", `{"parameters":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/jobs/organize", `{"parameters":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/jobs/hold", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-f.hold.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("hold job never started")
	}

	rec = f.do(t, http.MethodPost, "/jobs/hold", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	for _, j := range decodeBody[[]JobInfo](t, rec) {
		assert.Equal(t, j.Name == "hold", j.Running, j.Name)
	}
}

func TestFireComicEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := &comic.Comic{Filename: "a.cbz", State: lifecycle.StateStable}
	require.NoError(t, f.store.ImportComics(ctx, []*comic.Comic{c}))
	id := "/comics/" + strconv.FormatInt(c.ID, 10)

	rec := f.do(t, http.MethodPost, id+"/events/markAsRead", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[lifecycle.Result](t, rec)
	assert.True(t, res.Applied)
	reads, err := f.store.LastReads(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, reads, 1)
	assert.Equal(t, "reader", reads[0].User)

	rec = f.do(t, http.MethodPost, id+"/events/markedForRemoval", `{"headers":{"batch":"true"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, lifecycle.StateDeleted, decodeBody[lifecycle.Result](t, rec).State)

	rec = f.do(t, http.MethodGet, id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, lifecycle.StateDeleted, decodeBody[comic.Comic](t, rec).State)

	rec = f.do(t, http.MethodPost, id+"/events/archiveRecreated", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[lifecycle.Result](t, rec).Applied)

	rec = f.do(t, http.MethodPost, id+"/events/explode", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/comics/999/events/purge", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebsocketSubscription(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?topic=" + progress.Topic(jobs.Import)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, f.hub.Publish(ctx, progress.Topic(jobs.Purge), progress.Snapshot{Total: 1}))
	require.NoError(t, f.hub.Publish(ctx, progress.Topic(jobs.Import), progress.Snapshot{Active: true, Total: 20, Processed: 10}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env broadcast.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, progress.Topic(jobs.Import), env.Topic)
	var snap progress.Snapshot
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	assert.EqualValues(t, 10, snap.Processed)
}

func TestLaunchUsesDefaultParameters(t *testing.T) {
	target := t.TempDir()
	f := newFixture(t, map[string]map[string]string{jobs.Organize: {jobs.ParamTargetDirectory: target}})

	rec := f.do(t, http.MethodPost, "/jobs/organize", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decodeBody[map[string]string](t, rec)["execution_id"]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := f.launcher.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, exec.Status)
	dir, _ := exec.Parameters.Get(jobs.ParamTargetDirectory)
	assert.Equal(t, target, dir)
}
