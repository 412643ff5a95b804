package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paulgrammer/comicbatch/internal/batch"
	"github.com/paulgrammer/comicbatch/internal/broadcast"
	"github.com/paulgrammer/comicbatch/internal/comic"
	"github.com/paulgrammer/comicbatch/internal/lifecycle"
	"github.com/paulgrammer/comicbatch/internal/progress"
	"github.com/paulgrammer/comicbatch/internal/scheduler"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

type Deps struct {
	Launcher  *batch.Launcher
	Scheduler *scheduler.Scheduler
	Store     comic.Store
	Machine   *lifecycle.Machine
	Hub       *broadcast.Hub
	Logger    *slog.Logger

	// Defaults fills parameters a launch request leaves out, per job.
	Defaults map[string]map[string]string
}

type router struct {
	Deps
}

type LaunchRequest struct {
	Parameters map[string]string `json:"parameters"`
}

type EventRequest struct {
	Headers map[string]string `json:"headers"`
}

type DescriptorsRequest struct {
	Filenames []string `json:"filenames"`
}

type JobInfo struct {
	Name    string `json:"name"`
	Topic   string `json:"topic"`
	Running bool   `json:"running"`
}

func NewRouter(d Deps) *echo.Echo {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	r := &router{Deps: d}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(logging(d.Logger))

	e.GET("/healthz", r.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/jobs", r.handleJobs)
	e.POST("/jobs/:name", r.handleLaunch)
	e.GET("/executions", r.handleExecutions)
	e.GET("/executions/:id", r.handleExecution)
	e.POST("/descriptors", r.handleDescriptors)
	e.GET("/comics/:id", r.handleComic)
	e.POST("/comics/:id/events/:event", r.handleEvent)
	e.GET("/ws", r.handleWS)
	return e
}

func logging(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration", time.Since(start).String())
			return nil
		}
	}
}

func (r *router) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (r *router) handleJobs(c echo.Context) error {
	var out []JobInfo
	for _, name := range r.Launcher.Jobs() {
		out = append(out, JobInfo{Name: name, Topic: progress.Topic(name), Running: r.Launcher.Running(name)})
	}
	return c.JSON(http.StatusOK, out)
}

// decode reads an optional JSON body into v.
func decode(c echo.Context, v any) error {
	err := json.NewDecoder(c.Request().Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (r *router) handleLaunch(c echo.Context) error {
	var body LaunchRequest
	if err := decode(c, &body); err != nil {
		return respondWithError(c, http.StatusBadRequest, "invalid json")
	}

	name := c.Param("name")
	if !slices.Contains(r.Launcher.Jobs(), name) {
		return respondWithDomainError(c, fmt.Errorf("%w: %s", batch.ErrUnknownJob, name))
	}
	values := make(map[string]string, len(body.Parameters))
	for k, v := range r.Defaults[name] {
		values[k] = v
	}
	for k, v := range body.Parameters {
		values[k] = v
	}

	// Sorted so the same request always yields the same identity.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var params batch.Parameters
	for _, k := range keys {
		params = params.With(k, values[k])
	}

	exec, err := r.Scheduler.Fire(c.Request().Context(), name, params)
	if err != nil {
		return respondWithDomainError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"execution_id": exec.ID,
		"status":       string(exec.Status),
		"topic":        progress.Topic(exec.JobName),
	})
}

func (r *router) handleExecutions(c echo.Context) error {
	q := batch.ExecutionQuery{JobName: c.QueryParam("job"), Limit: 50}
	if l := c.QueryParam("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			q.Limit = parsed
		}
	}
	for _, s := range c.QueryParams()["status"] {
		q.Statuses = append(q.Statuses, batch.Status(s))
	}
	execs, err := r.Launcher.Find(c.Request().Context(), q)
	if err != nil {
		return respondWithDomainError(c, err)
	}
	if execs == nil {
		execs = []*batch.JobExecution{}
	}
	return c.JSON(http.StatusOK, execs)
}

func (r *router) handleExecution(c echo.Context) error {
	exec, err := r.Launcher.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondWithDomainError(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

func (r *router) handleDescriptors(c echo.Context) error {
	var body DescriptorsRequest
	if err := decode(c, &body); err != nil || len(body.Filenames) == 0 {
		return respondWithError(c, http.StatusBadRequest, "filenames required")
	}
	if err := r.Store.AddDescriptors(c.Request().Context(), body.Filenames...); err != nil {
		return respondWithDomainError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]int{"added": len(body.Filenames)})
}

func (r *router) lookupComic(c echo.Context) (*comic.Comic, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return nil, comic.ErrNotFound
	}
	return r.Store.GetComic(c.Request().Context(), id)
}

func (r *router) handleComic(c echo.Context) error {
	cm, err := r.lookupComic(c)
	if err != nil {
		return respondWithDomainError(c, err)
	}
	return c.JSON(http.StatusOK, cm)
}

// handleEvent fires a lifecycle event on one comic outside any batch, so
// the state persister stores the result.
func (r *router) handleEvent(c echo.Context) error {
	event := lifecycle.Event(c.Param("event"))
	if !slices.Contains(lifecycle.Events, event) {
		return respondWithError(c, http.StatusBadRequest, "unknown event")
	}
	var body EventRequest
	if err := decode(c, &body); err != nil {
		return respondWithError(c, http.StatusBadRequest, "invalid json")
	}
	cm, err := r.lookupComic(c)
	if err != nil {
		return respondWithDomainError(c, err)
	}

	headers := lifecycle.Headers{}
	for k, v := range body.Headers {
		headers[k] = v
	}
	delete(headers, lifecycle.HeaderBatch)
	if headers.Get(lifecycle.HeaderActor) == "" {
		if actor := c.Request().Header.Get("X-Actor"); actor != "" {
			headers[lifecycle.HeaderActor] = actor
		}
	}

	res := r.Machine.Fire(c.Request().Context(), cm, event, headers)
	return c.JSON(http.StatusOK, res)
}

// handleWS subscribes the connection to the requested topics, or to every
// job topic and the job detail channel when none are given.
func (r *router) handleWS(c echo.Context) error {
	topics := c.QueryParams()["topic"]
	if len(topics) == 0 {
		for _, name := range r.Launcher.Jobs() {
			topics = append(topics, progress.Topic(name))
		}
		topics = append(topics, progress.DetailTopic)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		r.Logger.Error("failed to upgrade connection", "error", err)
		return nil
	}

	sub := r.Hub.Subscribe(conn, topics...)
	defer r.Hub.Unsubscribe(sub)

	// Keep the connection open
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return nil
		}
	}
}
