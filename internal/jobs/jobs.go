package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulgrammer/comicbatch/internal/batch"
	"github.com/paulgrammer/comicbatch/internal/comic"
	"github.com/paulgrammer/comicbatch/internal/executor"
	"github.com/paulgrammer/comicbatch/internal/lifecycle"
	"github.com/paulgrammer/comicbatch/internal/progress"
)

// Job names.
const (
	Import   = "import"
	Organize = "organize"
	Recreate = "recreate"
	Purge    = "purge"
)

// Job parameters.
const (
	ParamTargetDirectory = "targetDirectory"
	ParamRenameRule      = "renameRule"
	ParamDeleteFiles     = "deleteFiles"
)

// RecreateConfig names the external archiver. Each argument may reference the
// comic file as $FILE; without such an argument the file is appended.
type RecreateConfig struct {
	Command string
	Args    []string
}

// Deps are the collaborators shared by every job.
type Deps struct {
	Store     comic.Store
	Machine   *lifecycle.Machine
	Publisher progress.Publisher
	Runner    executor.Runner
	Recreate  RecreateConfig
	ChunkSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

func (d *Deps) defaults() {
	if d.ChunkSize <= 0 {
		d.ChunkSize = batch.DefaultChunkSize
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Register builds the fixed set of jobs and registers them with l.
func Register(l *batch.Launcher, d Deps) error {
	d.defaults()
	for _, job := range []*batch.Job{
		NewImportJob(d),
		NewOrganizeJob(d),
		NewRecreateJob(d),
		NewPurgeJob(d),
	} {
		if err := l.Register(job); err != nil {
			return fmt.Errorf("register %s: %w", job.Name, err)
		}
	}
	return nil
}

func comicKey(c *comic.Comic) int64 {
	return c.ID
}

func inState(store comic.Store, state lifecycle.State) batch.PageFetcher[*comic.Comic] {
	return func(ctx context.Context, after int64, limit int) ([]*comic.Comic, error) {
		return store.ListByState(ctx, state, after, limit)
	}
}

func countState(store comic.Store, state lifecycle.State) progress.CountFunc {
	return func(ctx context.Context) (int64, error) {
		return store.CountByState(ctx, state)
	}
}

func saveComics(store comic.Store) batch.Sink[*comic.Comic] {
	return batch.SinkFunc[*comic.Comic](store.SaveComics)
}

// fire applies event to c from inside a batch step. A rejected transition
// means another actor changed the comic since it was read; the comic is
// dropped from the chunk.
func (d *Deps) fire(ctx context.Context, c *comic.Comic, event lifecycle.Event, headers lifecycle.Headers) bool {
	if headers == nil {
		headers = lifecycle.Headers{}
	}
	headers[lifecycle.HeaderBatch] = "true"
	if exec, ok := batch.ExecutionFrom(ctx); ok {
		headers[lifecycle.HeaderActor] = "job:" + exec.JobName
	}
	res := d.Machine.Fire(ctx, c, event, headers)
	if !res.Applied {
		d.Logger.Warn("skipping comic", "comic_id", c.ID, "event", event, "state", res.State)
	}
	return res.Applied
}

// transition returns a transform firing event on every comic.
func (d *Deps) transition(event lifecycle.Event) batch.Transform[*comic.Comic, *comic.Comic] {
	return func(ctx context.Context, c *comic.Comic) (*comic.Comic, bool, error) {
		return c, d.fire(ctx, c, event, nil), nil
	}
}

func param(ctx context.Context, key string) string {
	exec, ok := batch.ExecutionFrom(ctx)
	if !ok {
		return ""
	}
	v, _ := exec.Parameters.Get(key)
	return v
}

func (d *Deps) aggregator(job string, total progress.CountFunc, opts ...progress.AggregatorOption) *progress.Aggregator {
	opts = append([]progress.AggregatorOption{progress.WithLogger(d.Logger)}, opts...)
	return progress.NewAggregator(progress.Topic(job), total, d.Publisher, opts...)
}
