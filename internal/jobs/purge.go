package jobs

import (
	"context"
	"strconv"

	"github.com/paulgrammer/comicbatch/internal/batch"
	"github.com/paulgrammer/comicbatch/internal/comic"
	"github.com/paulgrammer/comicbatch/internal/lifecycle"
)

const StepPurgeComics = "purgeComics"

// NewPurgeJob physically removes every comic marked for removal. The comic
// files are deleted too when the deleteFiles parameter is true.
func NewPurgeJob(d Deps) *batch.Job {
	d.defaults()
	step := batch.NewChunkStep[*comic.Comic, *comic.Comic](StepPurgeComics,
		batch.PagedSourceFactory(inState(d.Store, lifecycle.StateDeleted), comicKey, d.ChunkSize),
		d.purgeComic,
		batch.SinkFunc[*comic.Comic](d.Store.PurgeComics),
		batch.WithChunkSize(d.ChunkSize),
	)
	job := batch.NewJob(Purge, step)
	job.AddListener(d.aggregator(Purge, countState(d.Store, lifecycle.StateDeleted)))
	return job
}

func (d *Deps) purgeComic(ctx context.Context, c *comic.Comic) (*comic.Comic, bool, error) {
	deleteFiles, _ := strconv.ParseBool(param(ctx, ParamDeleteFiles))
	headers := lifecycle.Headers{lifecycle.HeaderDeleteFile: strconv.FormatBool(deleteFiles)}
	return c, d.fire(ctx, c, lifecycle.EventPurge, headers), nil
}
