package jobs

import (
	"context"

	"github.com/paulgrammer/comicbatch/internal/batch"
	"github.com/paulgrammer/comicbatch/internal/comic"
	"github.com/paulgrammer/comicbatch/internal/lifecycle"
	"github.com/paulgrammer/comicbatch/internal/progress"
)

const (
	StepSelectChangedComics = "selectChangedComics"
	StepMoveComics          = "moveComics"
)

// NewOrganizeJob consolidates changed comics into the target directory
// according to the rename rule.
func NewOrganizeJob(d Deps) *batch.Job {
	d.defaults()
	selectStep := batch.NewChunkStep[*comic.Comic, *comic.Comic](StepSelectChangedComics,
		batch.PagedSourceFactory(inState(d.Store, lifecycle.StateChanged), comicKey, d.ChunkSize),
		d.transition(lifecycle.EventConsolidateComic),
		saveComics(d.Store),
		batch.WithChunkSize(d.ChunkSize),
	)
	moveStep := batch.NewChunkStep[*comic.Comic, *comic.Comic](StepMoveComics,
		batch.PagedSourceFactory(inState(d.Store, lifecycle.StateOrganizing), comicKey, d.ChunkSize),
		d.moveComic,
		saveComics(d.Store),
		batch.WithChunkSize(d.ChunkSize),
	)

	job := batch.NewJob(Organize, selectStep, moveStep)
	job.RequiredParameters = []string{ParamTargetDirectory}
	job.AddListener(d.aggregator(Organize, countState(d.Store, lifecycle.StateChanged),
		progress.WithStepTotal(StepMoveComics, countState(d.Store, lifecycle.StateOrganizing))))
	return job
}

func (d *Deps) moveComic(ctx context.Context, c *comic.Comic) (*comic.Comic, bool, error) {
	headers := lifecycle.Headers{
		lifecycle.HeaderTargetDirectory: param(ctx, ParamTargetDirectory),
		lifecycle.HeaderRenameRule:      param(ctx, ParamRenameRule),
	}
	return c, d.fire(ctx, c, lifecycle.EventComicMoved, headers), nil
}
