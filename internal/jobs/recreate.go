package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulgrammer/comicbatch/internal/batch"
	"github.com/paulgrammer/comicbatch/internal/comic"
	"github.com/paulgrammer/comicbatch/internal/executor"
	"github.com/paulgrammer/comicbatch/internal/lifecycle"
)

const StepRecreateArchives = "recreateArchives"

// NewRecreateJob rebuilds the archive of every comic queued for recreation
// with the configured external tool.
func NewRecreateJob(d Deps) *batch.Job {
	d.defaults()
	step := batch.NewChunkStep[*comic.Comic, *comic.Comic](StepRecreateArchives,
		batch.PagedSourceFactory(inState(d.Store, lifecycle.StateRecreating), comicKey, d.ChunkSize),
		d.recreateArchive,
		saveComics(d.Store),
		batch.WithChunkSize(d.ChunkSize),
	)
	job := batch.NewJob(Recreate, step)
	job.AddListener(d.aggregator(Recreate, countState(d.Store, lifecycle.StateRecreating)))
	return job
}

// recreateArchive fails the chunk when the tool fails, so the comic stays
// queued for the next run.
func (d *Deps) recreateArchive(ctx context.Context, c *comic.Comic) (*comic.Comic, bool, error) {
	if d.Runner == nil || d.Recreate.Command == "" {
		return nil, false, errors.New("no archive tool configured")
	}
	_, err := d.Runner.Run(ctx, executor.Command{
		Label: "comic " + strconv.FormatInt(c.ID, 10),
		Name:  d.Recreate.Command,
		Args:  RecreateArgs(d.Recreate.Args, c.Filename),
		Dir:   filepath.Dir(c.Filename),
	})
	if err != nil {
		return nil, false, fmt.Errorf("recreate %s: %w", c.Filename, err)
	}
	if info, err := os.Stat(c.Filename); err == nil {
		c.FileSize = info.Size()
	}
	return c, d.fire(ctx, c, lifecycle.EventArchiveRecreated, nil), nil
}

// RecreateArgs substitutes $FILE in args, appending file when no argument
// references it.
func RecreateArgs(args []string, file string) []string {
	out := make([]string, 0, len(args)+1)
	found := false
	for _, a := range args {
		if strings.Contains(a, "$FILE") {
			found = true
			a = strings.ReplaceAll(a, "$FILE", file)
		}
		out = append(out, a)
	}
	if !found {
		out = append(out, file)
	}
	return out
}
