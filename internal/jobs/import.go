package jobs

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulgrammer/comicbatch/internal/batch"
	"github.com/paulgrammer/comicbatch/internal/comic"
	"github.com/paulgrammer/comicbatch/internal/lifecycle"
	"github.com/paulgrammer/comicbatch/internal/progress"
)

const (
	StepImportDescriptors = "importDescriptors"
	StepProcessContents   = "processContents"
)

// NewImportJob turns unimported descriptors into comics and then reads the
// basic file facts of every newly added comic.
func NewImportJob(d Deps) *batch.Job {
	d.defaults()
	descriptors := batch.NewChunkStep[comic.Descriptor, *comic.Comic](StepImportDescriptors,
		batch.PagedSourceFactory(
			func(ctx context.Context, after int64, limit int) ([]comic.Descriptor, error) {
				return d.Store.ListUnimported(ctx, after, limit)
			},
			func(desc comic.Descriptor) int64 { return desc.ID },
			d.ChunkSize,
		),
		d.importDescriptor,
		batch.SinkFunc[*comic.Comic](d.Store.ImportComics),
		batch.WithChunkSize(d.ChunkSize),
	)
	contents := batch.NewChunkStep[*comic.Comic, *comic.Comic](StepProcessContents,
		batch.PagedSourceFactory(inState(d.Store, lifecycle.StateAdded), comicKey, d.ChunkSize),
		d.processContents,
		saveComics(d.Store),
		batch.WithChunkSize(d.ChunkSize),
	)

	job := batch.NewJob(Import, descriptors, contents)
	job.AddListener(d.aggregator(Import, d.Store.CountUnimported,
		progress.WithStepTotal(StepProcessContents, countState(d.Store, lifecycle.StateAdded))))
	return job
}

func (d *Deps) importDescriptor(ctx context.Context, desc comic.Descriptor) (*comic.Comic, bool, error) {
	now := d.Now()
	c := &comic.Comic{
		DescriptorID: desc.ID,
		Filename:     desc.Filename,
		ArchiveType:  ArchiveType(desc.Filename),
		State:        lifecycle.StateUnprocessed,
		AddedAt:      now,
		UpdatedAt:    now,
	}
	return c, d.fire(ctx, c, lifecycle.EventImported, nil), nil
}

func (d *Deps) processContents(ctx context.Context, c *comic.Comic) (*comic.Comic, bool, error) {
	info, err := os.Stat(c.Filename)
	if err != nil {
		d.Logger.Warn("comic file unreadable", "comic_id", c.ID, "filename", c.Filename, "error", err)
		return c, false, nil
	}
	c.FileSize = info.Size()
	if c.ArchiveType == "" {
		c.ArchiveType = ArchiveType(c.Filename)
	}
	return c, d.fire(ctx, c, lifecycle.EventContentsProcessed, nil), nil
}

// ArchiveType maps a comic file extension to its archive format.
func ArchiveType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".cbz", ".zip":
		return "CBZ"
	case ".cbr", ".rar":
		return "CBR"
	case ".cb7", ".7z":
		return "CB7"
	case ".pdf":
		return "PDF"
	}
	return ""
}
