package comic

import (
	"context"
	"errors"
	"time"

	"github.com/paulgrammer/comicbatch/internal/lifecycle"
)

var (
	ErrNotFound        = errors.New("comic not found")
	ErrAlreadyImported = errors.New("descriptor already imported")
)

// Descriptor is a file discovered in the library that has not necessarily
// been imported yet.
type Descriptor struct {
	ID           int64     `json:"id"`
	Filename     string    `json:"filename"`
	Imported     bool      `json:"imported"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

type Comic struct {
	ID           int64           `json:"id"`
	DescriptorID int64           `json:"descriptor_id"`
	Filename     string          `json:"filename"`
	ArchiveType  string          `json:"archive_type,omitempty"`
	FileSize     int64           `json:"file_size"`
	Publisher    string          `json:"publisher,omitempty"`
	Series       string          `json:"series,omitempty"`
	Volume       string          `json:"volume,omitempty"`
	Issue        string          `json:"issue,omitempty"`
	State        lifecycle.State `json:"state"`
	AddedAt      time.Time       `json:"added_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (c *Comic) LifecycleState() lifecycle.State {
	return c.State
}

func (c *Comic) SetLifecycleState(s lifecycle.State) {
	c.State = s
}

type ReadingList struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Owner    string  `json:"owner"`
	ComicIDs []int64 `json:"comic_ids"`
}

type LastRead struct {
	ComicID int64     `json:"comic_id"`
	User    string    `json:"user"`
	ReadAt  time.Time `json:"read_at"`
}

// Store is the persistence collaborator. Every method taking a slice is
// atomic.
type Store interface {
	AddDescriptors(ctx context.Context, filenames ...string) error
	CountUnimported(ctx context.Context) (int64, error)
	ListUnimported(ctx context.Context, after int64, limit int) ([]Descriptor, error)
	// ImportComics inserts the comics and marks their descriptors imported.
	ImportComics(ctx context.Context, comics []*Comic) error

	CountByState(ctx context.Context, states ...lifecycle.State) (int64, error)
	ListByState(ctx context.Context, state lifecycle.State, after int64, limit int) ([]*Comic, error)
	GetComic(ctx context.Context, id int64) (*Comic, error)
	SaveComics(ctx context.Context, comics []*Comic) error
	// PurgeComics physically removes comics with their reading-list entries
	// and last-read records.
	PurgeComics(ctx context.Context, comics []*Comic) error

	SaveReadingList(ctx context.Context, list *ReadingList) error
	ReadingListsFor(ctx context.Context, comicID int64) ([]ReadingList, error)
	RemoveFromReadingList(ctx context.Context, listID, comicID int64) error

	SaveLastRead(ctx context.Context, lr LastRead) error
	DeleteLastRead(ctx context.Context, comicID int64, user string) error
	LastReads(ctx context.Context, comicID int64) ([]LastRead, error)
}
