package comic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/paulgrammer/comicbatch/internal/lifecycle"
)

// Register subscribes the standard comic side effects to m. File operations
// run before the persister so a moved filename is saved with the new state.
func Register(m *lifecycle.Machine, store Store, deleteFiles bool) {
	m.AddListener(&LastReadRecorder{Store: store}, lifecycle.EventMarkAsRead, lifecycle.EventMarkAsUnread)
	m.AddListener(&ReadingListCleanup{Store: store}, lifecycle.EventMarkedForRemoval)
	m.AddListener(&FileOrganizer{}, lifecycle.EventComicMoved)
	m.AddListener(&FilePurger{DeleteFiles: deleteFiles}, lifecycle.EventPurge)
	m.AddListener(&StatePersister{Store: store})
}

func comicOf(t lifecycle.Transition) (*Comic, bool) {
	c, ok := t.Entity.(*Comic)
	return c, ok
}

// StatePersister saves the new state of comics changed outside a batch step.
// Purged comics are removed from the store.
type StatePersister struct {
	Store Store
}

func (l *StatePersister) OnTransition(ctx context.Context, t lifecycle.Transition) error {
	c, ok := comicOf(t)
	if !ok || t.Headers.Bool(lifecycle.HeaderBatch) || t.From == t.To {
		return nil
	}
	if t.To == lifecycle.StatePurged {
		return l.Store.PurgeComics(ctx, []*Comic{c})
	}
	return l.Store.SaveComics(ctx, []*Comic{c})
}

// LastReadRecorder keeps the per-user last-read records.
type LastReadRecorder struct {
	Store Store
	Now   func() time.Time
}

func (l *LastReadRecorder) OnTransition(ctx context.Context, t lifecycle.Transition) error {
	c, ok := comicOf(t)
	if !ok {
		return nil
	}
	user := t.Headers.Get(lifecycle.HeaderActor)
	if user == "" {
		return errors.New("last read: missing actor header")
	}
	switch t.Event {
	case lifecycle.EventMarkAsRead:
		now := time.Now().UTC()
		if l.Now != nil {
			now = l.Now()
		}
		return l.Store.SaveLastRead(ctx, LastRead{ComicID: c.ID, User: user, ReadAt: now})
	case lifecycle.EventMarkAsUnread:
		return l.Store.DeleteLastRead(ctx, c.ID, user)
	}
	return nil
}

// ReadingListCleanup drops a comic marked for removal from every reading list
// it belongs to.
type ReadingListCleanup struct {
	Store Store
}

func (l *ReadingListCleanup) OnTransition(ctx context.Context, t lifecycle.Transition) error {
	c, ok := comicOf(t)
	if !ok {
		return nil
	}
	lists, err := l.Store.ReadingListsFor(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("reading lists for comic %d: %w", c.ID, err)
	}
	var errs []error
	for _, list := range lists {
		if err := l.Store.RemoveFromReadingList(ctx, list.ID, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("reading list %d: %w", list.ID, err))
		}
	}
	return errors.Join(errs...)
}

// FileOrganizer moves the comic file into the target directory named by the
// event headers. On failure the comic keeps its old filename.
type FileOrganizer struct{}

func (l *FileOrganizer) OnTransition(ctx context.Context, t lifecycle.Transition) error {
	c, ok := comicOf(t)
	if !ok {
		return nil
	}
	dir := t.Headers.Get(lifecycle.HeaderTargetDirectory)
	if dir == "" {
		return errors.New("organize: missing target directory header")
	}
	dst := TargetPath(c, dir, t.Headers.Get(lifecycle.HeaderRenameRule))
	if err := MoveFile(c.Filename, dst); err != nil {
		return err
	}
	c.Filename = dst
	return nil
}

// FilePurger removes the file of a purged comic when deletion was requested.
type FilePurger struct {
	DeleteFiles bool
}

func (l *FilePurger) OnTransition(ctx context.Context, t lifecycle.Transition) error {
	c, ok := comicOf(t)
	if !ok {
		return nil
	}
	if !l.DeleteFiles && !t.Headers.Bool(lifecycle.HeaderDeleteFile) {
		return nil
	}
	if err := os.Remove(c.Filename); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", c.Filename, err)
	}
	return nil
}
