package comic

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/paulgrammer/comicbatch/internal/lifecycle"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the library in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	descriptors map[int64]*Descriptor
	comics      map[int64]*Comic
	lists       map[int64]*ReadingList
	lastRead    map[int64]map[string]LastRead
	nextID      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		descriptors: make(map[int64]*Descriptor),
		comics:      make(map[int64]*Comic),
		lists:       make(map[int64]*ReadingList),
		lastRead:    make(map[int64]map[string]LastRead),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) AddDescriptors(ctx context.Context, filenames ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range filenames {
		id := s.id()
		s.descriptors[id] = &Descriptor{ID: id, Filename: f, DiscoveredAt: time.Now().UTC()}
	}
	return nil
}

func (s *MemoryStore) CountUnimported(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, d := range s.descriptors {
		if !d.Imported {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListUnimported(ctx context.Context, after int64, limit int) ([]Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Descriptor
	for _, d := range s.descriptors {
		if !d.Imported && d.ID > after {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ImportComics(ctx context.Context, comics []*Comic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range comics {
		if d, ok := s.descriptors[c.DescriptorID]; ok && d.Imported {
			return ErrAlreadyImported
		}
	}
	for _, c := range comics {
		if d, ok := s.descriptors[c.DescriptorID]; ok {
			d.Imported = true
		}
		if c.ID == 0 {
			c.ID = s.id()
		}
		cp := *c
		s.comics[c.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) CountByState(ctx context.Context, states ...lifecycle.State) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, c := range s.comics {
		if slices.Contains(states, c.State) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListByState(ctx context.Context, state lifecycle.State, after int64, limit int) ([]*Comic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Comic
	for _, c := range s.comics {
		if c.State == state && c.ID > after {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetComic(ctx context.Context, id int64) (*Comic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.comics[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) SaveComics(ctx context.Context, comics []*Comic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range comics {
		if _, ok := s.comics[c.ID]; !ok {
			return ErrNotFound
		}
	}
	now := time.Now().UTC()
	for _, c := range comics {
		c.UpdatedAt = now
		cp := *c
		s.comics[c.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) PurgeComics(ctx context.Context, comics []*Comic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range comics {
		delete(s.comics, c.ID)
		delete(s.lastRead, c.ID)
		for _, l := range s.lists {
			l.ComicIDs = slices.DeleteFunc(l.ComicIDs, func(id int64) bool { return id == c.ID })
		}
	}
	return nil
}

func (s *MemoryStore) SaveReadingList(ctx context.Context, list *ReadingList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if list.ID == 0 {
		list.ID = s.id()
	}
	cp := *list
	cp.ComicIDs = slices.Clone(list.ComicIDs)
	s.lists[list.ID] = &cp
	return nil
}

func (s *MemoryStore) ReadingListsFor(ctx context.Context, comicID int64) ([]ReadingList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ReadingList
	for _, l := range s.lists {
		if slices.Contains(l.ComicIDs, comicID) {
			cp := *l
			cp.ComicIDs = slices.Clone(l.ComicIDs)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) RemoveFromReadingList(ctx context.Context, listID, comicID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[listID]
	if !ok {
		return ErrNotFound
	}
	l.ComicIDs = slices.DeleteFunc(l.ComicIDs, func(id int64) bool { return id == comicID })
	return nil
}

func (s *MemoryStore) SaveLastRead(ctx context.Context, lr LastRead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRead[lr.ComicID] == nil {
		s.lastRead[lr.ComicID] = make(map[string]LastRead)
	}
	s.lastRead[lr.ComicID][lr.User] = lr
	return nil
}

func (s *MemoryStore) DeleteLastRead(ctx context.Context, comicID int64, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastRead[comicID], user)
	return nil
}

func (s *MemoryStore) LastReads(ctx context.Context, comicID int64) ([]LastRead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LastRead
	for _, lr := range s.lastRead[comicID] {
		out = append(out, lr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out, nil
}
