package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulgrammer/comicbatch/internal/comic"
	"github.com/paulgrammer/comicbatch/internal/lifecycle"
)

var _ comic.Store = (*Store)(nil)

// Store keeps the comic library in SQLite.
type Store struct {
	db  *DB
	now func() time.Time
}

func NewStore(db *DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) AddDescriptors(ctx context.Context, filenames ...string) error {
	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, f := range filenames {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO descriptors (filename, discovered_at) VALUES (?, ?)`, f, now); err != nil {
				return fmt.Errorf("insert descriptor %s: %w", f, err)
			}
		}
		return nil
	})
}

func (s *Store) CountUnimported(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM descriptors WHERE imported = 0`).Scan(&n)
	return n, err
}

func (s *Store) ListUnimported(ctx context.Context, after int64, limit int) ([]comic.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, imported, discovered_at FROM descriptors
		 WHERE imported = 0 AND id > ? ORDER BY id LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []comic.Descriptor
	for rows.Next() {
		var d comic.Descriptor
		var discovered string
		if err := rows.Scan(&d.ID, &d.Filename, &d.Imported, &discovered); err != nil {
			return nil, err
		}
		if d.DiscoveredAt, err = parseTime(discovered); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ImportComics(ctx context.Context, comics []*comic.Comic) error {
	ids := make([]int64, len(comics))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i, c := range comics {
			var imported bool
			err := tx.QueryRowContext(ctx, `SELECT imported FROM descriptors WHERE id = ?`, c.DescriptorID).Scan(&imported)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return err
			case imported:
				return fmt.Errorf("descriptor %d: %w", c.DescriptorID, comic.ErrAlreadyImported)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE descriptors SET imported = 1 WHERE id = ?`, c.DescriptorID); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO comics (descriptor_id, filename, archive_type, file_size, publisher, series, volume, issue, state, added_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				c.DescriptorID, c.Filename, c.ArchiveType, c.FileSize, c.Publisher, c.Series, c.Volume, c.Issue,
				string(c.State), formatTime(c.AddedAt), formatTime(c.UpdatedAt))
			if err != nil {
				return fmt.Errorf("insert comic %s: %w", c.Filename, err)
			}
			if ids[i], err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, c := range comics {
		c.ID = ids[i]
	}
	return nil
}

func (s *Store) CountByState(ctx context.Context, states ...lifecycle.State) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM comics WHERE state IN (`+placeholders(len(states))+`)`, args...).Scan(&n)
	return n, err
}

const comicColumns = `id, descriptor_id, filename, archive_type, file_size, publisher, series, volume, issue, state, added_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanComic(row scanner) (*comic.Comic, error) {
	var c comic.Comic
	var state, added, updated string
	if err := row.Scan(&c.ID, &c.DescriptorID, &c.Filename, &c.ArchiveType, &c.FileSize,
		&c.Publisher, &c.Series, &c.Volume, &c.Issue, &state, &added, &updated); err != nil {
		return nil, err
	}
	c.State = lifecycle.State(state)
	var err error
	if c.AddedAt, err = parseTime(added); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListByState(ctx context.Context, state lifecycle.State, after int64, limit int) ([]*comic.Comic, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+comicColumns+` FROM comics WHERE state = ? AND id > ? ORDER BY id LIMIT ?`,
		string(state), after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*comic.Comic
	for rows.Next() {
		c, err := scanComic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetComic(ctx context.Context, id int64) (*comic.Comic, error) {
	c, err := scanComic(s.db.QueryRowContext(ctx, `SELECT `+comicColumns+` FROM comics WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, comic.ErrNotFound
	}
	return c, err
}

func (s *Store) SaveComics(ctx context.Context, comics []*comic.Comic) error {
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range comics {
			res, err := tx.ExecContext(ctx,
				`UPDATE comics SET filename = ?, archive_type = ?, file_size = ?, publisher = ?, series = ?,
				 volume = ?, issue = ?, state = ?, updated_at = ? WHERE id = ?`,
				c.Filename, c.ArchiveType, c.FileSize, c.Publisher, c.Series, c.Volume, c.Issue,
				string(c.State), formatTime(now), c.ID)
			if err != nil {
				return fmt.Errorf("update comic %d: %w", c.ID, err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return fmt.Errorf("comic %d: %w", c.ID, comic.ErrNotFound)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range comics {
		c.UpdatedAt = now
	}
	return nil
}

func (s *Store) PurgeComics(ctx context.Context, comics []*comic.Comic) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range comics {
			for _, q := range []string{
				`DELETE FROM reading_list_entries WHERE comic_id = ?`,
				`DELETE FROM last_reads WHERE comic_id = ?`,
				`DELETE FROM comics WHERE id = ?`,
			} {
				if _, err := tx.ExecContext(ctx, q, c.ID); err != nil {
					return fmt.Errorf("purge comic %d: %w", c.ID, err)
				}
			}
		}
		return nil
	})
}

func (s *Store) SaveReadingList(ctx context.Context, list *comic.ReadingList) error {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id = list.ID
		if id == 0 {
			res, err := tx.ExecContext(ctx, `INSERT INTO reading_lists (name, owner) VALUES (?, ?)`, list.Name, list.Owner)
			if err != nil {
				return err
			}
			if id, err = res.LastInsertId(); err != nil {
				return err
			}
		} else {
			res, err := tx.ExecContext(ctx, `UPDATE reading_lists SET name = ?, owner = ? WHERE id = ?`, list.Name, list.Owner, id)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return comic.ErrNotFound
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM reading_list_entries WHERE list_id = ?`, id); err != nil {
				return err
			}
		}
		for pos, comicID := range list.ComicIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO reading_list_entries (list_id, comic_id, position) VALUES (?, ?, ?)`,
				id, comicID, pos); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	list.ID = id
	return nil
}

func (s *Store) ReadingListsFor(ctx context.Context, comicID int64) ([]comic.ReadingList, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.id, l.name, l.owner FROM reading_lists l
		 JOIN reading_list_entries e ON e.list_id = l.id
		 WHERE e.comic_id = ? ORDER BY l.id`, comicID)
	if err != nil {
		return nil, err
	}
	var lists []comic.ReadingList
	for rows.Next() {
		var l comic.ReadingList
		if err := rows.Scan(&l.ID, &l.Name, &l.Owner); err != nil {
			rows.Close()
			return nil, err
		}
		lists = append(lists, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range lists {
		if lists[i].ComicIDs, err = s.entries(ctx, lists[i].ID); err != nil {
			return nil, err
		}
	}
	return lists, nil
}

func (s *Store) entries(ctx context.Context, listID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT comic_id FROM reading_list_entries WHERE list_id = ? ORDER BY position`, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) RemoveFromReadingList(ctx context.Context, listID, comicID int64) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM reading_lists WHERE id = ?`, listID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return comic.ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM reading_list_entries WHERE list_id = ? AND comic_id = ?`, listID, comicID)
	return err
}

func (s *Store) SaveLastRead(ctx context.Context, lr comic.LastRead) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_reads (comic_id, reader, read_at) VALUES (?, ?, ?)
		 ON CONFLICT (comic_id, reader) DO UPDATE SET read_at = excluded.read_at`,
		lr.ComicID, lr.User, formatTime(lr.ReadAt))
	return err
}

func (s *Store) DeleteLastRead(ctx context.Context, comicID int64, user string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM last_reads WHERE comic_id = ? AND reader = ?`, comicID, user)
	return err
}

func (s *Store) LastReads(ctx context.Context, comicID int64) ([]comic.LastRead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT comic_id, reader, read_at FROM last_reads WHERE comic_id = ? ORDER BY reader`, comicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []comic.LastRead
	for rows.Next() {
		var lr comic.LastRead
		var readAt string
		if err := rows.Scan(&lr.ComicID, &lr.User, &readAt); err != nil {
			return nil, err
		}
		if lr.ReadAt, err = parseTime(readAt); err != nil {
			return nil, err
		}
		out = append(out, lr)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
