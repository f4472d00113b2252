package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/icon-resolver/internal/store"
)

// EntryStore implements store.EntryRepository.
type EntryStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.EntryRepository = (*EntryStore)(nil)

const entryColumns = `id, title, url, username, notes, fields, icon_hash, modified`

// PutEntry inserts or replaces an entry.
func (s *EntryStore) PutEntry(ctx context.Context, e store.Entry) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title, url = excluded.url, username = excluded.username,
		   notes = excluded.notes, fields = excluded.fields,
		   icon_hash = excluded.icon_hash, modified = excluded.modified`,
		e.ID, e.Title, e.URL, e.Username, e.Notes, string(fields), e.IconRef, toNanos(e.Modified),
	)
	if err != nil {
		return fmt.Errorf("put entry %s: %w", e.ID, err)
	}
	return nil
}

// GetEntry loads one entry.
func (s *EntryStore) GetEntry(ctx context.Context, id string) (store.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Entry{}, store.ErrNotFound
	}
	if err != nil {
		return store.Entry{}, fmt.Errorf("get entry %s: %w", id, err)
	}
	return e, nil
}

// ListEntries returns every entry ordered by ID.
func (s *EntryStore) ListEntries(ctx context.Context) ([]store.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return out, nil
}

// AssignIcon inserts the icon when new and points the entry at it in one
// transaction.
func (s *EntryStore) AssignIcon(ctx context.Context, entryID, hash string, data []byte) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assign icon: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO icons (hash, data, created) VALUES (?, ?, ?) ON CONFLICT(hash) DO NOTHING`,
		hash, data, toNanos(s.now()),
	); err != nil {
		return fmt.Errorf("insert icon %s: %w", hash, err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE entries SET icon_hash = ? WHERE id = ?`, hash, entryID)
	if err != nil {
		return fmt.Errorf("assign icon to %s: %w", entryID, err)
	}
	if err = requireRow(res); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit assign icon: %w", err)
	}
	return nil
}

// SetIconName names a stored icon.
func (s *EntryStore) SetIconName(ctx context.Context, hash, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE icons SET name = ? WHERE hash = ?`, name, hash)
	if err != nil {
		return fmt.Errorf("name icon %s: %w", hash, err)
	}
	return requireRow(res)
}

// Touch sets the entry modification time.
func (s *EntryStore) Touch(ctx context.Context, entryID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entries SET modified = ? WHERE id = ?`, toNanos(at), entryID)
	if err != nil {
		return fmt.Errorf("touch entry %s: %w", entryID, err)
	}
	return requireRow(res)
}

// GetIcon loads a stored icon.
func (s *EntryStore) GetIcon(ctx context.Context, hash string) (store.Icon, error) {
	var (
		icon    store.Icon
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT hash, name, data, created FROM icons WHERE hash = ?`, hash,
	).Scan(&icon.Hash, &icon.Name, &icon.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Icon{}, store.ErrNotFound
	}
	if err != nil {
		return store.Icon{}, fmt.Errorf("get icon %s: %w", hash, err)
	}
	icon.Created = fromNanos(created)
	return icon, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (store.Entry, error) {
	var (
		e        store.Entry
		fields   string
		modified int64
	)
	if err := row.Scan(&e.ID, &e.Title, &e.URL, &e.Username, &e.Notes, &fields, &e.IconRef, &modified); err != nil {
		return store.Entry{}, err
	}
	if fields != "" && fields != "null" {
		if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
			return store.Entry{}, fmt.Errorf("decode fields of %s: %w", e.ID, err)
		}
	}
	e.Modified = fromNanos(modified)
	return e, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
