package kv

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"github.com/RoaringBitmap/roaring/v2"

	"streamjoin/internal/vnode"
)

// MySQLStore is a Store backed by a real MySQL database: committed rows are
// read directly from MySQL (so a freshly constructed MySQLStore recovers
// exactly what a prior process committed), while writes buffered under the
// current uncommitted epoch are held in process memory and flushed
// transactionally to MySQL on Commit.
type MySQLStore struct {
	db *sql.DB

	mu      sync.Mutex
	epochs  map[string]uint64
	bitmaps map[string]*roaring.Bitmap
	pending map[string]map[string]*pendingWrite
}

// NewMySQLStore opens db (already connected via sql.Open with the
// go-sql-driver/mysql DSN format) as a Store.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{
		db:      db,
		epochs:  make(map[string]uint64),
		bitmaps: make(map[string]*roaring.Bitmap),
		pending: make(map[string]map[string]*pendingWrite),
	}
}

var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func physicalTableName(table string) (string, error) {
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("kv: table name %q is not a valid SQL identifier", table)
	}
	return "kv_data_" + table, nil
}

// EnsureSchema creates the backing table for a logical table if it does not
// already exist. Callers must invoke this once per logical table before use.
func (s *MySQLStore) EnsureSchema(ctx context.Context, table string) error {
	phys, err := physicalTableName(table)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS `%s` ("+
			"pk_key VARBINARY(1024) NOT NULL PRIMARY KEY, "+
			"vnode INT UNSIGNED NOT NULL, "+
			"value_bytes LONGBLOB NOT NULL, "+
			"INDEX idx_vnode (vnode)"+
			") ENGINE=InnoDB", phys))
	if err != nil {
		return fmt.Errorf("kv: create backing table for %q: %w", table, err)
	}
	_, err = s.db.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS kv_meta ("+
			"table_name VARCHAR(128) NOT NULL PRIMARY KEY, "+
			"epoch BIGINT UNSIGNED NOT NULL"+
			") ENGINE=InnoDB")
	if err != nil {
		return fmt.Errorf("kv: create metadata table: %w", err)
	}
	return nil
}

func (s *MySQLStore) pendingFor(table string) map[string]*pendingWrite {
	p, ok := s.pending[table]
	if !ok {
		p = make(map[string]*pendingWrite)
		s.pending[table] = p
	}
	return p
}

func (s *MySQLStore) BeginEpoch(ctx context.Context, table string, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.epochs[table]; ok {
		s.epochs[table] = epoch
		return nil
	}

	var stored uint64
	err := s.db.QueryRowContext(ctx, "SELECT epoch FROM kv_meta WHERE table_name = ?", table).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		s.epochs[table] = epoch
		_, err = s.db.ExecContext(ctx, "INSERT INTO kv_meta (table_name, epoch) VALUES (?, ?)", table, epoch)
		return err
	case err != nil:
		return fmt.Errorf("kv: read epoch metadata: %w", err)
	default:
		s.epochs[table] = stored
		return nil
	}
}

func (s *MySQLStore) Get(ctx context.Context, table string, key []byte) ([]byte, error) {
	s.mu.Lock()
	bitmap := s.bitmaps[table]
	if bitmap != nil && !bitmap.Contains(vnode.VnodeOfPrefixed(key)) {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if pw, ok := s.pendingFor(table)[string(key)]; ok {
		s.mu.Unlock()
		if pw.deleted {
			return nil, ErrNotFound
		}
		return append([]byte(nil), pw.value...), nil
	}
	s.mu.Unlock()

	phys, err := physicalTableName(table)
	if err != nil {
		return nil, err
	}
	var value []byte
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT value_bytes FROM `%s` WHERE pk_key = ?", phys), key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get from %q: %w", table, err)
	}
	return value, nil
}

func (s *MySQLStore) Put(_ context.Context, table string, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingFor(table)[string(key)] = &pendingWrite{value: append([]byte(nil), value...)}
	return nil
}

func (s *MySQLStore) Delete(_ context.Context, table string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingFor(table)[string(key)] = &pendingWrite{deleted: true}
	return nil
}

func (s *MySQLStore) Commit(ctx context.Context, table string, nextEpoch uint64) error {
	s.mu.Lock()
	current := s.epochs[table]
	if nextEpoch <= current {
		s.mu.Unlock()
		return fmt.Errorf("kv: commit epoch %d does not advance current epoch %d", nextEpoch, current)
	}
	writes := s.pendingFor(table)
	s.mu.Unlock()

	phys, err := physicalTableName(table)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv: begin commit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for k, pw := range writes {
		key := []byte(k)
		if pw.deleted {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM `%s` WHERE pk_key = ?", phys), key); err != nil {
				return fmt.Errorf("kv: delete during commit: %w", err)
			}
			continue
		}
		v := vnode.VnodeOfPrefixed(key)
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO `%s` (pk_key, vnode, value_bytes) VALUES (?, ?, ?) "+
				"ON DUPLICATE KEY UPDATE value_bytes = VALUES(value_bytes), vnode = VALUES(vnode)", phys),
			key, v, pw.value)
		if err != nil {
			return fmt.Errorf("kv: put during commit: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "UPDATE kv_meta SET epoch = ? WHERE table_name = ?", nextEpoch, table); err != nil {
		return fmt.Errorf("kv: advance epoch during commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kv: commit transaction: %w", err)
	}

	s.mu.Lock()
	s.epochs[table] = nextEpoch
	s.pending[table] = make(map[string]*pendingWrite)
	s.mu.Unlock()
	return nil
}

func (s *MySQLStore) UpdateVnodeBitmap(_ context.Context, table string, bitmap *roaring.Bitmap) (*roaring.Bitmap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.bitmaps[table]
	s.bitmaps[table] = bitmap
	return prev, nil
}

func (s *MySQLStore) Iter(ctx context.Context, table string, prefix []byte) (Iterator, error) {
	phys, err := physicalTableName(table)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	bitmap := s.bitmaps[table]
	pendingCopy := make(map[string]*pendingWrite, len(s.pendingFor(table)))
	for k, v := range s.pendingFor(table) {
		pendingCopy[k] = v
	}
	s.mu.Unlock()

	query := fmt.Sprintf("SELECT pk_key, value_bytes FROM `%s` WHERE pk_key >= ?", phys)
	args := []any{prefix}
	if upper, bounded := prefixUpperBound(prefix); bounded {
		query += " AND pk_key < ?"
		args = append(args, upper)
	}
	query += " ORDER BY pk_key ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kv: iter %q: %w", table, err)
	}
	defer rows.Close()

	merged := make(map[string][]byte)
	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("kv: scan iter row: %w", err)
		}
		merged[string(key)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv: iter %q: %w", table, err)
	}

	for k, pw := range pendingCopy {
		kb := []byte(k)
		if !bytes.HasPrefix(kb, prefix) {
			continue
		}
		if pw.deleted {
			delete(merged, k)
		} else {
			merged[k] = pw.value
		}
	}

	var entries []Entry
	for k, v := range merged {
		kb := []byte(k)
		if bitmap != nil && !bitmap.Contains(vnode.VnodeOfPrefixed(kb)) {
			continue
		}
		entries = append(entries, Entry{Key: kb, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].Key, entries[j].Key) < 0 })

	return &sliceIterator{entries: entries, pos: -1}, nil
}

// prefixUpperBound computes an exclusive upper bound for a byte-prefix
// range scan: prefix with its last non-0xFF byte incremented and the
// trailing 0xFF run dropped. Returns (nil, false) when prefix is empty or
// all 0xFF (no finite upper bound exists).
func prefixUpperBound(prefix []byte) ([]byte, bool) {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1], true
		}
	}
	return nil, false
}
