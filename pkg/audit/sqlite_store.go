package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBatchStore keeps sealed batches in a local SQLite file so an
// unanchored batch survives restarts.
type SQLiteBatchStore struct {
	db *sql.DB
}

// OpenSQLiteBatchStore opens path (":memory:" for tests) and migrates.
func OpenSQLiteBatchStore(ctx context.Context, path string) (*SQLiteBatchStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each new connection would see its own empty database.
		db.SetMaxOpenConns(1)
	}
	return NewSQLiteBatchStore(ctx, db)
}

func NewSQLiteBatchStore(ctx context.Context, db *sql.DB) (*SQLiteBatchStore, error) {
	s := &SQLiteBatchStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteBatchStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_batches (
		id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL UNIQUE,
		merkle_root TEXT NOT NULL,
		prev_root TEXT NOT NULL DEFAULT '',
		sealed_at TEXT NOT NULL,
		key_id TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL DEFAULT '',
		entries JSON NOT NULL,
		leaf_hashes JSON NOT NULL,
		anchor JSON
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate audit_batches: %w", err)
	}
	return nil
}

// SaveSealed is idempotent on the batch id.
func (s *SQLiteBatchStore) SaveSealed(ctx context.Context, b *Batch) error {
	entries, err := json.Marshal(b.Entries)
	if err != nil {
		return err
	}
	leaves, err := json.Marshal(b.LeafHashes)
	if err != nil {
		return err
	}
	query := `INSERT INTO audit_batches (
		id, sequence, merkle_root, prev_root, sealed_at, key_id, signature, entries, leaf_hashes
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query,
		b.ID, int64(b.Sequence), b.MerkleRoot, b.PrevRoot, b.SealedAt.UTC().Format(time.RFC3339Nano),
		b.KeyID, b.Signature, string(entries), string(leaves),
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch %s: %w", b.ID, err)
	}
	return nil
}

func (s *SQLiteBatchStore) MarkAnchored(ctx context.Context, batchID string, ref AnchorRef) error {
	raw, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE audit_batches SET anchor = ? WHERE id = ?`, string(raw), batchID)
	if err != nil {
		return fmt.Errorf("mark anchored %s: %w", batchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return nil
}

const batchColumns = `id, sequence, merkle_root, prev_root, sealed_at, key_id, signature, entries, leaf_hashes, anchor`

func (s *SQLiteBatchStore) Get(ctx context.Context, batchID string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM audit_batches WHERE id = ?`, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return b, err
}

func (s *SQLiteBatchStore) Unanchored(ctx context.Context) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM audit_batches WHERE anchor IS NULL ORDER BY sequence`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteBatchStore) Latest(ctx context.Context) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM audit_batches ORDER BY sequence DESC LIMIT 1`)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// FindEntry searches the stored entry arrays with SQLite's json_each.
func (s *SQLiteBatchStore) FindEntry(ctx context.Context, entryID string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT b.id, b.sequence, b.merkle_root, b.prev_root, b.sealed_at, b.key_id,
		b.signature, b.entries, b.leaf_hashes, b.anchor
		FROM audit_batches AS b, json_each(b.entries) AS e
		WHERE json_extract(e.value, '$.id') = ?
		LIMIT 1`, entryID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	return b, err
}

func (s *SQLiteBatchStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(r rowScanner) (*Batch, error) {
	var (
		b        Batch
		seq      int64
		sealedAt string
		entries  string
		leaves   string
		anchor   sql.NullString
	)
	if err := r.Scan(&b.ID, &seq, &b.MerkleRoot, &b.PrevRoot, &sealedAt, &b.KeyID, &b.Signature, &entries, &leaves, &anchor); err != nil {
		return nil, err
	}
	b.Sequence = uint64(seq)
	t, err := time.Parse(time.RFC3339Nano, sealedAt)
	if err != nil {
		return nil, fmt.Errorf("batch %s sealed_at: %w", b.ID, err)
	}
	b.SealedAt = t
	if err := json.Unmarshal([]byte(entries), &b.Entries); err != nil {
		return nil, fmt.Errorf("batch %s entries: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(leaves), &b.LeafHashes); err != nil {
		return nil, fmt.Errorf("batch %s leaves: %w", b.ID, err)
	}
	if anchor.Valid && anchor.String != "" {
		var ref AnchorRef
		if err := json.Unmarshal([]byte(anchor.String), &ref); err != nil {
			return nil, fmt.Errorf("batch %s anchor: %w", b.ID, err)
		}
		b.Anchor = &ref
	}
	return &b, nil
}
