package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"vulnverify/internal/extractor"
	"vulnverify/internal/knowledge"
	"vulnverify/internal/logging"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const defaultBuildBatch = 64

// Options configures a SQLiteStore.
type Options struct {
	// Embedder is required by Build; a read-only store may leave it nil.
	Embedder  knowledge.Embedder
	BatchSize int
	// Progress is called after every committed batch with units done so far.
	Progress func(done, total int)
	Logger   *zap.Logger
}

type SQLiteStore struct {
	db   *sql.DB
	opts Options
	log  *zap.Logger
}

var _ VectorStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates or opens a SQLite database.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBuildBatch
	}
	s := &SQLiteStore{db: db, opts: opts, log: logging.OrNop(opts.Logger)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS embeddings (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			unit_id TEXT NOT NULL UNIQUE,
			container_name TEXT NOT NULL,
			text TEXT NOT NULL,
			embedding BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Dimension returns the vector size recorded by the first Build, or 0.
func (s *SQLiteStore) Dimension(ctx context.Context) (int, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'dimension'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

func (s *SQLiteStore) Build(ctx context.Context, units []extractor.CodeUnit) error {
	if s.opts.Embedder == nil {
		return errors.New("store has no embedder configured")
	}

	// First occurrence of an id wins within one call.
	seen := make(map[string]struct{}, len(units))
	pending := make([]extractor.CodeUnit, 0, len(units))
	for _, u := range units {
		if u.ID == "" {
			continue
		}
		if _, dup := seen[u.ID]; dup {
			s.log.Debug("skipping duplicate unit", zap.String("unit_id", u.ID))
			continue
		}
		seen[u.ID] = struct{}{}
		pending = append(pending, u)
	}

	dim, err := s.Dimension(ctx)
	if err != nil {
		return fmt.Errorf("read store dimension: %w", err)
	}
	if want := s.opts.Embedder.Dimension(); want > 0 {
		if dim > 0 && dim != want {
			return fmt.Errorf("store holds %d-dimensional vectors but embedder produces %d", dim, want)
		}
		dim = want
	}

	total := len(pending)
	for i := 0; i < total; i += s.opts.BatchSize {
		end := min(i+s.opts.BatchSize, total)
		batch := pending[i:end]

		texts := make([]string, len(batch))
		for j, u := range batch {
			texts[j] = u.Text
		}
		vecs, err := s.opts.Embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch %d-%d: %w", i, end, err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vecs), len(batch))
		}
		if dim == 0 && len(vecs) > 0 {
			dim = len(vecs[0])
		}
		for j, v := range vecs {
			if len(v) != dim {
				return &DimensionError{UnitID: batch[j].ID, Got: len(v), Want: dim}
			}
		}

		if err := s.saveBatch(ctx, batch, vecs, dim); err != nil {
			return err
		}
		if s.opts.Progress != nil {
			s.opts.Progress(end, total)
		}
	}
	return nil
}

func (s *SQLiteStore) saveBatch(ctx context.Context, batch []extractor.CodeUnit, vecs [][]float32, dim int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO store_meta (key, value) VALUES ('dimension', ?)
		ON CONFLICT(key) DO NOTHING
	`, strconv.Itoa(dim)); err != nil {
		return err
	}

	// Upsert keeps seq, so a rebuilt unit stays at its original position.
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (unit_id, container_name, text, embedding) VALUES (?, ?, ?, ?)
		ON CONFLICT(unit_id) DO UPDATE SET
			container_name=excluded.container_name,
			text=excluded.text,
			embedding=excluded.embedding
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for j, u := range batch {
		blob, err := encodeVector(vecs[j])
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, u.ID, u.ContainerName, u.Text, blob); err != nil {
			return fmt.Errorf("save %s: %w", u.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) All(ctx context.Context) ([]EmbeddingRecord, error) {
	dim, err := s.Dimension(ctx)
	if err != nil {
		return nil, fmt.Errorf("read store dimension: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT unit_id, container_name, text, embedding FROM embeddings ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	var records []EmbeddingRecord
	for rows.Next() {
		var (
			r    EmbeddingRecord
			blob []byte
		)
		if err := rows.Scan(&r.UnitID, &r.Metadata.ContainerName, &r.Metadata.Text, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		r.Metadata.UnitID = r.UnitID
		r.Vector, err = decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("corrupt embedding for %s: %w", r.UnitID, err)
		}
		if len(r.Vector) != dim {
			return nil, &DimensionError{UnitID: r.UnitID, Got: len(r.Vector), Want: dim}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Load(ctx context.Context) (*Index, error) {
	records, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return NewIndex(records)
}

// UnitIDs lists stored ids in insertion order.
func (s *SQLiteStore) UnitIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT unit_id FROM embeddings ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes the given units.
func (s *SQLiteStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM embeddings WHERE unit_id = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func encodeVector(v []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(blob))
	}
	v := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}
