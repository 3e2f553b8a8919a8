package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	ragerr "github.com/coderag-io/coderag/internal/errors"
)

// SQLiteChunkStore persists chunk metadata for hydration across process
// restarts. The BM25 index and vector store carry postings and vectors;
// this store carries the chunks themselves plus a small key-value state
// table.
type SQLiteChunkStore struct {
	db *sql.DB
}

const chunkSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	id           TEXT PRIMARY KEY,
	content      TEXT NOT NULL,
	nl_summary   TEXT NOT NULL DEFAULT '',
	chunk_type   TEXT NOT NULL DEFAULT '',
	file_path    TEXT NOT NULL,
	language     TEXT NOT NULL DEFAULT '',
	start_line   INTEGER NOT NULL DEFAULT 0,
	end_line     INTEGER NOT NULL DEFAULT 0,
	name         TEXT NOT NULL DEFAULT '',
	declarations TEXT NOT NULL DEFAULT '[]',
	imports      TEXT NOT NULL DEFAULT '[]',
	exports      TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_chunks_file_path ON chunks(file_path);

CREATE TABLE IF NOT EXISTS state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// OpenSQLiteChunkStore opens (or creates) the chunk database at path.
func OpenSQLiteChunkStore(path string) (*SQLiteChunkStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, ragerr.StoreError(ragerr.ErrCodeStoreFailed, fmt.Sprintf("create directory %s", dir), err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, ragerr.StoreError(ragerr.ErrCodeStoreFailed, fmt.Sprintf("open chunk db %s", path), err)
	}

	if _, err := db.Exec(chunkSchema); err != nil {
		_ = db.Close()
		return nil, ragerr.StoreError(ragerr.ErrCodeStoreFailed, "initialize chunk schema", err)
	}

	return &SQLiteChunkStore{db: db}, nil
}

// SaveChunks upserts chunks in a single transaction.
func (s *SQLiteChunkStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ragerr.Wrap(ragerr.KindStore, ragerr.ErrCodeStoreFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, content, nl_summary, chunk_type, file_path, language,
			start_line, end_line, name, declarations, imports, exports)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content=excluded.content, nl_summary=excluded.nl_summary,
			chunk_type=excluded.chunk_type, file_path=excluded.file_path,
			language=excluded.language, start_line=excluded.start_line,
			end_line=excluded.end_line, name=excluded.name,
			declarations=excluded.declarations, imports=excluded.imports,
			exports=excluded.exports`)
	if err != nil {
		return ragerr.Wrap(ragerr.KindStore, ragerr.ErrCodeStoreFailed, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range chunks {
		decls, _ := json.Marshal(emptyIfNil(c.Declarations))
		imports, _ := json.Marshal(emptyIfNil(c.Imports))
		exports, _ := json.Marshal(emptyIfNil(c.Exports))

		if _, err := stmt.ExecContext(ctx, c.ID, c.Content, c.NLSummary, string(c.ChunkType),
			c.FilePath, c.Language, c.StartLine, c.EndLine, c.Name,
			string(decls), string(imports), string(exports)); err != nil {
			return ragerr.Wrap(ragerr.KindStore, ragerr.ErrCodeStoreFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ragerr.Wrap(ragerr.KindStore, ragerr.ErrCodeStoreFailed, err)
	}
	return nil
}

// GetChunk returns the chunk with the given id, or nil if absent.
func (s *SQLiteChunkStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, nl_summary, chunk_type, file_path, language,
			start_line, end_line, name, declarations, imports, exports
		FROM chunks WHERE id = ?`, id)

	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ragerr.Wrap(ragerr.KindStore, ragerr.ErrCodeStoreFailed, err)
	}
	return c, nil
}

// AllChunks returns every stored chunk, ordered by id.
func (s *SQLiteChunkStore) AllChunks(ctx context.Context) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, nl_summary, chunk_type, file_path, language,
			start_line, end_line, name, declarations, imports, exports
		FROM chunks ORDER BY id`)
	if err != nil {
		return nil, ragerr.Wrap(ragerr.KindStore, ragerr.ErrCodeStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, ragerr.Wrap(ragerr.KindStore, ragerr.ErrCodeStoreFailed, err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ragerr.Wrap(ragerr.KindStore, ragerr.ErrCodeStoreFailed, err)
	}
	return chunks, nil
}

// DeleteChunks removes chunks by id.
func (s *SQLiteChunkStore) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ragerr.Wrap(ragerr.KindStore, ragerr.ErrCodeStoreFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, id); err != nil {
			return ragerr.Wrap(ragerr.KindStore, ragerr.ErrCodeStoreFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ragerr.Wrap(ragerr.KindStore, ragerr.ErrCodeStoreFailed, err)
	}
	return nil
}

// CountChunks returns the number of stored chunks.
func (s *SQLiteChunkStore) CountChunks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, ragerr.Wrap(ragerr.KindStore, ragerr.ErrCodeStoreFailed, err)
	}
	return n, nil
}

// GetState reads a state value; empty string if absent.
func (s *SQLiteChunkStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", ragerr.Wrap(ragerr.KindStore, ragerr.ErrCodeStoreFailed, err)
	}
	return value, nil
}

// SetState writes a state value.
func (s *SQLiteChunkStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return ragerr.Wrap(ragerr.KindStore, ragerr.ErrCodeStoreFailed, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteChunkStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var c Chunk
	var chunkType, decls, imports, exports string

	if err := row.Scan(&c.ID, &c.Content, &c.NLSummary, &chunkType, &c.FilePath,
		&c.Language, &c.StartLine, &c.EndLine, &c.Name, &decls, &imports, &exports); err != nil {
		return nil, err
	}

	c.ChunkType = ChunkType(chunkType)
	_ = json.Unmarshal([]byte(decls), &c.Declarations)
	_ = json.Unmarshal([]byte(imports), &c.Imports)
	_ = json.Unmarshal([]byte(exports), &c.Exports)
	return &c, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
