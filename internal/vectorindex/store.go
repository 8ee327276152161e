package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ChamsBouzaiene/coderag/internal/chunker"
)

// FormatVersion is the on-disk layout version written by Save.
const FormatVersion = 1

// CorruptError describes an index file that could not be read back.
type CorruptError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	msg := fmt.Sprintf("index %s is corrupt: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrIndexCorrupt}
	}
	return []error{ErrIndexCorrupt, e.Err}
}

// MismatchError reports a persisted index that does not fit the current
// configuration.
type MismatchError struct {
	Path      string
	Field     string // "model" or "dimension"
	Persisted string
	Expected  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("index %s was built with %s %s, configured %s is %s",
		e.Path, e.Field, e.Persisted, e.Field, e.Expected)
}

func (e *MismatchError) Unwrap() error {
	if e.Field == "dimension" {
		return ErrDimensionMismatch
	}
	return ErrModelMismatch
}

// Expect lists what a loaded index must match. Zero fields are not checked.
type Expect struct {
	RepoID    string
	Model     string
	Dimension int
}

const schema = `
CREATE TABLE meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE files (
	path       TEXT PRIMARY KEY,
	hash       TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	indexed_at INTEGER NOT NULL
);

CREATE TABLE records (
	chunk_id      TEXT PRIMARY KEY,
	file_path     TEXT NOT NULL,
	lang          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	name          TEXT NOT NULL,
	start_line    INTEGER NOT NULL,
	end_line      INTEGER NOT NULL,
	start_byte    INTEGER NOT NULL,
	end_byte      INTEGER NOT NULL,
	context_start INTEGER NOT NULL,
	text          TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	vector        BLOB NOT NULL
);
`

// Save writes ix to path. The snapshot goes to a temporary file in the same
// directory first and replaces path only once it is complete and synced, so
// readers see either the previous snapshot or the new one.
func Save(ctx context.Context, ix *Index, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp-"+uuid.NewString())
	meta := ix.meta
	meta.Generation = uuid.NewString()
	meta.UpdatedAt = time.Now().Unix()

	if err := writeSnapshot(ctx, ix, meta, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := syncFile(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to sync index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace index: %w", err)
	}
	syncDir(dir)

	ix.meta = meta
	ix.dirty = false
	return nil
}

func writeSnapshot(ctx context.Context, ix *Index, meta Meta, path string) error {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(OFF)&_pragma=synchronous(OFF)")
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := writeTables(ctx, db, ix, meta); err != nil {
		db.Close()
		return err
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close index file: %w", err)
	}
	return nil
}

func writeTables(ctx context.Context, db *sql.DB, ix *Index, meta Meta) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create index schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	header := [][2]string{
		{"format_version", strconv.Itoa(FormatVersion)},
		{"repo_id", meta.RepoID},
		{"model", meta.Model},
		{"dimension", strconv.Itoa(meta.Dimension)},
		{"chunker", meta.Chunker},
		{"generation", meta.Generation},
		{"updated_at", strconv.FormatInt(meta.UpdatedAt, 10)},
		{"record_count", strconv.Itoa(ix.Len())},
	}
	for _, kv := range header {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, kv[0], kv[1]); err != nil {
			return fmt.Errorf("failed to write meta %s: %w", kv[0], err)
		}
	}

	fileStmt, err := tx.PrepareContext(ctx, `INSERT INTO files (path, hash, size_bytes, indexed_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare file insert: %w", err)
	}
	defer fileStmt.Close()
	for _, p := range ix.Files() {
		f, ok := ix.files[p]
		if !ok {
			continue
		}
		if _, err := fileStmt.ExecContext(ctx, f.Path, f.Hash, f.SizeBytes, f.IndexedAt); err != nil {
			return fmt.Errorf("failed to write file %s: %w", p, err)
		}
	}

	recStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (chunk_id, file_path, lang, kind, name, start_line, end_line,
			start_byte, end_byte, context_start, text, content_hash, vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare record insert: %w", err)
	}
	defer recStmt.Close()
	for r := range ix.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := r.Chunk
		_, err := recStmt.ExecContext(ctx, c.ID, c.FilePath, c.Lang, c.Kind, c.Name,
			c.Span.StartLine, c.Span.EndLine, c.Span.StartByte, c.Span.EndByte,
			c.ContextStartLine, c.Text, c.ContentHash, encodeVector(r.Vector))
		if err != nil {
			return fmt.Errorf("failed to write record %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index: %w", err)
	}
	return nil
}

// Load reads the index at path and checks it against want.
func Load(ctx context.Context, path string, want Expect) (*Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat index: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	meta, count, err := readMeta(ctx, db, path)
	if err != nil {
		return nil, err
	}
	if want.RepoID != "" && meta.RepoID != want.RepoID {
		return nil, &CorruptError{Path: path, Reason: fmt.Sprintf("belongs to repository %q, not %q", meta.RepoID, want.RepoID)}
	}
	if want.Model != "" && meta.Model != want.Model {
		return nil, &MismatchError{Path: path, Field: "model", Persisted: meta.Model, Expected: want.Model}
	}
	if want.Dimension != 0 && meta.Dimension != 0 && meta.Dimension != want.Dimension {
		return nil, &MismatchError{Path: path, Field: "dimension",
			Persisted: strconv.Itoa(meta.Dimension), Expected: strconv.Itoa(want.Dimension)}
	}

	ix := New(meta.RepoID, meta.Model)
	ix.meta = meta

	if err := readFiles(ctx, db, path, ix); err != nil {
		return nil, err
	}
	if err := readRecords(ctx, db, path, ix); err != nil {
		return nil, err
	}
	if ix.Len() != count {
		return nil, &CorruptError{Path: path, Reason: fmt.Sprintf("holds %d records, header says %d", ix.Len(), count)}
	}
	if count > 0 && meta.Dimension == 0 {
		return nil, &CorruptError{Path: path, Reason: "records present without a dimension"}
	}

	ix.dirty = false
	return ix, nil
}

func readMeta(ctx context.Context, db *sql.DB, path string) (Meta, int, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return Meta{}, 0, &CorruptError{Path: path, Reason: "unreadable header", Err: err}
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Meta{}, 0, &CorruptError{Path: path, Reason: "unreadable header", Err: err}
		}
		kv[k] = v
	}
	if err := rows.Err(); err != nil {
		return Meta{}, 0, &CorruptError{Path: path, Reason: "unreadable header", Err: err}
	}

	if v := kv["format_version"]; v != strconv.Itoa(FormatVersion) {
		return Meta{}, 0, &CorruptError{Path: path, Reason: fmt.Sprintf("unsupported format version %q", v)}
	}
	dim, err := strconv.Atoi(kv["dimension"])
	if err != nil || dim < 0 {
		return Meta{}, 0, &CorruptError{Path: path, Reason: "invalid dimension", Err: err}
	}
	count, err := strconv.Atoi(kv["record_count"])
	if err != nil || count < 0 {
		return Meta{}, 0, &CorruptError{Path: path, Reason: "invalid record count", Err: err}
	}
	updated, _ := strconv.ParseInt(kv["updated_at"], 10, 64)

	return Meta{
		RepoID:     kv["repo_id"],
		Model:      kv["model"],
		Dimension:  dim,
		Chunker:    kv["chunker"],
		Generation: kv["generation"],
		UpdatedAt:  updated,
	}, count, nil
}

func readFiles(ctx context.Context, db *sql.DB, path string, ix *Index) error {
	rows, err := db.QueryContext(ctx, `SELECT path, hash, size_bytes, indexed_at FROM files`)
	if err != nil {
		return &CorruptError{Path: path, Reason: "unreadable file table", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var f FileMeta
		if err := rows.Scan(&f.Path, &f.Hash, &f.SizeBytes, &f.IndexedAt); err != nil {
			return &CorruptError{Path: path, Reason: "unreadable file row", Err: err}
		}
		ix.files[f.Path] = f
	}
	if err := rows.Err(); err != nil {
		return &CorruptError{Path: path, Reason: "unreadable file table", Err: err}
	}
	return nil
}

func readRecords(ctx context.Context, db *sql.DB, path string, ix *Index) error {
	rows, err := db.QueryContext(ctx, `
		SELECT chunk_id, file_path, lang, kind, name, start_line, end_line,
			start_byte, end_byte, context_start, text, content_hash, vector
		FROM records`)
	if err != nil {
		return &CorruptError{Path: path, Reason: "unreadable record table", Err: err}
	}
	defer rows.Close()

	dim := ix.meta.Dimension
	for rows.Next() {
		var c chunker.Chunk
		var blob []byte
		err := rows.Scan(&c.ID, &c.FilePath, &c.Lang, &c.Kind, &c.Name,
			&c.Span.StartLine, &c.Span.EndLine, &c.Span.StartByte, &c.Span.EndByte,
			&c.ContextStartLine, &c.Text, &c.ContentHash, &blob)
		if err != nil {
			return &CorruptError{Path: path, Reason: "unreadable record row", Err: err}
		}
		if len(blob) != 4*dim {
			return &CorruptError{Path: path, Reason: fmt.Sprintf("record %s has a %d byte vector, want %d", c.ID, len(blob), 4*dim)}
		}
		c.RepoID = ix.meta.RepoID
		vec := decodeVector(blob)
		ix.records[c.ID] = Record{Chunk: c, Vector: vec}
		ix.norms[c.ID] = norm(vec)
		set := ix.byFile[c.FilePath]
		if set == nil {
			set = make(map[string]struct{})
			ix.byFile[c.FilePath] = set
		}
		set[c.ID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return &CorruptError{Path: path, Reason: "unreadable record table", Err: err}
	}
	return nil
}

// encodeVector converts a float32 slice to little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector converts little-endian bytes to a float32 slice.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
