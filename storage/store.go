// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage persists call history, chat snapshots, albums, and
// received files in a local SQLite database. Records are CBOR blobs
// keyed by id; file content is compressed according to its media type
// before it is written.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sidelink/sidelink/protocol"
	"github.com/sidelink/sidelink/transfer"
)

// schema is applied once per database. Records carry their own shape
// inside the CBOR blob; the columns exist only for keys and ordering.
const schema = `
CREATE TABLE IF NOT EXISTS calls (
    id         TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL,
    record     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS calls_started ON calls(started_at DESC);

CREATE TABLE IF NOT EXISTS chat_snapshots (
    id       TEXT PRIMARY KEY,
    peer     TEXT NOT NULL,
    saved_at INTEGER NOT NULL,
    record   BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_snapshots_saved ON chat_snapshots(saved_at DESC);

CREATE TABLE IF NOT EXISTS albums (
    id         TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    record     BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
    id         TEXT PRIMARY KEY,
    album_id   TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    record     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS files_album ON files(album_id);

CREATE TABLE IF NOT EXISTS blobs (
    file_id     TEXT PRIMARY KEY,
    compression INTEGER NOT NULL,
    size        INTEGER NOT NULL,
    content     BLOB NOT NULL
);
`

// CallRecord summarizes one completed call.
type CallRecord struct {
	ID        string `cbor:"id"`
	Peer      string `cbor:"peer"`
	StartedAt int64  `cbor:"startedAt"` // unix milliseconds
	EndedAt   int64  `cbor:"endedAt"`
	Messages  int    `cbor:"messages"`
}

// ChatSnapshot is the persisted form of a conversation's chat log.
type ChatSnapshot struct {
	ID      string           `cbor:"id"`
	Peer    string           `cbor:"peer"`
	SavedAt int64            `cbor:"savedAt"`
	Entries []protocol.Entry `cbor:"entries"`
}

// FileRecord describes one stored file, sent or received. Content is
// present in the blobs table only for received files.
type FileRecord struct {
	ID      string            `cbor:"id"`
	AlbumID string            `cbor:"albumId,omitempty"`
	Meta    protocol.FileMeta `cbor:"meta"`
}

// Store is the persistence layer for one local database.
//
// Store is safe for concurrent use; every method borrows a pooled
// connection for its duration. Two connections cover this app's
// concurrency: the client event loop plus one transfer-completion or
// CLI query at a time.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open opens (creating if needed) the database at path and applies the
// schema. The caller must Close the store when done.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := 2
	if path == ":memory:" {
		// In-memory connections are independent databases.
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", path, err)
	}
	logger.Info("database opened", "path", path)

	return &Store{pool: pool, logger: logger, path: path}, nil
}

// prepareConnection applies the standard pragmas and the schema. Runs
// once per pooled connection, on first use.
func prepareConnection(conn *sqlite.Conn) error {
	// WAL mode: concurrent readers, single writer, no reader blocking.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// take borrows a pooled connection; the caller must Put it back.
func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: take: %w", err)
	}
	return conn, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("storage: closing %s: %w", s.path, err)
	}
	s.logger.Info("database closed", "path", s.path)
	return nil
}

// PutCallRecord persists one completed call. A record with no ID is
// assigned one.
func (s *Store) PutCallRecord(ctx context.Context, record CallRecord) (string, error) {
	if record.ID == "" {
		record.ID = "call_" + uuid.NewString()
	}

	encoded, err := encodeRecord(record)
	if err != nil {
		return "", fmt.Errorf("storage: encoding call record: %w", err)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT OR REPLACE INTO calls (id, started_at, record) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{record.ID, record.StartedAt, encoded}},
	)
	if err != nil {
		return "", fmt.Errorf("storage: inserting call record: %w", err)
	}
	return record.ID, nil
}

// ListRecentCalls returns up to limit calls, most recent first.
func (s *Store) ListRecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var records []CallRecord
	err = sqlitex.Execute(conn,
		"SELECT record FROM calls ORDER BY started_at DESC LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var record CallRecord
				if err := decodeRecord(columnBlob(stmt, 0), &record); err != nil {
					return fmt.Errorf("decoding call record: %w", err)
				}
				records = append(records, record)
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("storage: listing calls: %w", err)
	}
	return records, nil
}

// PutChatSnapshot persists the current chat log for a peer, replacing
// any previous snapshot for the same id.
func (s *Store) PutChatSnapshot(ctx context.Context, snapshot ChatSnapshot) (string, error) {
	if snapshot.ID == "" {
		snapshot.ID = "chat_" + uuid.NewString()
	}

	encoded, err := encodeRecord(snapshot)
	if err != nil {
		return "", fmt.Errorf("storage: encoding chat snapshot: %w", err)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT OR REPLACE INTO chat_snapshots (id, peer, saved_at, record) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{snapshot.ID, snapshot.Peer, snapshot.SavedAt, encoded}},
	)
	if err != nil {
		return "", fmt.Errorf("storage: inserting chat snapshot: %w", err)
	}
	return snapshot.ID, nil
}

// ListChatHistory returns up to limit snapshots, most recent first.
func (s *Store) ListChatHistory(ctx context.Context, limit int) ([]ChatSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var snapshots []ChatSnapshot
	err = sqlitex.Execute(conn,
		"SELECT record FROM chat_snapshots ORDER BY saved_at DESC LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var snapshot ChatSnapshot
				if err := decodeRecord(columnBlob(stmt, 0), &snapshot); err != nil {
					return fmt.Errorf("decoding chat snapshot: %w", err)
				}
				snapshots = append(snapshots, snapshot)
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("storage: listing chat history: %w", err)
	}
	return snapshots, nil
}

// PutAlbum upserts an album.
func (s *Store) PutAlbum(ctx context.Context, album protocol.Album) error {
	encoded, err := encodeRecord(album)
	if err != nil {
		return fmt.Errorf("storage: encoding album: %w", err)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT OR REPLACE INTO albums (id, created_at, record) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{album.ID, album.Timestamp, encoded}},
	)
	if err != nil {
		return fmt.Errorf("storage: inserting album: %w", err)
	}
	return nil
}

// ListAlbums returns all albums, oldest first.
func (s *Store) ListAlbums(ctx context.Context) ([]protocol.Album, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var albums []protocol.Album
	err = sqlitex.Execute(conn,
		"SELECT record FROM albums ORDER BY created_at ASC",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var album protocol.Album
				if err := decodeRecord(columnBlob(stmt, 0), &album); err != nil {
					return fmt.Errorf("decoding album: %w", err)
				}
				albums = append(albums, album)
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("storage: listing albums: %w", err)
	}
	return albums, nil
}

// DeleteAlbum removes an album. Files that belonged to it are kept and
// detached, not deleted.
func (s *Store) DeleteAlbum(ctx context.Context, albumID string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	defer sqlitex.Transaction(conn)(&err)

	err = sqlitex.Execute(conn,
		"UPDATE files SET album_id = '' WHERE album_id = ?",
		&sqlitex.ExecOptions{Args: []any{albumID}},
	)
	if err != nil {
		return fmt.Errorf("storage: detaching album files: %w", err)
	}

	err = sqlitex.Execute(conn,
		"DELETE FROM albums WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{albumID}},
	)
	if err != nil {
		return fmt.Errorf("storage: deleting album: %w", err)
	}
	return nil
}

// PutFileBlob stores a received file's metadata and content. Content
// is compressed according to its media type. Returns the file id.
func (s *Store) PutFileBlob(ctx context.Context, meta protocol.FileMeta, data []byte) (string, error) {
	fileID := "file_" + uuid.NewString()
	record := FileRecord{ID: fileID, Meta: meta}

	encoded, err := encodeRecord(record)
	if err != nil {
		return "", fmt.Errorf("storage: encoding file record: %w", err)
	}

	stored, tag := compressBlob(data, meta.Mime)

	conn, err := s.take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	defer sqlitex.Transaction(conn)(&err)

	err = sqlitex.Execute(conn,
		"INSERT INTO files (id, album_id, created_at, record) VALUES (?, '', ?, ?)",
		&sqlitex.ExecOptions{Args: []any{fileID, meta.Timestamp, encoded}},
	)
	if err != nil {
		return "", fmt.Errorf("storage: inserting file record: %w", err)
	}

	err = sqlitex.Execute(conn,
		"INSERT INTO blobs (file_id, compression, size, content) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{fileID, int(tag), len(data), stored}},
	)
	if err != nil {
		return "", fmt.Errorf("storage: inserting file content: %w", err)
	}

	s.logger.Debug("file stored",
		"file", fileID,
		"name", meta.Name,
		"size", len(data),
		"stored_size", len(stored),
		"compression", tag.String(),
	)
	return fileID, nil
}

// GetFileBlob returns a stored file's metadata and decompressed
// content.
func (s *Store) GetFileBlob(ctx context.Context, fileID string) (protocol.FileMeta, []byte, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return protocol.FileMeta{}, nil, err
	}
	defer s.pool.Put(conn)

	var record FileRecord
	found := false
	err = sqlitex.Execute(conn,
		"SELECT record FROM files WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{fileID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return decodeRecord(columnBlob(stmt, 0), &record)
			},
		},
	)
	if err != nil {
		return protocol.FileMeta{}, nil, fmt.Errorf("storage: reading file record: %w", err)
	}
	if !found {
		return protocol.FileMeta{}, nil, fmt.Errorf("storage: file %s not found", fileID)
	}

	var (
		content []byte
		tag     CompressionTag
		size    int
		haveRaw bool
	)
	err = sqlitex.Execute(conn,
		"SELECT compression, size, content FROM blobs WHERE file_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{fileID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				haveRaw = true
				tag = CompressionTag(stmt.ColumnInt64(0))
				size = stmt.ColumnInt(1)
				content = columnBlob(stmt, 2)
				return nil
			},
		},
	)
	if err != nil {
		return protocol.FileMeta{}, nil, fmt.Errorf("storage: reading file content: %w", err)
	}
	if !haveRaw {
		// Sent files have a record but no local content.
		return record.Meta, nil, nil
	}

	data, err := decompressBlob(content, tag, size)
	if err != nil {
		return protocol.FileMeta{}, nil, fmt.Errorf("storage: file %s: %w", fileID, err)
	}
	return record.Meta, data, nil
}

// PutFileRecord stores metadata for a sent file, with no content kept
// locally. Returns the record id.
func (s *Store) PutFileRecord(ctx context.Context, meta protocol.FileMeta, albumID string) (string, error) {
	fileID := "file_" + uuid.NewString()
	record := FileRecord{ID: fileID, AlbumID: albumID, Meta: meta}

	encoded, err := encodeRecord(record)
	if err != nil {
		return "", fmt.Errorf("storage: encoding file record: %w", err)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO files (id, album_id, created_at, record) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{fileID, albumID, meta.Timestamp, encoded}},
	)
	if err != nil {
		return "", fmt.Errorf("storage: inserting file record: %w", err)
	}
	return fileID, nil
}

// AttachFileToAlbum associates a stored file with an album.
func (s *Store) AttachFileToAlbum(ctx context.Context, fileID, albumID string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE files SET album_id = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{albumID, fileID}},
	)
	if err != nil {
		return fmt.Errorf("storage: attaching file to album: %w", err)
	}
	return nil
}

// ListFilesForAlbum returns the records of all files in an album,
// oldest first.
func (s *Store) ListFilesForAlbum(ctx context.Context, albumID string) ([]FileRecord, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var records []FileRecord
	err = sqlitex.Execute(conn,
		"SELECT id, album_id, record FROM files WHERE album_id = ? ORDER BY created_at ASC",
		&sqlitex.ExecOptions{
			Args: []any{albumID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var record FileRecord
				if err := decodeRecord(columnBlob(stmt, 2), &record); err != nil {
					return fmt.Errorf("decoding file record: %w", err)
				}
				// The column is authoritative; attachment updates do
				// not rewrite the record blob.
				record.AlbumID = stmt.ColumnText(1)
				records = append(records, record)
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("storage: listing album files: %w", err)
	}
	return records, nil
}

// DeleteFile removes a file record and its content.
func (s *Store) DeleteFile(ctx context.Context, fileID string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	defer sqlitex.Transaction(conn)(&err)

	err = sqlitex.Execute(conn,
		"DELETE FROM blobs WHERE file_id = ?",
		&sqlitex.ExecOptions{Args: []any{fileID}},
	)
	if err != nil {
		return fmt.Errorf("storage: deleting file content: %w", err)
	}

	err = sqlitex.Execute(conn,
		"DELETE FROM files WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{fileID}},
	)
	if err != nil {
		return fmt.Errorf("storage: deleting file record: %w", err)
	}
	return nil
}

// TransferStore adapts the store to the transfer engine's interface,
// which carries no context.
func (s *Store) TransferStore() transfer.Store {
	return transferBinding{store: s}
}

type transferBinding struct {
	store *Store
}

func (b transferBinding) PutFileBlob(meta protocol.FileMeta, data []byte) (string, error) {
	return b.store.PutFileBlob(context.Background(), meta, data)
}

func (b transferBinding) PutFileRecord(meta protocol.FileMeta, albumID string) (string, error) {
	return b.store.PutFileRecord(context.Background(), meta, albumID)
}

func (b transferBinding) PutAlbum(album protocol.Album) error {
	return b.store.PutAlbum(context.Background(), album)
}

func (b transferBinding) ListAlbums() ([]protocol.Album, error) {
	return b.store.ListAlbums(context.Background())
}

func (b transferBinding) AttachFileToAlbum(fileID, albumID string) error {
	return b.store.AttachFileToAlbum(context.Background(), fileID, albumID)
}

// columnBlob copies a blob column out of the statement. The statement
// owns its buffers only until the next step.
func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	buffer := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buffer)
	return buffer
}
