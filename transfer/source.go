// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
)

// Source is an outbound file. ReadAt allows the chunk loop to resume
// from a recorded offset on retry without re-reading earlier chunks.
type Source interface {
	io.ReaderAt

	// Name is the filename announced to the peer.
	Name() string

	// Size is the exact content length in bytes.
	Size() int64

	// ContentType is the MIME type announced to the peer. May be
	// empty.
	ContentType() string
}

// BytesSource is an in-memory Source.
type BytesSource struct {
	name string
	mime string
	data []byte
}

// NewBytesSource wraps a byte slice as a Source.
func NewBytesSource(name, contentType string, data []byte) *BytesSource {
	return &BytesSource{name: name, mime: contentType, data: data}
}

func (s *BytesSource) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(s.data).ReadAt(p, off)
}

func (s *BytesSource) Name() string        { return s.name }
func (s *BytesSource) Size() int64         { return int64(len(s.data)) }
func (s *BytesSource) ContentType() string { return s.mime }

// FileSource is a Source backed by a file on disk. The caller owns the
// handle and closes it after the transfer reaches a terminal state.
type FileSource struct {
	file *os.File
	name string
	mime string
	size int64
}

// OpenFile opens path as a transfer Source. The MIME type is guessed
// from the filename extension.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transfer: opening %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("transfer: stat %s: %w", path, err)
	}
	return &FileSource{
		file: file,
		name: filepath.Base(path),
		mime: mime.TypeByExtension(filepath.Ext(path)),
		size: info.Size(),
	}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

func (s *FileSource) Name() string        { return s.name }
func (s *FileSource) Size() int64         { return s.size }
func (s *FileSource) ContentType() string { return s.mime }

// Close releases the underlying file handle.
func (s *FileSource) Close() error { return s.file.Close() }
