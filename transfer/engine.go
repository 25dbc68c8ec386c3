// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer implements the file-transfer engine: chunking
// outbound files with cooperative backpressure and reassembling
// inbound chunk streams keyed by transfer identifier.
//
// A transfer begins with a file-meta announcement and a one-round-trip
// readiness handshake: no byte is sent until the receiver replies
// file-ready, so chunks never arrive before the receiver has allocated
// buffers. Chunks travel base64-encoded inside JSON frames, in order,
// with no sequence numbers — the channel's ordering guarantee is the
// protocol's ordering guarantee. The only flow control is a
// buffered-bytes watermark the sender polls before each chunk; there
// is no receiver-driven windowing and no automatic retry.
package transfer

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/sidelink/sidelink/lib/clock"
	"github.com/sidelink/sidelink/protocol"
)

// Engine defaults. All four are configurable through Config.
const (
	DefaultChunkSize    = 64 * 1024
	DefaultWatermark    = 512 * 1024
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxFileSize  = 100 * 1024 * 1024
)

// Channel is the outbound half of the data channel the engine writes
// chunk frames to.
type Channel interface {
	Open() bool
	BufferedAmount() int
	Send(frame []byte) error
}

// Store persists completed transfers. The storage collaborator
// implements it; tests use an in-memory fake.
type Store interface {
	// PutFileBlob stores received content with its metadata and
	// returns the stored file id.
	PutFileBlob(meta protocol.FileMeta, data []byte) (string, error)

	// PutFileRecord stores metadata for a sent file (no content kept
	// locally) and returns the record id.
	PutFileRecord(meta protocol.FileMeta, albumID string) (string, error)

	// PutAlbum upserts an album.
	PutAlbum(album protocol.Album) error

	// ListAlbums returns all known albums.
	ListAlbums() ([]protocol.Album, error)

	// AttachFileToAlbum associates a stored file with an album.
	AttachFileToAlbum(fileID, albumID string) error
}

// State is the UI-facing lifecycle of one transfer.
type State string

const (
	StateWaiting   State = "waiting"
	StateSending   State = "sending"
	StateReceiving State = "receiving"
	StateDone      State = "done"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// Status is the projection queried by the UI layer.
type Status struct {
	Progress int // 0..100
	State    State
	Meta     protocol.FileMeta
	FileID   string // set once a received file is persisted
	Err      string // set when State is StateError
}

// sharedAlbumName is the album received files land in when the sender
// named none.
const sharedAlbumName = "Shared Album"

// outgoingTransfer tracks one file this side is sending. Owned
// exclusively by the sender within a link; destroyed on done or
// abandonment.
type outgoingTransfer struct {
	id      string
	source  Source
	meta    protocol.FileMeta
	albumID string
	offset  int64
	running bool
}

// incomingTransfer accumulates chunks for one file this side is
// receiving. Destroyed once assembled or on protocol error.
type incomingTransfer struct {
	id       string
	meta     protocol.FileMeta
	albumID  string
	from     string
	received int64
	buffer   []byte
}

// Config collects the engine's collaborators and tuning knobs. Zero
// tuning values take the package defaults.
type Config struct {
	Channel      Channel
	Store        Store
	Log          *protocol.ChatLog
	Clock        clock.Clock
	Logger       *slog.Logger
	Username     string
	ChunkSize    int
	Watermark    int
	PollInterval time.Duration
	MaxFileSize  int64
}

// Engine owns the transfer tables for one peer link. Transfer state is
// keyed by transfer id, so chunk loops and inbound frames for distinct
// transfers interleave safely.
type Engine struct {
	channel      Channel
	store        Store
	log          *protocol.ChatLog
	clock        clock.Clock
	logger       *slog.Logger
	username     string
	chunkSize    int
	watermark    int
	pollInterval time.Duration
	maxFileSize  int64

	mu       sync.Mutex
	outgoing map[string]*outgoingTransfer
	incoming map[string]*incomingTransfer
	status   map[string]*Status
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	engine := &Engine{
		channel:      cfg.Channel,
		store:        cfg.Store,
		log:          cfg.Log,
		clock:        cfg.Clock,
		logger:       logger,
		username:     cfg.Username,
		chunkSize:    cfg.ChunkSize,
		watermark:    cfg.Watermark,
		pollInterval: cfg.PollInterval,
		maxFileSize:  cfg.MaxFileSize,
		outgoing:     make(map[string]*outgoingTransfer),
		incoming:     make(map[string]*incomingTransfer),
		status:       make(map[string]*Status),
	}
	if engine.chunkSize <= 0 {
		engine.chunkSize = DefaultChunkSize
	}
	if engine.watermark <= 0 {
		engine.watermark = DefaultWatermark
	}
	if engine.pollInterval <= 0 {
		engine.pollInterval = DefaultPollInterval
	}
	if engine.maxFileSize <= 0 {
		engine.maxFileSize = DefaultMaxFileSize
	}
	return engine
}

// Send announces a file to the peer and registers the outgoing
// transfer. Chunk transmission starts only when the peer's file-ready
// arrives. Returns the transfer id.
func (e *Engine) Send(source Source, albumID string) (string, error) {
	if source.Size() > e.maxFileSize {
		return "", &SizeLimitError{Size: source.Size(), Limit: e.maxFileSize}
	}
	if !e.channel.Open() {
		return "", ErrChannelClosed
	}

	digest, err := digestSource(source)
	if err != nil {
		return "", fmt.Errorf("transfer: hashing %s: %w", source.Name(), err)
	}

	transferID := "tx_" + uuid.NewString()
	meta := protocol.FileMeta{
		Name:      source.Name(),
		Size:      source.Size(),
		Mime:      source.ContentType(),
		Timestamp: e.clock.Now().UnixMilli(),
		Digest:    digest,
	}

	e.mu.Lock()
	e.outgoing[transferID] = &outgoingTransfer{
		id:      transferID,
		source:  source,
		meta:    meta,
		albumID: albumID,
	}
	e.status[transferID] = &Status{State: StateWaiting, Meta: meta}
	e.mu.Unlock()

	e.emit(protocol.TypeFileMeta, protocol.FileMetaPayload{
		TransferID: transferID,
		Meta:       meta,
		AlbumID:    albumID,
		From:       e.username,
	})

	e.logger.Info("file transfer announced",
		"transfer", transferID,
		"name", meta.Name,
		"size", meta.Size,
	)
	return transferID, nil
}

// HandleReady starts (or resumes, after Retry) chunk transmission for
// the matching outgoing transfer. Unknown transfer ids are ignored —
// the transfer may have been abandoned.
func (e *Engine) HandleReady(payload protocol.FileReadyPayload) {
	e.mu.Lock()
	transfer, ok := e.outgoing[payload.TransferID]
	if !ok || transfer.running {
		e.mu.Unlock()
		return
	}
	transfer.running = true
	e.mu.Unlock()

	go e.runChunkLoop(transfer)
}

// Retry re-runs a failed transfer's chunk loop from its recorded
// offset, provided the outgoing state still exists.
func (e *Engine) Retry(transferID string) bool {
	e.mu.Lock()
	transfer, ok := e.outgoing[transferID]
	if !ok || transfer.running {
		e.mu.Unlock()
		return false
	}
	transfer.running = true
	if status := e.status[transferID]; status != nil {
		status.State = StateSending
		status.Err = ""
	}
	e.mu.Unlock()

	go e.runChunkLoop(transfer)
	return true
}

// Cancel flags the transfer cancelled in the status projection. It
// does not stop a running chunk loop — cancellation enforcement is a
// known gap, tracked separately from this status-only behavior.
func (e *Engine) Cancel(transferID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if status, ok := e.status[transferID]; ok {
		status.State = StateCancelled
	}
}

// Status returns the projection for one transfer.
func (e *Engine) Status(transferID string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, ok := e.status[transferID]
	if !ok {
		return Status{}, false
	}
	return *status, true
}

// Statuses returns a snapshot of every known transfer's projection.
func (e *Engine) Statuses() map[string]Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := make(map[string]Status, len(e.status))
	for id, status := range e.status {
		snapshot[id] = *status
	}
	return snapshot
}

// runChunkLoop reads the source sequentially and emits file-chunk
// frames, polling the channel's buffered amount against the watermark
// before each send. The loop exits promptly when the channel closes
// instead of polling forever.
func (e *Engine) runChunkLoop(transfer *outgoingTransfer) {
	defer func() {
		e.mu.Lock()
		transfer.running = false
		e.mu.Unlock()
	}()

	size := transfer.meta.Size
	buffer := make([]byte, e.chunkSize)

	for transfer.offset < size {
		if err := e.waitForDrain(); err != nil {
			e.failTransfer(transfer.id, err)
			return
		}

		want := size - transfer.offset
		if want > int64(e.chunkSize) {
			want = int64(e.chunkSize)
		}
		read, err := transfer.source.ReadAt(buffer[:want], transfer.offset)
		if err != nil && !(err == io.EOF && int64(read) == want) {
			e.failTransfer(transfer.id, fmt.Errorf("reading source at %d: %w", transfer.offset, err))
			return
		}

		frame, err := protocol.Marshal(protocol.TypeFileChunk, protocol.FileChunkPayload{
			TransferID:  transfer.id,
			ChunkBase64: base64.StdEncoding.EncodeToString(buffer[:read]),
		})
		if err != nil {
			e.failTransfer(transfer.id, err)
			return
		}
		if !e.channel.Open() {
			e.failTransfer(transfer.id, ErrChannelClosed)
			return
		}
		if err := e.channel.Send(frame); err != nil {
			e.failTransfer(transfer.id, fmt.Errorf("sending chunk: %w", err))
			return
		}

		transfer.offset += int64(read)
		e.setProgress(transfer.id, StateSending, progress(transfer.offset, size))
	}

	e.finishOutgoing(transfer)
}

// waitForDrain blocks while the channel's buffered amount sits above
// the watermark. Returns an error once the channel is gone.
func (e *Engine) waitForDrain() error {
	for e.channel.BufferedAmount() > e.watermark {
		if !e.channel.Open() {
			return ErrChannelClosed
		}
		e.clock.Sleep(e.pollInterval)
	}
	return nil
}

// finishOutgoing records completion: persist the sent file's metadata,
// emit a system chat entry, and discard the transfer.
func (e *Engine) finishOutgoing(transfer *outgoingTransfer) {
	e.setProgress(transfer.id, StateDone, 100)

	if e.store != nil {
		if _, err := e.store.PutFileRecord(transfer.meta, transfer.albumID); err != nil {
			e.logger.Error("persisting sent file metadata failed",
				"transfer", transfer.id,
				"error", err,
			)
		}
	}
	if e.log != nil {
		e.log.AppendSystem(fmt.Sprintf("Sent file %q", transfer.meta.Name))
	}

	e.mu.Lock()
	delete(e.outgoing, transfer.id)
	e.mu.Unlock()

	e.logger.Info("file transfer complete", "transfer", transfer.id, "name", transfer.meta.Name)
}

// failTransfer scopes a failure to the one transfer: the status keeps
// the error message for manual retry and the call stays up.
func (e *Engine) failTransfer(transferID string, err error) {
	e.mu.Lock()
	if status, ok := e.status[transferID]; ok {
		status.State = StateError
		status.Err = err.Error()
	}
	e.mu.Unlock()
	e.logger.Warn("file transfer failed", "transfer", transferID, "error", err)
}

// HandleMeta allocates an incoming transfer and replies file-ready so
// the sender may begin transmitting.
func (e *Engine) HandleMeta(payload protocol.FileMetaPayload) {
	e.mu.Lock()
	e.incoming[payload.TransferID] = &incomingTransfer{
		id:      payload.TransferID,
		meta:    payload.Meta,
		albumID: payload.AlbumID,
		from:    payload.From,
		buffer:  make([]byte, 0, payload.Meta.Size),
	}
	e.status[payload.TransferID] = &Status{State: StateReceiving, Meta: payload.Meta}
	e.mu.Unlock()

	e.emit(protocol.TypeFileReady, protocol.FileReadyPayload{TransferID: payload.TransferID})
}

// HandleChunk appends one decoded chunk. Chunks for unknown transfer
// ids are ignored. On reaching the announced size the file is
// assembled, verified, persisted, and announced in chat.
func (e *Engine) HandleChunk(payload protocol.FileChunkPayload) {
	e.mu.Lock()
	transfer, ok := e.incoming[payload.TransferID]
	e.mu.Unlock()
	if !ok {
		return
	}

	chunk, err := base64.StdEncoding.DecodeString(payload.ChunkBase64)
	if err != nil {
		e.mu.Lock()
		delete(e.incoming, payload.TransferID)
		e.mu.Unlock()
		e.failTransfer(payload.TransferID, fmt.Errorf("decoding chunk: %w", err))
		return
	}

	transfer.buffer = append(transfer.buffer, chunk...)
	transfer.received += int64(len(chunk))
	e.setProgress(transfer.id, StateReceiving, progress(transfer.received, transfer.meta.Size))

	if transfer.received >= transfer.meta.Size {
		e.completeIncoming(transfer)
	}
}

// completeIncoming assembles and persists a fully received file.
func (e *Engine) completeIncoming(transfer *incomingTransfer) {
	e.mu.Lock()
	delete(e.incoming, transfer.id)
	e.mu.Unlock()

	if transfer.meta.Digest != "" {
		sum := blake3.Sum256(transfer.buffer)
		if hex.EncodeToString(sum[:]) != transfer.meta.Digest {
			e.failTransfer(transfer.id, fmt.Errorf("content digest mismatch for %q", transfer.meta.Name))
			return
		}
	}

	fileID := ""
	if e.store != nil {
		id, err := e.store.PutFileBlob(transfer.meta, transfer.buffer)
		if err != nil {
			e.failTransfer(transfer.id, fmt.Errorf("persisting received file: %w", err))
			return
		}
		fileID = id

		albumID, err := e.resolveAlbum(transfer)
		if err != nil {
			e.logger.Error("album resolution failed", "transfer", transfer.id, "error", err)
		} else if err := e.store.AttachFileToAlbum(fileID, albumID); err != nil {
			e.logger.Error("album association failed", "transfer", transfer.id, "error", err)
		}
	}

	e.mu.Lock()
	if status, ok := e.status[transfer.id]; ok {
		status.State = StateDone
		status.Progress = 100
		status.FileID = fileID
	}
	e.mu.Unlock()

	if e.log != nil {
		e.log.AppendSystem(fmt.Sprintf("Received file %q (%d KB)",
			transfer.meta.Name, transfer.meta.Size/1024))
	}
	e.logger.Info("file received",
		"transfer", transfer.id,
		"name", transfer.meta.Name,
		"bytes", transfer.received,
	)
}

// resolveAlbum returns the album a received file belongs to: the
// sender's choice when given, otherwise the shared default album,
// created on first use.
func (e *Engine) resolveAlbum(transfer *incomingTransfer) (string, error) {
	if transfer.albumID != "" {
		return transfer.albumID, nil
	}

	albums, err := e.store.ListAlbums()
	if err != nil {
		return "", err
	}
	for _, album := range albums {
		if album.Name == sharedAlbumName {
			return album.ID, nil
		}
	}

	owner := transfer.from
	if owner == "" {
		owner = "peer"
	}
	album := protocol.Album{
		ID:        "shared_" + uuid.NewString(),
		Name:      sharedAlbumName,
		Owner:     owner,
		Timestamp: e.clock.Now().UnixMilli(),
	}
	if err := e.store.PutAlbum(album); err != nil {
		return "", err
	}
	return album.ID, nil
}

// setProgress updates one transfer's projection. A transfer the user
// flagged cancelled keeps that state label even though the loop keeps
// running.
func (e *Engine) setProgress(transferID string, state State, percent int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, ok := e.status[transferID]
	if !ok {
		return
	}
	status.Progress = percent
	if status.State != StateCancelled {
		status.State = state
	}
}

// emit marshals and writes one control frame, dropping it when the
// channel is closed.
func (e *Engine) emit(msgType string, payload any) {
	if !e.channel.Open() {
		return
	}
	frame, err := protocol.Marshal(msgType, payload)
	if err != nil {
		e.logger.Error("marshal failed", "type", msgType, "error", err)
		return
	}
	if err := e.channel.Send(frame); err != nil {
		e.logger.Warn("send failed", "type", msgType, "error", err)
	}
}

// progress rounds offset/size to a 0..100 percentage.
func progress(done, size int64) int {
	if size <= 0 {
		return 100
	}
	return int((done*100 + size/2) / size)
}

// digestSource hashes the full source content with blake3 and returns
// the hex digest.
func digestSource(source Source) (string, error) {
	hasher := blake3.New()
	reader := io.NewSectionReader(source, 0, source.Size())
	if _, err := io.Copy(hasher, reader); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
