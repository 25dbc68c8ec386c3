// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sidelink/sidelink/lib/clock"
	"github.com/sidelink/sidelink/protocol"
)

// fakeChannel is an in-memory data channel that records frames and
// exposes scriptable buffered-amount and open state.
type fakeChannel struct {
	mu       sync.Mutex
	open     bool
	buffered int
	frames   [][]byte
	sendErr  error

	// onSend, when set, runs under the lock after each successful
	// send. Used to script state changes mid-transfer.
	onSend func()
}

func (c *fakeChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) BufferedAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeChannel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, frame)
	if c.onSend != nil {
		c.onSend()
	}
	return nil
}

func (c *fakeChannel) sent(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	messages := make([]protocol.Message, len(c.frames))
	for i, frame := range c.frames {
		if err := json.Unmarshal(frame, &messages[i]); err != nil {
			t.Fatalf("frame %d is not valid JSON: %v", i, err)
		}
	}
	return messages
}

// memoryStore is an in-memory Store.
type memoryStore struct {
	mu      sync.Mutex
	counter int
	blobs   map[string][]byte
	records map[string]protocol.FileMeta
	albums  []protocol.Album
	links   map[string]string // fileID -> albumID
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		blobs:   make(map[string][]byte),
		records: make(map[string]protocol.FileMeta),
		links:   make(map[string]string),
	}
}

func (s *memoryStore) PutFileBlob(meta protocol.FileMeta, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	id := fmt.Sprintf("file_%d", s.counter)
	s.blobs[id] = append([]byte(nil), data...)
	s.records[id] = meta
	return id, nil
}

func (s *memoryStore) PutFileRecord(meta protocol.FileMeta, albumID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	id := fmt.Sprintf("file_%d", s.counter)
	s.records[id] = meta
	if albumID != "" {
		s.links[id] = albumID
	}
	return id, nil
}

func (s *memoryStore) PutAlbum(album protocol.Album) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.albums = append(s.albums, album)
	return nil
}

func (s *memoryStore) ListAlbums() ([]protocol.Album, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Album(nil), s.albums...), nil
}

func (s *memoryStore) AttachFileToAlbum(fileID, albumID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[fileID] = albumID
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeChannel, *memoryStore, *protocol.ChatLog) {
	t.Helper()
	channel := &fakeChannel{open: true}
	store := newMemoryStore()
	log := protocol.NewChatLog(clock.Real())
	engine := NewEngine(Config{
		Channel:      channel,
		Store:        store,
		Log:          log,
		Clock:        clock.Real(),
		Username:     "alice",
		PollInterval: time.Millisecond,
	})
	return engine, channel, store, log
}

func decodePayload[T any](t *testing.T, message protocol.Message) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		t.Fatalf("decoding %s payload: %v", message.Type, err)
	}
	return payload
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSendRejectsOversizeFile(t *testing.T) {
	engine, channel, _, _ := newTestEngine(t)

	huge := NewBytesSource("huge.bin", "application/octet-stream", nil)
	// Fake the size without allocating 105 MiB.
	engine.maxFileSize = 1024
	huge.data = make([]byte, 2048)

	_, err := engine.Send(huge, "")
	if !IsSizeLimitError(err) {
		t.Fatalf("error = %v, want SizeLimitError", err)
	}
	if len(channel.sent(t)) != 0 {
		t.Error("file-meta emitted for a rejected file")
	}
}

func TestSendWaitsForReady(t *testing.T) {
	engine, channel, _, _ := newTestEngine(t)

	data := []byte(strings.Repeat("x", 1000))
	id, err := engine.Send(NewBytesSource("a.txt", "text/plain", data), "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	sent := channel.sent(t)
	if len(sent) != 1 || sent[0].Type != protocol.TypeFileMeta {
		t.Fatalf("frames after Send = %v, want exactly one file-meta", sent)
	}

	status, ok := engine.Status(id)
	if !ok || status.State != StateWaiting {
		t.Errorf("status = %+v, want waiting", status)
	}
}

func TestThreeChunkTransfer(t *testing.T) {
	// 150000 bytes with 65536-byte chunks: three chunks of 65536,
	// 65536, and 18928 bytes.
	engine, channel, _, log := newTestEngine(t)

	data := make([]byte, 150000)
	for i := range data {
		data[i] = byte(i)
	}
	id, err := engine.Send(NewBytesSource("a.bin", "application/octet-stream", data), "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	engine.HandleReady(protocol.FileReadyPayload{TransferID: id})

	waitFor(t, func() bool {
		status, _ := engine.Status(id)
		return status.State == StateDone
	})

	sent := channel.sent(t)
	var chunkSizes []int
	for _, message := range sent {
		if message.Type != protocol.TypeFileChunk {
			continue
		}
		payload := decodePayload[protocol.FileChunkPayload](t, message)
		chunk, err := base64.StdEncoding.DecodeString(payload.ChunkBase64)
		if err != nil {
			t.Fatalf("chunk is not valid base64: %v", err)
		}
		chunkSizes = append(chunkSizes, len(chunk))
	}
	want := []int{65536, 65536, 18928}
	if len(chunkSizes) != len(want) {
		t.Fatalf("chunk count = %d, want %d", len(chunkSizes), len(want))
	}
	for i := range want {
		if chunkSizes[i] != want[i] {
			t.Errorf("chunk %d size = %d, want %d", i, chunkSizes[i], want[i])
		}
	}

	// Sender bookkeeping: done status and a system entry.
	status, _ := engine.Status(id)
	if status.Progress != 100 {
		t.Errorf("progress = %d, want 100", status.Progress)
	}
	waitFor(t, func() bool { return log.Len() == 1 })
}

func TestReceiveEndToEnd(t *testing.T) {
	// Wire a sender engine and a receiver engine back to back through
	// their fake channels.
	sender, senderChannel, _, _ := newTestEngine(t)
	receiver, receiverChannel, store, log := newTestEngine(t)

	data := make([]byte, 150000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	id, err := sender.Send(NewBytesSource("a.bin", "application/octet-stream", data), "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Deliver the file-meta to the receiver.
	meta := decodePayload[protocol.FileMetaPayload](t, senderChannel.sent(t)[0])
	receiver.HandleMeta(meta)

	// The receiver replied file-ready; deliver it to the sender.
	readys := receiverChannel.sent(t)
	if len(readys) != 1 || readys[0].Type != protocol.TypeFileReady {
		t.Fatalf("receiver emitted %v, want one file-ready", readys)
	}
	sender.HandleReady(decodePayload[protocol.FileReadyPayload](t, readys[0]))

	waitFor(t, func() bool {
		status, _ := sender.Status(id)
		return status.State == StateDone
	})

	// Deliver every chunk in order.
	for _, message := range senderChannel.sent(t) {
		if message.Type == protocol.TypeFileChunk {
			receiver.HandleChunk(decodePayload[protocol.FileChunkPayload](t, message))
		}
	}

	status, ok := receiver.Status(id)
	if !ok {
		t.Fatal("receiver has no status for the transfer")
	}
	if status.State != StateDone || status.Progress != 100 {
		t.Fatalf("receiver status = %+v, want done/100", status)
	}
	if status.FileID == "" {
		t.Fatal("no file id recorded")
	}
	if got := store.blobs[status.FileID]; !bytes.Equal(got, data) {
		t.Errorf("stored blob length %d, want %d and identical content", len(got), len(data))
	}

	// Default shared album created and associated.
	albums, _ := store.ListAlbums()
	if len(albums) != 1 || albums[0].Name != "Shared Album" {
		t.Errorf("albums = %v, want the shared default", albums)
	}
	if store.links[status.FileID] != albums[0].ID {
		t.Error("file not associated with the shared album")
	}

	// System entry announcing the received file.
	waitFor(t, func() bool { return log.Len() == 1 })
	if entry := log.Entries()[0]; !strings.Contains(entry.Text, "a.bin") {
		t.Errorf("system entry = %q", entry.Text)
	}
}

func TestReceiveProgressExactness(t *testing.T) {
	receiver, _, _, _ := newTestEngine(t)

	receiver.HandleMeta(protocol.FileMetaPayload{
		TransferID: "tx_p",
		Meta:       protocol.FileMeta{Name: "p.bin", Size: 200},
	})

	half := base64.StdEncoding.EncodeToString(make([]byte, 100))
	receiver.HandleChunk(protocol.FileChunkPayload{TransferID: "tx_p", ChunkBase64: half})

	status, _ := receiver.Status("tx_p")
	if status.Progress != 50 || status.State != StateReceiving {
		t.Errorf("mid-transfer status = %+v", status)
	}

	receiver.HandleChunk(protocol.FileChunkPayload{TransferID: "tx_p", ChunkBase64: half})
	status, _ = receiver.Status("tx_p")
	if status.Progress != 100 || status.State != StateDone {
		t.Errorf("final status = %+v", status)
	}

	// Further chunks for the completed transfer are ignored.
	receiver.HandleChunk(protocol.FileChunkPayload{TransferID: "tx_p", ChunkBase64: half})
	status, _ = receiver.Status("tx_p")
	if status.Progress != 100 {
		t.Error("chunk after completion changed progress")
	}
}

func TestDigestMismatchFailsTransfer(t *testing.T) {
	receiver, _, store, _ := newTestEngine(t)

	receiver.HandleMeta(protocol.FileMetaPayload{
		TransferID: "tx_d",
		Meta: protocol.FileMeta{
			Name:   "d.bin",
			Size:   4,
			Digest: strings.Repeat("00", 32), // wrong for any content
		},
	})
	receiver.HandleChunk(protocol.FileChunkPayload{
		TransferID:  "tx_d",
		ChunkBase64: base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}),
	})

	status, _ := receiver.Status("tx_d")
	if status.State != StateError {
		t.Fatalf("status = %+v, want error", status)
	}
	if len(store.blobs) != 0 {
		t.Error("corrupt content was persisted")
	}
}

func TestChunkForUnknownTransferIgnored(t *testing.T) {
	receiver, channel, _, _ := newTestEngine(t)

	receiver.HandleChunk(protocol.FileChunkPayload{
		TransferID:  "tx_ghost",
		ChunkBase64: base64.StdEncoding.EncodeToString([]byte("x")),
	})

	if len(channel.sent(t)) != 0 {
		t.Error("unknown chunk produced output")
	}
	if _, ok := receiver.Status("tx_ghost"); ok {
		t.Error("unknown chunk created status")
	}
}

func TestBackpressureLoopExitsOnClose(t *testing.T) {
	engine, channel, _, _ := newTestEngine(t)

	id, err := engine.Send(NewBytesSource("a.bin", "", make([]byte, 1000)), "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Park the channel above the watermark so the loop polls, then
	// close it; the loop must exit with an error instead of spinning.
	channel.mu.Lock()
	channel.buffered = DefaultWatermark + 1
	channel.mu.Unlock()

	engine.HandleReady(protocol.FileReadyPayload{TransferID: id})
	time.Sleep(10 * time.Millisecond)

	channel.mu.Lock()
	channel.open = false
	channel.mu.Unlock()

	waitFor(t, func() bool {
		status, _ := engine.Status(id)
		return status.State == StateError
	})
}

func TestCancelIsStatusOnly(t *testing.T) {
	engine, channel, _, _ := newTestEngine(t)

	data := make([]byte, 200000)
	id, err := engine.Send(NewBytesSource("big.bin", "", data), "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	engine.Cancel(id)
	engine.HandleReady(protocol.FileReadyPayload{TransferID: id})

	// The loop still runs to completion; only the label is cancelled.
	waitFor(t, func() bool {
		chunks := 0
		for _, message := range channel.sent(t) {
			if message.Type == protocol.TypeFileChunk {
				chunks++
			}
		}
		return chunks == 4 // ceil(200000 / 65536)
	})

	status, _ := engine.Status(id)
	if status.State != StateCancelled {
		t.Errorf("state = %q, want cancelled to stick", status.State)
	}
}

func TestRetryResumesFromOffset(t *testing.T) {
	engine, channel, _, _ := newTestEngine(t)

	data := make([]byte, 150000)
	id, err := engine.Send(NewBytesSource("r.bin", "", data), "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Fail the channel after the first chunk.
	channel.mu.Lock()
	channel.onSend = func() {
		if len(channel.frames) == 2 { // file-meta + first chunk
			channel.sendErr = fmt.Errorf("socket wedged")
		}
	}
	channel.mu.Unlock()

	engine.HandleReady(protocol.FileReadyPayload{TransferID: id})
	waitFor(t, func() bool {
		status, _ := engine.Status(id)
		return status.State == StateError
	})

	// Heal the channel and retry; the loop resumes at the recorded
	// offset rather than restarting.
	channel.mu.Lock()
	channel.sendErr = nil
	channel.onSend = nil
	channel.mu.Unlock()

	if !engine.Retry(id) {
		t.Fatal("Retry refused")
	}
	waitFor(t, func() bool {
		status, _ := engine.Status(id)
		return status.State == StateDone
	})

	var total int
	for _, message := range channel.sent(t) {
		if message.Type != protocol.TypeFileChunk {
			continue
		}
		payload := decodePayload[protocol.FileChunkPayload](t, message)
		chunk, _ := base64.StdEncoding.DecodeString(payload.ChunkBase64)
		total += len(chunk)
	}
	if total != len(data) {
		t.Errorf("total chunk bytes = %d, want exactly %d (no re-sent prefix)", total, len(data))
	}

	if engine.Retry("tx_ghost") {
		t.Error("Retry of unknown transfer succeeded")
	}
}

func TestInterleavedTransfersIsolated(t *testing.T) {
	receiver, _, store, _ := newTestEngine(t)

	receiver.HandleMeta(protocol.FileMetaPayload{
		TransferID: "tx_a",
		Meta:       protocol.FileMeta{Name: "a.bin", Size: 4},
		AlbumID:    "alb_1",
	})
	receiver.HandleMeta(protocol.FileMetaPayload{
		TransferID: "tx_b",
		Meta:       protocol.FileMeta{Name: "b.bin", Size: 2},
		AlbumID:    "alb_1",
	})

	// Interleave chunks of the two transfers.
	receiver.HandleChunk(protocol.FileChunkPayload{
		TransferID:  "tx_a",
		ChunkBase64: base64.StdEncoding.EncodeToString([]byte("aa")),
	})
	receiver.HandleChunk(protocol.FileChunkPayload{
		TransferID:  "tx_b",
		ChunkBase64: base64.StdEncoding.EncodeToString([]byte("BB")),
	})
	receiver.HandleChunk(protocol.FileChunkPayload{
		TransferID:  "tx_a",
		ChunkBase64: base64.StdEncoding.EncodeToString([]byte("aa")),
	})

	statusA, _ := receiver.Status("tx_a")
	statusB, _ := receiver.Status("tx_b")
	if statusA.State != StateDone || statusB.State != StateDone {
		t.Fatalf("states = %q, %q, want both done", statusA.State, statusB.State)
	}
	if got := store.blobs[statusA.FileID]; string(got) != "aaaa" {
		t.Errorf("transfer A content = %q", got)
	}
	if got := store.blobs[statusB.FileID]; string(got) != "BB" {
		t.Errorf("transfer B content = %q", got)
	}
}

func TestSendOnClosedChannel(t *testing.T) {
	engine, channel, _, _ := newTestEngine(t)
	channel.mu.Lock()
	channel.open = false
	channel.mu.Unlock()

	if _, err := engine.Send(NewBytesSource("a", "", []byte("x")), ""); err != ErrChannelClosed {
		t.Errorf("error = %v, want ErrChannelClosed", err)
	}
}
