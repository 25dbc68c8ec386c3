// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sidelink/sidelink/lib/clock"
)

// undoWindow is how long a locally deleted entry can be restored
// before the tombstone becomes final.
const undoWindow = 6 * time.Second

// Entry is one chat line. Entries are created once and then patched in
// place by edit, delete, reaction, and ack frames matched on ID; they
// are never physically removed (delete is a reversible tombstone).
type Entry struct {
	ID        string
	From      string
	Kind      string // text, file, or system
	Text      string
	Timestamp int64 // milliseconds since epoch
	Delivered bool
	Edited    bool
	Deleted   bool
	Pinned    bool
	Reactions map[string]int
}

// ChatLog owns the ordered entry list. All mutation goes through
// patch-by-id methods; callers must not assume index stability.
type ChatLog struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries []*Entry
	undo    map[string]*clock.Timer
}

// NewChatLog creates an empty log.
func NewChatLog(clk clock.Clock) *ChatLog {
	return &ChatLog{
		clock: clk,
		undo:  make(map[string]*clock.Timer),
	}
}

// NewID returns a fresh sender-generated entry identifier.
func NewID() string { return uuid.NewString() }

// Append adds an entry to the end of the log.
func (l *ChatLog) Append(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored := entry
	l.entries = append(l.entries, &stored)
}

// AppendSystem adds a system entry with the given text.
func (l *ChatLog) AppendSystem(text string) {
	l.Append(Entry{
		ID:        NewID(),
		From:      "system",
		Kind:      KindSystem,
		Text:      text,
		Timestamp: l.clock.Now().UnixMilli(),
		Delivered: true,
	})
}

// Get returns a copy of the entry with the given id.
func (l *ChatLog) Get(id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry := l.findLocked(id); entry != nil {
		return *entry, true
	}
	return Entry{}, false
}

// Entries returns a snapshot of the log in append order.
func (l *ChatLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := make([]Entry, len(l.entries))
	for i, entry := range l.entries {
		snapshot[i] = *entry
	}
	return snapshot
}

// Len returns the number of entries, tombstones included.
func (l *ChatLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ApplyEdit replaces the text of the matching entry and marks it
// edited. Returns false when no entry matches.
func (l *ChatLog) ApplyEdit(id, text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.findLocked(id)
	if entry == nil {
		return false
	}
	entry.Text = text
	entry.Edited = true
	return true
}

// ApplyDelete tombstones the matching entry. Returns false when no
// entry matches.
func (l *ChatLog) ApplyDelete(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.findLocked(id)
	if entry == nil {
		return false
	}
	entry.Deleted = true
	return true
}

// ApplyAck marks the matching locally-sent entry delivered. A no-op
// when no entry matches.
func (l *ChatLog) ApplyAck(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.findLocked(id)
	if entry == nil {
		return false
	}
	entry.Delivered = true
	return true
}

// AddReaction increments the count for symbol on the matching entry,
// creating the reaction map or counter as needed. Counts only ever go
// up: repeated delivery means repeated increments.
func (l *ChatLog) AddReaction(id, symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.findLocked(id)
	if entry == nil {
		return false
	}
	if entry.Reactions == nil {
		entry.Reactions = make(map[string]int)
	}
	entry.Reactions[symbol]++
	return true
}

// TogglePin flips the pinned flag on the matching entry.
func (l *ChatLog) TogglePin(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.findLocked(id)
	if entry == nil {
		return false
	}
	entry.Pinned = !entry.Pinned
	return true
}

// DeleteWithUndo tombstones the entry and opens a bounded window in
// which Undo can restore it locally. After the window passes the
// tombstone is final.
func (l *ChatLog) DeleteWithUndo(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.findLocked(id)
	if entry == nil {
		return false
	}
	entry.Deleted = true

	if existing, ok := l.undo[id]; ok {
		existing.Stop()
	}
	l.undo[id] = l.clock.AfterFunc(undoWindow, func() {
		l.mu.Lock()
		delete(l.undo, id)
		l.mu.Unlock()
	})
	return true
}

// Undo restores a tombstoned entry if its undo window is still open.
// The restore is local only — no frame is sent to the peer.
func (l *ChatLog) Undo(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	timer, ok := l.undo[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(l.undo, id)
	if entry := l.findLocked(id); entry != nil {
		entry.Deleted = false
		return true
	}
	return false
}

// Clear removes every entry. Used by the clear-chat control command.
func (l *ChatLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	for id, timer := range l.undo {
		timer.Stop()
		delete(l.undo, id)
	}
}

func (l *ChatLog) findLocked(id string) *Entry {
	for _, entry := range l.entries {
		if entry.ID == id {
			return entry
		}
	}
	return nil
}
