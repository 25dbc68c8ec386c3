// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"testing"
	"time"

	"github.com/sidelink/sidelink/lib/clock"
)

func TestDeleteUndoWithinWindow(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	log := NewChatLog(fake)
	log.Append(Entry{ID: "m1", Kind: KindText, Text: "keep me"})

	if !log.DeleteWithUndo("m1") {
		t.Fatal("DeleteWithUndo failed")
	}
	entry, _ := log.Get("m1")
	if !entry.Deleted {
		t.Fatal("entry not tombstoned")
	}

	fake.Advance(3 * time.Second)

	if !log.Undo("m1") {
		t.Fatal("Undo failed inside the window")
	}
	entry, _ = log.Get("m1")
	if entry.Deleted {
		t.Error("entry still tombstoned after undo")
	}
}

func TestUndoExpiresAfterWindow(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	log := NewChatLog(fake)
	log.Append(Entry{ID: "m1", Kind: KindText, Text: "gone"})

	log.DeleteWithUndo("m1")
	fake.Advance(7 * time.Second)

	if log.Undo("m1") {
		t.Error("Undo succeeded after the window expired")
	}
	entry, _ := log.Get("m1")
	if !entry.Deleted {
		t.Error("tombstone lost")
	}
}

func TestUndoUnknownEntry(t *testing.T) {
	log := NewChatLog(clock.Fake(time.Unix(0, 0)))
	if log.Undo("ghost") {
		t.Error("Undo of unknown entry succeeded")
	}
}

func TestTogglePin(t *testing.T) {
	log := NewChatLog(clock.Fake(time.Unix(0, 0)))
	log.Append(Entry{ID: "m1", Kind: KindFile, Text: "a.bin"})

	log.TogglePin("m1")
	if entry, _ := log.Get("m1"); !entry.Pinned {
		t.Error("pin not set")
	}
	log.TogglePin("m1")
	if entry, _ := log.Get("m1"); entry.Pinned {
		t.Error("pin not cleared")
	}
	if log.TogglePin("ghost") {
		t.Error("TogglePin of unknown entry succeeded")
	}
}

func TestEntriesSnapshotIsolation(t *testing.T) {
	log := NewChatLog(clock.Fake(time.Unix(0, 0)))
	log.Append(Entry{ID: "m1", Kind: KindText, Text: "one"})

	snapshot := log.Entries()
	snapshot[0].Text = "mutated"

	entry, _ := log.Get("m1")
	if entry.Text != "one" {
		t.Error("snapshot mutation leaked into the log")
	}
}

func TestAppendSystem(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(5000))
	log := NewChatLog(fake)

	log.AppendSystem("call ended")

	entries := log.Entries()
	if len(entries) != 1 {
		t.Fatalf("len = %d", len(entries))
	}
	if entries[0].Kind != KindSystem || entries[0].From != "system" || !entries[0].Delivered {
		t.Errorf("system entry = %+v", entries[0])
	}
	if entries[0].Timestamp != 5000 {
		t.Errorf("timestamp = %d, want clock time", entries[0].Timestamp)
	}
}
