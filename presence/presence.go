// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

// Package presence tracks short-lived typing indicators. Each typing
// frame refreshes a per-username timestamp; a decay check scheduled
// after every refresh evicts the entry only if it has not been
// refreshed since. Repeated events push expiry forward by scheduling
// additional checks rather than resetting a timer, so overlapping
// checks are normal — each one re-reads the stored timestamp before
// evicting.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/sidelink/sidelink/lib/clock"
)

// Default decay parameters: checks run 1.5 s after each event and
// evict entries older than 1.4 s.
const (
	DefaultDecay      = 1500 * time.Millisecond
	DefaultStaleAfter = 1400 * time.Millisecond
)

// Tracker holds the currently-typing usernames.
type Tracker struct {
	clock      clock.Clock
	decay      time.Duration
	staleAfter time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time

	// OnChange, when set, is called after any entry is added or
	// evicted. Used to refresh the status line.
	OnChange func()
}

// NewTracker creates a tracker with the default decay window.
func NewTracker(clk clock.Clock) *Tracker {
	return NewTrackerWithDecay(clk, DefaultDecay)
}

// NewTrackerWithDecay creates a tracker with a custom decay window.
// The staleness threshold keeps the default 100 ms margin below the
// check delay so a check scheduled by the refreshing event still sees
// the entry as fresh.
func NewTrackerWithDecay(clk clock.Clock, decay time.Duration) *Tracker {
	if decay <= 0 {
		decay = DefaultDecay
	}
	staleAfter := decay - (DefaultDecay - DefaultStaleAfter)
	if staleAfter <= 0 {
		staleAfter = decay
	}
	return &Tracker{
		clock:      clk,
		decay:      decay,
		staleAfter: staleAfter,
		lastSeen:   make(map[string]time.Time),
	}
}

// Touch records typing activity for username and schedules a decay
// check.
func (t *Tracker) Touch(username string) {
	now := t.clock.Now()

	t.mu.Lock()
	_, present := t.lastSeen[username]
	t.lastSeen[username] = now
	t.mu.Unlock()

	if !present && t.OnChange != nil {
		t.OnChange()
	}

	t.clock.AfterFunc(t.decay, func() {
		t.expire(username)
	})
}

// expire evicts username only if its last event is stale. A fresher
// Touch leaves the entry alone; the check that Touch scheduled will
// handle it.
func (t *Tracker) expire(username string) {
	now := t.clock.Now()

	t.mu.Lock()
	last, ok := t.lastSeen[username]
	evicted := false
	if ok && now.Sub(last) > t.staleAfter {
		delete(t.lastSeen, username)
		evicted = true
	}
	t.mu.Unlock()

	if evicted && t.OnChange != nil {
		t.OnChange()
	}
}

// Active returns the usernames currently considered typing, sorted.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	usernames := make([]string, 0, len(t.lastSeen))
	for username := range t.lastSeen {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)
	return usernames
}

// IsActive reports whether username has a live typing indicator.
func (t *Tracker) IsActive(username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.lastSeen[username]
	return ok
}
