// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ Exchange = (*Memory)(nil)

// Memory is an in-process Exchange for tests. Payloads are stored in a
// map under synthetic https URLs, bypassing the network entirely.
type Memory struct {
	mu      sync.Mutex
	counter int
	blobs   map[string]string
}

// NewMemory creates an empty in-process relay.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string]string)}
}

func (m *Memory) Upload(_ context.Context, payload string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter++
	url := fmt.Sprintf("https://relay.invalid/blob/%d", m.counter)
	m.blobs[url] = payload
	return url, nil
}

func (m *Memory) Fetch(_ context.Context, url string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, ok := m.blobs[url]
	if !ok {
		return "", &TransportError{Op: "fetch", URL: url, Cause: fmt.Errorf("no blob stored at this URL")}
	}
	return payload, nil
}
