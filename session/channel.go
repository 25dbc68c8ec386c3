// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Channel wraps the link's data channel with the narrow surface the
// router and transfer engine consume: open check, send, and the
// buffered-bytes counter the backpressure loop polls.
//
// Channel is safe for concurrent use; pion serializes sends
// internally.
type Channel struct {
	dc *webrtc.DataChannel
}

func newChannel(dc *webrtc.DataChannel) *Channel {
	return &Channel{dc: dc}
}

// Label returns the data channel label.
func (c *Channel) Label() string {
	return c.dc.Label()
}

// Open reports whether the channel is in the open state.
func (c *Channel) Open() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Send writes one frame. Returns ErrNotOpen when the channel is not
// open; nothing is queued in that case.
func (c *Channel) Send(frame []byte) error {
	if !c.Open() {
		return ErrNotOpen
	}
	if err := c.dc.Send(frame); err != nil {
		return fmt.Errorf("session: sending frame: %w", err)
	}
	return nil
}

// BufferedAmount returns the bytes queued on the channel but not yet
// handed to the transport.
func (c *Channel) BufferedAmount() int {
	return int(c.dc.BufferedAmount())
}
