// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Media supplies local audio/video tracks for a link. Device capture
// lives outside this module; the session only attaches whatever tracks
// the implementation yields. Acquisition failure surfaces as a
// MediaAccessError and aborts only the action that requested it.
type Media interface {
	// Acquire prepares local media. Called once before a link is
	// created; a failure aborts link creation.
	Acquire(ctx context.Context) error

	// Tracks returns the local tracks to add to the link. Valid only
	// after a successful Acquire.
	Tracks() []webrtc.TrackLocal

	// Release frees captured devices. Called on End. Must be safe to
	// call without a prior Acquire.
	Release()
}

// NopMedia is a Media that yields no tracks. Data-channel-only
// sessions use it.
type NopMedia struct{}

func (NopMedia) Acquire(context.Context) error { return nil }
func (NopMedia) Tracks() []webrtc.TrackLocal   { return nil }
func (NopMedia) Release()                      {}
