// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
)

// ErrNotOpen is returned by Channel.Send when the data channel is not
// in the open state. Callers that hold optimistic local state keep it;
// nothing was transmitted.
var ErrNotOpen = errors.New("session: data channel not open")

// SignalingError reports a violation of the offer/answer lifecycle:
// an answer applied with no outstanding offer, or an attempt to start
// a second link while one is active.
type SignalingError struct {
	Reason string
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("session: signaling: %s", e.Reason)
}

// IsSignalingError reports whether err is a SignalingError.
func IsSignalingError(err error) bool {
	var signalingErr *SignalingError
	return errors.As(err, &signalingErr)
}

// MediaAccessError reports that local media could not be acquired.
// It aborts only the action that requested media; the session stays
// usable.
type MediaAccessError struct {
	Cause error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("session: media access denied: %v", e.Cause)
}

func (e *MediaAccessError) Unwrap() error { return e.Cause }

// IsMediaAccessError reports whether err is a MediaAccessError.
func IsMediaAccessError(err error) bool {
	var mediaErr *MediaAccessError
	return errors.As(err, &mediaErr)
}
