// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
)

// TransportError reports a failed relay upload or fetch. Callers use
// errors.As to distinguish relay failures from decode failures when
// dereferencing pasted input.
type TransportError struct {
	// Op is "upload" or "fetch".
	Op string
	// URL is the relay endpoint or blob location involved.
	URL string
	// Cause is the underlying HTTP or encoding error.
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay: %s %s: %v", e.Op, e.URL, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// IsTransportError reports whether err is a *TransportError.
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
