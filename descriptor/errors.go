// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package descriptor

import (
	"errors"
	"fmt"
)

// DecodeError reports a malformed or corrupt encoded descriptor.
// Stage identifies the decoding phase that failed: "base64", "zlib",
// "json", or "shape".
type DecodeError struct {
	Stage string
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("descriptor: decoding (%s): %v", e.Stage, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// IsDecodeError reports whether err is a *DecodeError.
func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}
