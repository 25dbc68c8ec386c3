// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"
	"fmt"
)

// SizeLimitError reports a source rejected by Send for exceeding the
// hard file-size cap. No file-meta frame is emitted for a rejected
// source.
type SizeLimitError struct {
	Size  int64
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("transfer: file size %d exceeds limit %d", e.Size, e.Limit)
}

// IsSizeLimitError reports whether err is a *SizeLimitError.
func IsSizeLimitError(err error) bool {
	var sizeErr *SizeLimitError
	return errors.As(err, &sizeErr)
}

// ErrChannelClosed is returned by Send when the data channel is not
// open. The caller retries after the link is up; nothing is queued.
var ErrChannelClosed = errors.New("transfer: data channel is not open")
