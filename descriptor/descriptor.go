// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

// Package descriptor encodes WebRTC session descriptions for transport
// through text-only side channels (copy/paste, links, QR codes).
//
// A session description is a large JSON document; the codec compresses
// it with zlib and encodes the result as standard base64 so it fits in
// a QR code or URL. [Encode] and [Decode] round-trip exactly:
// Decode(Encode(d)) == d for every valid descriptor.
package descriptor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Descriptor type tags. Only these two values appear on the wire.
const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
)

// Descriptor is a connection-parameter document, immutable once
// created. It mirrors the browser RTCSessionDescription JSON shape so
// encoded payloads stay interchangeable with peers running the
// reference web client.
type Descriptor struct {
	// Type is "offer" or "answer".
	Type string `json:"type"`

	// SDP is the complete session description with all ICE candidates
	// embedded (vanilla ICE — gathering finishes before export).
	SDP string `json:"sdp"`
}

// Encode serializes the descriptor to canonical JSON, compresses it
// with zlib, and encodes the compressed bytes as standard base64.
func Encode(d Descriptor) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("descriptor: marshaling: %w", err)
	}

	var compressed bytes.Buffer
	writer := zlib.NewWriter(&compressed)
	if _, err := writer.Write(raw); err != nil {
		return "", fmt.Errorf("descriptor: compressing: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("descriptor: flushing compressor: %w", err)
	}

	return base64.StdEncoding.EncodeToString(compressed.Bytes()), nil
}

// Decode reverses Encode. It returns a *DecodeError when the input is
// not valid base64, the compressed stream is corrupt, or the JSON does
// not parse to a descriptor with a known type and a session body.
func Decode(encoded string) (Descriptor, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Descriptor{}, &DecodeError{Stage: "base64", Cause: err}
	}

	reader, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return Descriptor{}, &DecodeError{Stage: "zlib", Cause: err}
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Descriptor{}, &DecodeError{Stage: "zlib", Cause: err}
	}

	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return Descriptor{}, &DecodeError{Stage: "json", Cause: err}
	}

	if d.Type != TypeOffer && d.Type != TypeAnswer {
		return Descriptor{}, &DecodeError{Stage: "shape", Cause: fmt.Errorf("unknown descriptor type %q", d.Type)}
	}
	if d.SDP == "" {
		return Descriptor{}, &DecodeError{Stage: "shape", Cause: fmt.Errorf("descriptor has no session body")}
	}

	return d, nil
}
