// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Stored records are CBOR, encoded with Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical record always produces
// identical bytes, which keeps database diffs and digests stable.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		// When the decoder's target is any, pick map[string]any rather
		// than the CBOR default map[interface{}]interface{}, which most
		// Go code cannot consume.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeRecord(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func decodeRecord(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}
