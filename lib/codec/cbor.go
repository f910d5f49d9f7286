// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for capsule structural
// payloads: URI-index snapshots, checkpoint metadata, and export
// manifests. Encoding is Core Deterministic (RFC 8949 §4.2) so the
// same logical value always produces identical bytes — export digests
// depend on this.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Structural payloads only ever use string map keys. Decoding
		// into any-typed targets must produce map[string]any, not the
		// CBOR default map[any]any, so decoded values interoperate
		// with encoding/json.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, usable to defer decoding or
// splice pre-encoded output.
type RawMessage = cbor.RawMessage
