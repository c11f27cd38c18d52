// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// A Codec converts between JSON-RPC wire text and transport frames.
type Codec interface {
	// Encode converts JSON text into a frame. If binary is true, the frame
	// must be sent as binary data rather than text.
	Encode(msg []byte) (data []byte, binary bool, err error)

	// Decode converts a received frame back to JSON text.
	Decode(data []byte, binary bool) ([]byte, error)
}

// JSON is a Codec that sends JSON text frames unchanged. Binary frames are
// passed through unchanged as well.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Encode(msg []byte) ([]byte, bool, error)      { return msg, false, nil }
func (jsonCodec) Decode(data []byte, _ bool) ([]byte, error) { return data, nil }

// CBOR is a Codec that carries each message as CBOR in a binary frame.
// Received text frames are accepted as JSON, so a CBOR peer interoperates with
// a peer sending plain text.
var CBOR Codec = cborCodec{}

type cborCodec struct{}

var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

func (cborCodec) Encode(msg []byte) ([]byte, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false, err
	}
	data, err := cbor.Marshal(fromJSON(v))
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (cborCodec) Decode(data []byte, binary bool) ([]byte, error) {
	if !binary {
		return data, nil
	}
	var v any
	if err := cborDecMode.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// fromJSON replaces the json.Number values in v with integers where they are
// exact, and floats otherwise, so that CBOR encodes them as numbers.
func fromJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i, elt := range t {
			t[i] = fromJSON(elt)
		}
	case map[string]any:
		for key, elt := range t {
			t[key] = fromJSON(elt)
		}
	}
	return v
}
