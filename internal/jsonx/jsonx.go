// Package jsonx is the JSON codec used on the hot paths: websocket frames
// and the stratum wire. It is backed by sonic.
package jsonx

import (
	"bytes"
	stdjson "encoding/json"
	"reflect"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// RawMessage is kept as an alias so frame types can defer payload decoding
// until the command type is known.
type RawMessage = stdjson.RawMessage

// Number is an alias for encoding/json.Number.
type Number = stdjson.Number

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// UnmarshalNumbers decodes data into v keeping JSON numbers as Number so
// share payloads round-trip without float rounding.
func UnmarshalNumbers(data []byte, v any) error {
	dec := api.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// Pretouch compiles codecs for the given types ahead of first use. Errors are
// ignored; sonic falls back to lazy compilation.
func Pretouch(types ...reflect.Type) {
	for _, t := range types {
		_ = sonic.Pretouch(t)
	}
}
