// Package jsoncodec is the single JSON entry point of holdflow. It uses the
// standard-compatible sonic configuration, which sorts map keys, so encoded
// records are stable enough to hash.
package jsoncodec

import (
	"bytes"
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// Decode reads one value from r. The decoder buffers ahead, so r is consumed;
// use NewDecoder to read several values from one stream.
func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}

// NewDecoder returns a decoder for a stream of JSON values.
func NewDecoder(r io.Reader) sonic.Decoder {
	return defaultConfig.NewDecoder(r)
}

// MarshalLine encodes v as one JSON line terminated by '\n'. String values are
// escaped by the encoder so the result never contains a raw newline before the
// terminator.
func MarshalLine(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// UnmarshalObject decodes one JSON object, ignoring surrounding whitespace.
func UnmarshalObject(line []byte) (map[string]any, error) {
	var out map[string]any
	if err := Unmarshal(bytes.TrimSpace(line), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Valid reports whether data is a well-formed JSON value.
func Valid(data []byte) bool {
	return defaultConfig.Valid(bytes.TrimSpace(data))
}
