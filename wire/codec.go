// Package wire implements the framed binary RPC protocol spoken between
// TM/RM clients and the transaction coordinator: a fixed 12-byte header
// followed by a codec-serialized body, correlated by message id.
package wire

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Codec serializes message bodies. Implementations must be symmetric:
// Decode(Encode(x)) == x for every supported body shape.
type Codec interface {
	ID() byte
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Codec ids carried in the message payload.
const (
	CodecJSON byte = 0
)

type jsonCodec struct{}

func (jsonCodec) ID() byte { return CodecJSON }

func (jsonCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (jsonCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

var codecs = map[byte]Codec{
	CodecJSON: jsonCodec{},
}

// RegisterCodec installs an additional body codec (e.g. protobuf). The JSON
// codec at id 0 is the protocol default and cannot be replaced.
func RegisterCodec(c Codec) error {
	if c.ID() == CodecJSON {
		return fmt.Errorf("codec id %d is reserved", CodecJSON)
	}
	codecs[c.ID()] = c
	return nil
}

// CodecByID resolves a codec id from the wire.
func CodecByID(id byte) (Codec, error) {
	c, ok := codecs[id]
	if !ok {
		return nil, fmt.Errorf("unknown codec id %d", id)
	}
	return c, nil
}

// DefaultCodec returns the protocol default (JSON) codec.
func DefaultCodec() Codec {
	return jsonCodec{}
}
