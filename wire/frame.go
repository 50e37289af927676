package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sharedcode/dtx"
)

const (
	// Magic opens every frame; a mismatch means the peer is not speaking
	// this protocol and the connection is closed.
	Magic uint16 = 0xCAFE
	// Version of the protocol; higher versions are rejected.
	Version byte = 1

	headerLen = 12

	// MaxBodyLen guards against a corrupt length prefix pinning a reader.
	MaxBodyLen = 8 << 20
)

// WriteFrame encodes msg with the given codec and writes one frame.
func WriteFrame(w io.Writer, msg *RpcMessage, codec Codec) error {
	body, err := codec.Encode(msg.Body)
	if err != nil {
		return dtx.Error{Code: dtx.ErrProtocol, Err: fmt.Errorf("encode body: %w", err)}
	}
	var hdr [headerLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], Magic)
	hdr[2] = Version
	hdr[3] = byte(msg.Type)
	binary.BigEndian.PutUint32(hdr[4:8], msg.ID)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return dtx.Error{Code: dtx.ErrNetwork, Err: err}
		}
	}
	return nil
}

// ReadFrame reads one frame and decodes its body into the shape registered
// for the message type. Framing violations come back as WireError so the
// caller knows to drop the connection.
func ReadFrame(r io.Reader, codec Codec) (*RpcMessage, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	if got := binary.BigEndian.Uint16(hdr[0:2]); got != Magic {
		return nil, dtx.Errf(dtx.ErrWire, "bad magic 0x%04X", got)
	}
	if hdr[2] != Version {
		return nil, dtx.Errf(dtx.ErrWire, "unsupported protocol version %d", hdr[2])
	}
	msgType := MessageType(hdr[3])
	id := binary.BigEndian.Uint32(hdr[4:8])
	bodyLen := binary.BigEndian.Uint32(hdr[8:12])
	if bodyLen > MaxBodyLen {
		return nil, dtx.Errf(dtx.ErrWire, "body length %d exceeds limit", bodyLen)
	}
	body, err := NewBody(msgType)
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrWire, Err: err}
	}
	var raw []byte
	if bodyLen > 0 {
		raw = make([]byte, bodyLen)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, dtx.Error{Code: dtx.ErrNetwork, Err: err}
		}
	}
	if err := codec.Decode(raw, body); err != nil {
		return nil, dtx.Error{Code: dtx.ErrProtocol, Err: fmt.Errorf("decode %s body: %w", msgType, err)}
	}
	return &RpcMessage{ID: id, Type: msgType, Codec: codec.ID(), Body: body}, nil
}
