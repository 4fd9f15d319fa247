// Package protocol encodes the binary frames exchanged over a document
// session. A frame is a protobuf-wire message:
//
//	1: kind     (varint)
//	2: document (string)
//	3: payload  (bytes)
//
// Unknown fields are skipped so newer peers can add fields.
package protocol

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind identifies the purpose of a frame.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindSyncRequest is sent once by the client when the transport opens.
	KindSyncRequest
	// KindSnapshot answers a sync request with the full document state.
	KindSnapshot
	// KindSync carries an incremental sync message in either direction.
	KindSync
)

const (
	fieldKind     protowire.Number = 1
	fieldDocument protowire.Number = 2
	fieldPayload  protowire.Number = 3
)

const (
	// MaxPayloadSize bounds a frame payload. Stored snapshots are held to
	// the same limit so every stored document can be sent in one frame.
	MaxPayloadSize = 64 << 20
	// MaxFrameSize bounds a single encoded frame: the payload plus room
	// for the kind, the document identifier and field tags.
	MaxFrameSize = MaxPayloadSize + 4<<10
)

var (
	ErrUnknownKind   = errors.New("unknown frame kind")
	ErrFrameTooLarge = errors.New("frame too large")
)

func (k Kind) String() string {
	switch k {
	case KindSyncRequest:
		return "sync_request"
	case KindSnapshot:
		return "snapshot"
	case KindSync:
		return "sync"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is one message on a session.
type Frame struct {
	Kind     Kind
	Document string
	Payload  []byte
}

// Marshal encodes the frame.
func (f Frame) Marshal() []byte {
	b := make([]byte, 0, len(f.Payload)+len(f.Document)+16)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	if f.Document != "" {
		b = protowire.AppendTag(b, fieldDocument, protowire.BytesType)
		b = protowire.AppendString(b, f.Document)
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	return b
}

// Unmarshal decodes a frame and validates its kind.
func Unmarshal(b []byte) (Frame, error) {
	if len(b) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	var f Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("decode kind: %w", protowire.ParseError(n))
			}
			if v > math.MaxUint8 {
				return Frame{}, fmt.Errorf("%w: %d", ErrUnknownKind, v)
			}
			f.Kind = Kind(v)
			b = b[n:]
		case num == fieldDocument && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("decode document: %w", protowire.ParseError(n))
			}
			f.Document = v
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("decode payload: %w", protowire.ParseError(n))
			}
			f.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Frame{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch f.Kind {
	case KindSyncRequest, KindSnapshot, KindSync:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownKind, f.Kind)
	}
}
