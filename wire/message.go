// Package wire defines the four messages exchanged between replicas and the
// framing that carries them over a byte stream.
//
// Every frame is a uvarint length followed by a one byte message type and
// the encoded message. Two encodings are provided: ProtoCodec, the
// default, writes protocol buffer wire format, and CBORCodec writes
// integer-keyed CBOR maps. Both ends of a connection must use the same
// codec; a mismatch shows up as a malformed handshake.
package wire

import (
	"errors"
	"fmt"
)

// ProtocolVersion is carried in every handshake.
const ProtocolVersion = 1

// MaxTreeNodes bounds the proof list of a single request or response.
const MaxTreeNodes = 4096

// Type tags the message carried by a frame.
type Type byte

// Message types, in wire order.
const (
	TypeHandshake Type = iota
	TypeHave
	TypeRequest
	TypeResponse
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypeHave:
		return "have"
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// ErrMalformed is returned for frames that cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// ErrFrameTooLarge is returned when a frame exceeds the reader's limit.
var ErrFrameTooLarge = errors.New("frame too large")

// Message is implemented by the four message types.
type Message interface {
	Type() Type
}

// Handshake must be the first message on a connection.
type Handshake struct {
	Protocol uint64 `cbor:"1,keyasint"`
	Hash     string `cbor:"2,keyasint,omitempty"`
	Blocks   []byte `cbor:"3,keyasint,omitempty"` // dense availability bitfield
}

// Have announces one newly available index.
type Have struct {
	Index uint64 `cbor:"1,keyasint"`
}

// Request asks for the data at Index together with the forest values
// listed in Tree. Digest selects the content hash instead of the block;
// Signature asks for the producer signature of Index.
type Request struct {
	ID        uint64   `cbor:"1,keyasint"`
	Index     uint64   `cbor:"2,keyasint"`
	Tree      []uint64 `cbor:"3,keyasint,omitempty"`
	Digest    bool     `cbor:"4,keyasint,omitempty"`
	Signature bool     `cbor:"5,keyasint,omitempty"`
}

// Response answers the request with the same ID. Tree is positional to the
// request's Tree; an empty entry means the responder could not produce
// that value. A nil Data means the responder does not hold the index.
type Response struct {
	ID        uint64   `cbor:"1,keyasint"`
	Tree      [][]byte `cbor:"2,keyasint,omitempty"`
	Signature []byte   `cbor:"3,keyasint,omitempty"`
	Data      []byte   `cbor:"4,keyasint"`
}

func (*Handshake) Type() Type { return TypeHandshake }
func (*Have) Type() Type      { return TypeHave }
func (*Request) Type() Type   { return TypeRequest }
func (*Response) Type() Type  { return TypeResponse }

// Codec encodes message bodies. The type tag is handled by the framing.
type Codec interface {
	Name() string
	Marshal(m Message) ([]byte, error)
	Unmarshal(t Type, data []byte) (Message, error)
}

// CodecByName returns the codec registered under name. The empty name
// selects ProtoCodec.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", ProtoCodec{}.Name():
		return ProtoCodec{}, nil
	case CBORCodec{}.Name():
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

func newMessage(t Type) (Message, error) {
	switch t {
	case TypeHandshake:
		return &Handshake{}, nil
	case TypeHave:
		return &Have{}, nil
	case TypeRequest:
		return &Request{}, nil
	case TypeResponse:
		return &Response{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformed, byte(t))
	}
}

func checkLimits(m Message) error {
	switch v := m.(type) {
	case *Request:
		if len(v.Tree) > MaxTreeNodes {
			return fmt.Errorf("%w: request lists %d nodes", ErrMalformed, len(v.Tree))
		}
	case *Response:
		if len(v.Tree) > MaxTreeNodes {
			return fmt.Errorf("%w: response carries %d nodes", ErrMalformed, len(v.Tree))
		}
	}
	return nil
}
