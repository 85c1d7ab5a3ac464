package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtoCodec encodes messages in protocol buffer wire format. Field
// numbers follow the cbor keys on the message structs.
type ProtoCodec struct{}

// Name implements Codec.
func (ProtoCodec) Name() string { return "protobuf" }

// Marshal implements Codec.
func (ProtoCodec) Marshal(m Message) ([]byte, error) {
	if err := checkLimits(m); err != nil {
		return nil, err
	}

	var b []byte
	switch v := m.(type) {
	case *Handshake:
		b = appendVarintField(b, 1, v.Protocol)
		if v.Hash != "" {
			b = protowire.AppendTag(b, 2, protowire.BytesType)
			b = protowire.AppendString(b, v.Hash)
		}
		if len(v.Blocks) > 0 {
			b = appendBytesField(b, 3, v.Blocks)
		}
	case *Have:
		b = appendVarintField(b, 1, v.Index)
	case *Request:
		b = appendVarintField(b, 1, v.ID)
		b = appendVarintField(b, 2, v.Index)
		if len(v.Tree) > 0 {
			var packed []byte
			for _, id := range v.Tree {
				packed = protowire.AppendVarint(packed, id)
			}
			b = appendBytesField(b, 3, packed)
		}
		if v.Digest {
			b = appendVarintField(b, 4, 1)
		}
		if v.Signature {
			b = appendVarintField(b, 5, 1)
		}
	case *Response:
		b = appendVarintField(b, 1, v.ID)
		for _, h := range v.Tree {
			b = appendBytesField(b, 2, h)
		}
		if v.Signature != nil {
			b = appendBytesField(b, 3, v.Signature)
		}
		if v.Data != nil {
			b = appendBytesField(b, 4, v.Data)
		}
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrMalformed, m)
	}
	return b, nil
}

// Unmarshal implements Codec. Unknown fields are skipped.
func (ProtoCodec) Unmarshal(t Type, data []byte) (Message, error) {
	m, err := newMessage(t)
	if err != nil {
		return nil, err
	}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		var (
			varint uint64
			raw    []byte
		)
		switch typ {
		case protowire.VarintType:
			varint, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		data = data[n:]

		if err := setField(m, num, typ, varint, raw); err != nil {
			return nil, err
		}
	}

	if err := checkLimits(m); err != nil {
		return nil, err
	}
	return m, nil
}

func setField(m Message, num protowire.Number, typ protowire.Type, varint uint64, raw []byte) error {
	wrongType := func(want protowire.Type) error {
		if typ != want {
			return fmt.Errorf("%w: %s field %d has wire type %d", ErrMalformed, m.Type(), num, typ)
		}
		return nil
	}

	switch v := m.(type) {
	case *Handshake:
		switch num {
		case 1:
			if err := wrongType(protowire.VarintType); err != nil {
				return err
			}
			v.Protocol = varint
		case 2:
			if err := wrongType(protowire.BytesType); err != nil {
				return err
			}
			v.Hash = string(raw)
		case 3:
			if err := wrongType(protowire.BytesType); err != nil {
				return err
			}
			v.Blocks = clone(raw)
		}
	case *Have:
		if num == 1 {
			if err := wrongType(protowire.VarintType); err != nil {
				return err
			}
			v.Index = varint
		}
	case *Request:
		switch num {
		case 1:
			if err := wrongType(protowire.VarintType); err != nil {
				return err
			}
			v.ID = varint
		case 2:
			if err := wrongType(protowire.VarintType); err != nil {
				return err
			}
			v.Index = varint
		case 3:
			if typ == protowire.VarintType {
				v.Tree = append(v.Tree, varint)
				break
			}
			if err := wrongType(protowire.BytesType); err != nil {
				return err
			}
			for len(raw) > 0 {
				id, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return fmt.Errorf("%w: packed tree: %v", ErrMalformed, protowire.ParseError(n))
				}
				v.Tree = append(v.Tree, id)
				raw = raw[n:]
			}
		case 4:
			if err := wrongType(protowire.VarintType); err != nil {
				return err
			}
			v.Digest = varint != 0
		case 5:
			if err := wrongType(protowire.VarintType); err != nil {
				return err
			}
			v.Signature = varint != 0
		}
	case *Response:
		switch num {
		case 1:
			if err := wrongType(protowire.VarintType); err != nil {
				return err
			}
			v.ID = varint
		case 2:
			if err := wrongType(protowire.BytesType); err != nil {
				return err
			}
			v.Tree = append(v.Tree, clone(raw))
		case 3:
			if err := wrongType(protowire.BytesType); err != nil {
				return err
			}
			v.Signature = clone(raw)
		case 4:
			if err := wrongType(protowire.BytesType); err != nil {
				return err
			}
			v.Data = clone(raw)
		}
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// clone copies raw so decoded messages never alias the frame buffer. The
// result is non-nil even for empty input, which keeps "present but empty"
// distinct from "absent".
func clone(raw []byte) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
