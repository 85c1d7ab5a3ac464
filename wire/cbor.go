package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Core deterministic encoding: the same message always yields the same
// bytes.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		MaxArrayElements: MaxTreeNodes * 4,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec encodes messages as integer-keyed CBOR maps.
type CBORCodec struct{}

// Name implements Codec.
func (CBORCodec) Name() string { return "cbor" }

// Marshal implements Codec.
func (CBORCodec) Marshal(m Message) ([]byte, error) {
	if err := checkLimits(m); err != nil {
		return nil, err
	}
	return cborEnc.Marshal(m)
}

// Unmarshal implements Codec.
func (CBORCodec) Unmarshal(t Type, data []byte) (Message, error) {
	m, err := newMessage(t)
	if err != nil {
		return nil, err
	}
	if err := cborDec.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := checkLimits(m); err != nil {
		return nil, err
	}
	return m, nil
}
