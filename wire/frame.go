package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds inbound frames unless the reader is told
// otherwise.
const DefaultMaxFrameSize = 8 << 20

// Encode frames m: uvarint length, type tag, body.
func Encode(c Codec, m Message) ([]byte, error) {
	body, err := c.Marshal(m)
	if err != nil {
		return nil, err
	}
	frame := protowire.AppendVarint(make([]byte, 0, len(body)+11), uint64(len(body)+1))
	frame = append(frame, byte(m.Type()))
	return append(frame, body...), nil
}

// Writer writes framed messages to a stream. It is not safe for concurrent
// use.
type Writer struct {
	w     io.Writer
	codec Codec
}

// NewWriter returns a Writer encoding with codec.
func NewWriter(w io.Writer, codec Codec) *Writer {
	return &Writer{w: w, codec: codec}
}

// WriteMessage encodes and writes one frame.
func (w *Writer) WriteMessage(m Message) error {
	frame, err := Encode(w.codec, m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", m.Type(), err)
	}
	return nil
}

// Reader reads framed messages from a stream. It is not safe for
// concurrent use.
type Reader struct {
	r     *bufio.Reader
	codec Codec
	max   uint64
}

// NewReader returns a Reader decoding with codec. A maxFrame of zero means
// DefaultMaxFrameSize.
func NewReader(r io.Reader, codec Codec, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Reader{r: bufio.NewReader(r), codec: codec, max: uint64(maxFrame)}
}

// ReadMessage reads one frame. io.EOF is returned unchanged when the
// stream ends cleanly between frames.
func (r *Reader) ReadMessage() (Message, error) {
	size, err := r.readSize()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if size > r.max {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, size, r.max)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return r.codec.Unmarshal(Type(buf[0]), buf[1:])
}

func (r *Reader) readSize() (uint64, error) {
	var (
		x     uint64
		shift uint
	)
	for i := 0; i < binary.MaxVarintLen64; i++ {
		b, err := r.r.ReadByte()
		if err != nil {
			if i > 0 && errors.Is(err, io.EOF) {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if b < 0x80 {
			if i == binary.MaxVarintLen64-1 && b > 1 {
				break
			}
			return x | uint64(b)<<shift, nil
		}
		x |= uint64(b&0x7f) << shift
		shift += 7
	}
	return 0, fmt.Errorf("%w: frame length overflows", ErrMalformed)
}
