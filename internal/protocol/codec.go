package protocol

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

type Encoder struct {
	mu  sync.Mutex
	enc *msgpack.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: msgpack.NewEncoder(w)}
}

func (e *Encoder) Encode(m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(m)
}

type Decoder struct {
	dec *msgpack.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: msgpack.NewDecoder(r)}
}

// Decode reads the next value off the stream. A value that is not a valid message
// yields an error wrapping ErrMalformed and leaves the stream positioned at the next value.
// Any other error means the stream itself is broken; io.EOF is returned as is.
func (d *Decoder) Decode() (*Message, error) {
	var raw msgpack.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		return nil, err
	}

	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields(true)
	m := &Message{}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
