// Package raven carries run-protocol messages between the runner and a sandbox worker.
package raven

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ssuji15/codemod-run/internal/protocol"
)

// ErrClosed is returned once the worker side of the stream is gone.
var ErrClosed = errors.New("raven: stream closed")

type Raven interface {
	Send(ctx context.Context, m *protocol.Message) error
	Receive(ctx context.Context) (*protocol.Message, error)
	Close() error
}

type received struct {
	msg *protocol.Message
	err error
}

// StreamRaven speaks the protocol over a pair of byte streams, typically a process's
// stdin and stdout. A single goroutine reads replies so Receive can honour ctx.
type StreamRaven struct {
	w       io.WriteCloser
	enc     *protocol.Encoder
	replies chan received
	once    sync.Once
}

func NewStreamRaven(w io.WriteCloser, r io.Reader) *StreamRaven {
	s := &StreamRaven{
		w:       w,
		enc:     protocol.NewEncoder(w),
		replies: make(chan received, 1),
	}
	go s.read(protocol.NewDecoder(r))
	return s
}

func (s *StreamRaven) read(dec *protocol.Decoder) {
	defer close(s.replies)
	for {
		m, err := dec.Decode()
		if errors.Is(err, protocol.ErrMalformed) {
			s.replies <- received{err: err}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.replies <- received{err: fmt.Errorf("%w: %v", ErrClosed, err)}
			}
			return
		}
		s.replies <- received{msg: m}
	}
}

func (s *StreamRaven) Send(ctx context.Context, m *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- s.enc.Encode(m) }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, protocol.ErrMalformed) {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *StreamRaven) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case r, ok := <-s.replies:
		if !ok {
			return nil, ErrClosed
		}
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the runner side of the stream. The worker sees EOF on its input.
func (s *StreamRaven) Close() error {
	var err error
	s.once.Do(func() { err = s.w.Close() })
	return err
}
