// Package sandbox runs one codemod job inside an isolated process. A Session is driven by
// protocol messages and never reused once it terminates.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ssuji15/codemod-run/internal/engine"
	"github.com/ssuji15/codemod-run/internal/protocol"
	"github.com/ssuji15/codemod-run/internal/service/logger"
)

type State int

const (
	Uninitialized State = iota
	Initialized
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrTerminated is returned for any message handled after the session terminated.
var ErrTerminated = errors.New("sandbox: session terminated")

type Session struct {
	state           State
	engines         *engine.Registry
	formatter       engine.Formatter
	fileTimeout     time.Duration
	transform       engine.Transform
	disablePrettier bool
}

func NewSession(engines *engine.Registry, formatter engine.Formatter, fileTimeout time.Duration) *Session {
	if formatter == nil {
		formatter = engine.NewExecFormatter(nil)
	}
	return &Session{
		state:       Uninitialized,
		engines:     engines,
		formatter:   formatter,
		fileTimeout: fileTimeout,
	}
}

func (s *Session) State() State {
	return s.state
}

// Handle applies one message and returns the reply to send, if any.
func (s *Session) Handle(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	if s.state == Terminated {
		return nil, ErrTerminated
	}

	switch m.Kind {
	case protocol.KindExit:
		s.state = Terminated
		return nil, nil
	case protocol.KindInitialization:
		if s.state != Uninitialized {
			return protocol.Fatal("initialization received while %s", s.state), nil
		}
		return s.initialize(ctx, m), nil
	case protocol.KindRunCodemod:
		if s.state != Initialized && s.state != Running {
			return protocol.Fatal("runCodemod received while %s", s.state), nil
		}
		return s.run(ctx, m), nil
	default:
		return protocol.Fatal("unexpected message %q", m.Kind), nil
	}
}

func (s *Session) initialize(ctx context.Context, m *protocol.Message) *protocol.Message {
	e, err := s.engines.Get(m.CodemodEngine)
	if err != nil {
		s.state = Terminated
		return protocol.Fatal("%v", err)
	}
	t, err := e.Prepare(ctx, engine.Codemod{
		Path:   m.CodemodPath,
		Source: m.CodemodSource,
		Args:   m.SafeArgumentRecord,
	})
	if err != nil {
		s.state = Terminated
		return protocol.Fatal("%v", err)
	}
	s.transform = t
	s.disablePrettier = m.DisablePrettier
	s.state = Initialized
	return protocol.Initialized()
}

func (s *Session) run(ctx context.Context, m *protocol.Message) *protocol.Message {
	if s.fileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fileTimeout)
		defer cancel()
	}

	out, modified, err := s.transform.Apply(ctx, m.Path, m.Data)
	if err != nil {
		return protocol.CodemodResult(m.Path, m.Data, false, err)
	}
	if modified && !s.disablePrettier {
		formatted, err := s.formatter.Format(ctx, m.Path, out)
		if err != nil {
			return protocol.CodemodResult(m.Path, m.Data, false, err)
		}
		out = formatted
	}
	s.state = Running
	return protocol.CodemodResult(m.Path, out, out != m.Data, nil)
}

// Serve reads messages from r and writes replies to w until the session terminates,
// r is exhausted or ctx is done. Malformed messages are logged and skipped.
func Serve(ctx context.Context, r io.Reader, w io.Writer, s *Session) error {
	dec := protocol.NewDecoder(r)
	enc := protocol.NewEncoder(w)

	for s.State() != Terminated {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := dec.Decode()
		if errors.Is(err, protocol.ErrMalformed) {
			logger.Log.Warn().Err(err).Str("state", s.State().String()).Msg("rejected message")
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		reply, err := s.Handle(ctx, m)
		if err != nil {
			return err
		}
		if reply == nil {
			continue
		}
		if err := enc.Encode(reply); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
	return nil
}
