package sandbox

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ssuji15/codemod-run/internal/engine"
	"github.com/ssuji15/codemod-run/internal/protocol"
	"github.com/ssuji15/codemod-run/model"
)

type replaceEngine struct {
	prepareErr error
	prepared   int
}

func (e *replaceEngine) Name() model.Engine { return model.EngineJSCodeshift }

func (e *replaceEngine) Prepare(_ context.Context, c engine.Codemod) (engine.Transform, error) {
	e.prepared++
	if e.prepareErr != nil {
		return nil, e.prepareErr
	}
	return replaceTransform{}, nil
}

// replaceTransform turns foo into bar and fails on files containing "syntax error".
type replaceTransform struct{}

func (replaceTransform) Apply(_ context.Context, path, content string) (string, bool, error) {
	if strings.Contains(content, "syntax error") {
		return content, false, errors.New("unexpected token")
	}
	out := strings.ReplaceAll(content, "foo", "bar")
	return out, out != content, nil
}

type upperFormatter struct{ calls int }

func (f *upperFormatter) Format(_ context.Context, _ string, content string) (string, error) {
	f.calls++
	return strings.ToUpper(content), nil
}

func newSession(e *replaceEngine, f engine.Formatter) *Session {
	return NewSession(engine.NewRegistry(e), f, time.Second)
}

func initMsg(disablePrettier bool) *protocol.Message {
	return protocol.Initialization("/w/codemod.js", "module.exports = t", model.EngineJSCodeshift, disablePrettier, nil)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	e := &replaceEngine{}
	s := newSession(e, &upperFormatter{})
	require.Equal(t, Uninitialized, s.State())

	reply, err := s.Handle(ctx, initMsg(true))
	require.NoError(t, err)
	require.Equal(t, protocol.KindInitialized, reply.Kind)
	require.Equal(t, Initialized, s.State())

	// a per-file failure keeps the session usable and does not count as a first run
	reply, err = s.Handle(ctx, protocol.RunCodemod("bad.js", "syntax error"))
	require.NoError(t, err)
	require.Equal(t, protocol.KindCodemodResult, reply.Kind)
	require.Equal(t, "unexpected token", reply.Error)
	require.Equal(t, "syntax error", reply.Data)
	require.Equal(t, Initialized, s.State())

	reply, err = s.Handle(ctx, protocol.RunCodemod("a.js", "foo()"))
	require.NoError(t, err)
	require.Equal(t, "bar()", reply.Data)
	require.True(t, reply.Modified)
	require.Empty(t, reply.Error)
	require.Equal(t, Running, s.State())

	reply, err = s.Handle(ctx, protocol.RunCodemod("b.js", "baz()"))
	require.NoError(t, err)
	require.Equal(t, "baz()", reply.Data)
	require.False(t, reply.Modified)

	reply, err = s.Handle(ctx, protocol.Exit())
	require.NoError(t, err)
	require.Nil(t, reply)
	require.Equal(t, Terminated, s.State())

	_, err = s.Handle(ctx, protocol.RunCodemod("c.js", "foo"))
	require.ErrorIs(t, err, ErrTerminated)
	require.Equal(t, 1, e.prepared)
}

func TestSessionFormatsModifiedFiles(t *testing.T) {
	ctx := context.Background()
	f := &upperFormatter{}
	s := newSession(&replaceEngine{}, f)

	_, err := s.Handle(ctx, initMsg(false))
	require.NoError(t, err)

	reply, err := s.Handle(ctx, protocol.RunCodemod("a.js", "foo()"))
	require.NoError(t, err)
	require.Equal(t, "BAR()", reply.Data)

	reply, err = s.Handle(ctx, protocol.RunCodemod("b.js", "baz()"))
	require.NoError(t, err)
	require.Equal(t, "baz()", reply.Data)
	require.Equal(t, 1, f.calls)
}

func TestSessionOutOfOrder(t *testing.T) {
	ctx := context.Background()

	s := newSession(&replaceEngine{}, nil)
	reply, err := s.Handle(ctx, protocol.RunCodemod("a.js", "foo"))
	require.NoError(t, err)
	require.Equal(t, protocol.KindFatal, reply.Kind)
	require.Equal(t, Uninitialized, s.State())

	_, err = s.Handle(ctx, initMsg(true))
	require.NoError(t, err)
	reply, err = s.Handle(ctx, initMsg(true))
	require.NoError(t, err)
	require.Equal(t, protocol.KindFatal, reply.Kind)
	require.Equal(t, Initialized, s.State())
}

func TestSessionInitializationFailure(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		e    *replaceEngine
		msg  *protocol.Message
	}{
		{"prepare fails", &replaceEngine{prepareErr: errors.New("unparsable codemod")}, initMsg(true)},
		{"engine not registered", &replaceEngine{}, protocol.Initialization("/w/c.yml", "id: x", model.EngineAstGrep, true, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(tt.e, nil)
			reply, err := s.Handle(ctx, tt.msg)
			require.NoError(t, err)
			require.Equal(t, protocol.KindFatal, reply.Kind)
			require.Equal(t, Terminated, s.State())
		})
	}
}

func TestServe(t *testing.T) {
	ctx := context.Background()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	s := newSession(&replaceEngine{}, nil)
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, inR, outW, s) }()

	enc := protocol.NewEncoder(inW)
	dec := protocol.NewDecoder(outR)

	require.NoError(t, enc.Encode(initMsg(true)))
	reply, err := dec.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.KindInitialized, reply.Kind)

	// malformed input is dropped without a reply and without a state change
	require.NoError(t, msgpack.NewEncoder(inW).Encode(map[string]any{"kind": "runCodemod"}))

	require.NoError(t, enc.Encode(protocol.RunCodemod("a.js", "foo")))
	reply, err = dec.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.KindCodemodResult, reply.Kind)
	require.Equal(t, "bar", reply.Data)

	require.NoError(t, enc.Encode(protocol.Exit()))
	require.NoError(t, <-done)
	require.Equal(t, Terminated, s.State())
}

func TestServeUnknownEngineTerminates(t *testing.T) {
	ctx := context.Background()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	s := newSession(&replaceEngine{}, nil)
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, inR, outW, s) }()

	go func() {
		_ = msgpack.NewEncoder(inW).Encode(map[string]any{
			"kind":          "initialization",
			"codemodPath":   "/w/c.js",
			"codemodEngine": "babel",
		})
	}()

	reply, err := protocol.NewDecoder(outR).Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.KindFatal, reply.Kind)
	require.Contains(t, reply.Message, "babel")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sandbox kept serving after a failed initialization")
	}
	require.Equal(t, Terminated, s.State())
}
