// Package protocol defines the messages exchanged between the runner and a sandbox process.
// Messages travel as a msgpack stream over the sandbox's stdin and stdout.
package protocol

import (
	"errors"
	"fmt"

	"github.com/ssuji15/codemod-run/model"
)

// ErrMalformed marks a message that decoded but does not fit the schema.
var ErrMalformed = errors.New("protocol: malformed message")

type Kind string

// Runner to sandbox.
const (
	KindInitialization Kind = "initialization"
	KindRunCodemod     Kind = "runCodemod"
	KindExit           Kind = "exit"
)

// Sandbox to runner.
const (
	KindInitialized   Kind = "initialized"
	KindCodemodResult Kind = "codemodResult"
	KindFatal         Kind = "fatal"
)

// Message is the envelope of every variant. Only the fields of Kind are meaningful.
type Message struct {
	Kind Kind `msgpack:"kind"`

	CodemodPath        string               `msgpack:"codemodPath,omitempty"`
	CodemodSource      string               `msgpack:"codemodSource,omitempty"`
	CodemodEngine      model.Engine         `msgpack:"codemodEngine,omitempty"`
	DisablePrettier    bool                 `msgpack:"disablePrettier,omitempty"`
	SafeArgumentRecord model.ArgumentRecord `msgpack:"safeArgumentRecord,omitempty"`

	Path     string `msgpack:"path,omitempty"`
	Data     string `msgpack:"data,omitempty"`
	Modified bool   `msgpack:"modified,omitempty"`
	Error    string `msgpack:"error,omitempty"`

	Message string `msgpack:"message,omitempty"`
}

func Initialization(path, source string, engine model.Engine, disablePrettier bool, args model.ArgumentRecord) *Message {
	return &Message{
		Kind:               KindInitialization,
		CodemodPath:        path,
		CodemodSource:      source,
		CodemodEngine:      engine,
		DisablePrettier:    disablePrettier,
		SafeArgumentRecord: args,
	}
}

func RunCodemod(path, data string) *Message {
	return &Message{Kind: KindRunCodemod, Path: path, Data: data}
}

func Exit() *Message {
	return &Message{Kind: KindExit}
}

func Initialized() *Message {
	return &Message{Kind: KindInitialized}
}

func CodemodResult(path, data string, modified bool, err error) *Message {
	m := &Message{Kind: KindCodemodResult, Path: path, Data: data, Modified: modified}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

func Fatal(format string, args ...any) *Message {
	return &Message{Kind: KindFatal, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the fields required by the message's variant.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindInitialization:
		// engine membership is checked by the sandbox, which answers an unknown engine with fatal
		if m.CodemodEngine == "" {
			return fmt.Errorf("%w: initialization without codemodEngine", ErrMalformed)
		}
		if m.CodemodPath == "" && m.CodemodSource == "" {
			return fmt.Errorf("%w: initialization needs codemodPath or codemodSource", ErrMalformed)
		}
		for k, v := range m.SafeArgumentRecord {
			switch v.(type) {
			case string, bool, int, uint, int8, int16, int32, int64, uint8, uint16, uint32, uint64, float32, float64:
			default:
				return fmt.Errorf("%w: argument %q has unsupported type %T", ErrMalformed, k, v)
			}
		}
	case KindRunCodemod, KindCodemodResult:
		if m.Path == "" {
			return fmt.Errorf("%w: %s without path", ErrMalformed, m.Kind)
		}
	case KindExit, KindInitialized:
	case KindFatal:
		if m.Message == "" {
			return fmt.Errorf("%w: fatal without message", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, m.Kind)
	}
	return nil
}
