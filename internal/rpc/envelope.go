// Package rpc carries method calls between the server and its clients over a
// channel. Every envelope is a single binary message holding the packed
// values (kind, id, method, args...).
package rpc

import (
	"errors"
	"fmt"

	"github.com/gaspardpetit/wschan/internal/pack"
)

// Envelope kinds.
const (
	KindCall   = "call"
	KindNotify = "notify"
	KindReturn = "return"
	KindError  = "error"
)

// ErrNotEnvelope reports a binary message that is not an rpc envelope.
var ErrNotEnvelope = errors.New("rpc: not an envelope")

// Envelope is one rpc message. ID is empty for notifications.
type Envelope struct {
	Kind   string
	ID     string
	Method string
	Args   []any
}

// Encode packs e.
func Encode(e Envelope) ([]byte, error) {
	vals := make([]any, 0, 3+len(e.Args))
	vals = append(vals, e.Kind, e.ID, e.Method)
	vals = append(vals, e.Args...)
	return pack.Pack(vals...)
}

// Decode unpacks an envelope from b.
func Decode(b []byte) (Envelope, error) {
	vals, err := pack.Unpack(b)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrNotEnvelope, err)
	}
	if len(vals) < 3 {
		return Envelope{}, ErrNotEnvelope
	}
	kind, ok1 := vals[0].(string)
	id, ok2 := vals[1].(string)
	method, ok3 := vals[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return Envelope{}, ErrNotEnvelope
	}
	switch kind {
	case KindCall, KindNotify, KindReturn, KindError:
	default:
		return Envelope{}, fmt.Errorf("%w: kind %q", ErrNotEnvelope, kind)
	}
	return Envelope{Kind: kind, ID: id, Method: method, Args: vals[3:]}, nil
}
