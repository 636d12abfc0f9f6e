// Package protocol encodes and decodes the binary frames exchanged with
// editors: a leading varint tag selects state sync (0) or presence (1). State
// sync frames carry a second varint selecting the step, followed by a
// length-prefixed payload.
package protocol

import (
	"errors"
	"fmt"

	"codesync/syncserver/internal/varenc"
)

var ErrMalformed = errors.New("protocol: malformed message")

type Kind uint64

const (
	KindSync     Kind = 0
	KindPresence Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindPresence:
		return "presence"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

type Step uint64

const (
	// StepStateVector carries the sender's state vector and asks the receiver
	// for everything the sender is missing.
	StepStateVector Step = 0
	// StepStateReply answers a state vector with the missing operations.
	StepStateReply Step = 1
	// StepUpdate carries operations produced after the handshake.
	StepUpdate Step = 2
)

type Message struct {
	Kind    Kind
	Step    Step
	Payload []byte
}

func EncodeStateRequest(stateVector []byte) []byte {
	return encodeSync(StepStateVector, stateVector)
}

func EncodeStateReply(update []byte) []byte {
	return encodeSync(StepStateReply, update)
}

func EncodeUpdate(update []byte) []byte {
	return encodeSync(StepUpdate, update)
}

func EncodePresence(payload []byte) []byte {
	buf := varenc.AppendUint(make([]byte, 0, len(payload)+6), uint64(KindPresence))
	return varenc.AppendBytes(buf, payload)
}

func encodeSync(step Step, payload []byte) []byte {
	buf := varenc.AppendUint(make([]byte, 0, len(payload)+8), uint64(KindSync))
	buf = varenc.AppendUint(buf, uint64(step))
	return varenc.AppendBytes(buf, payload)
}

// Decode parses a single frame. The returned payload aliases p.
func Decode(p []byte) (Message, error) {
	d := varenc.NewDecoder(p)
	msg := Message{Kind: Kind(d.Uint())}
	if d.Err() != nil {
		return Message{}, fmt.Errorf("%w: missing tag", ErrMalformed)
	}

	switch msg.Kind {
	case KindSync:
		msg.Step = Step(d.Uint())
		if d.Err() == nil && msg.Step > StepUpdate {
			return Message{}, fmt.Errorf("%w: unknown sync step %d", ErrMalformed, uint64(msg.Step))
		}
		msg.Payload = d.Bytes()
	case KindPresence:
		msg.Payload = d.Bytes()
	default:
		return Message{}, fmt.Errorf("%w: unknown tag %d", ErrMalformed, uint64(msg.Kind))
	}

	if d.Err() != nil {
		return Message{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, msg.Kind, d.Err())
	}
	if d.Len() != 0 {
		return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, d.Len())
	}
	return msg, nil
}
