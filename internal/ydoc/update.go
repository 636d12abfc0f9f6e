package ydoc

import (
	"fmt"
	"sort"

	"codesync/syncserver/internal/varenc"
)

// emptyUpdate is the encoding of an update carrying no operations.
var emptyUpdate = []byte{0}

// IsEmptyUpdate reports whether update is exactly the encoding of an update
// without operations.
func IsEmptyUpdate(update []byte) bool {
	d := varenc.NewDecoder(update)
	return d.Uint() == 0 && d.Err() == nil && d.Len() == 0
}

func encodeUpdate(ops []op) []byte {
	if len(ops) == 0 {
		return append([]byte(nil), emptyUpdate...)
	}
	buf := varenc.AppendUint(nil, uint64(len(ops)))
	for _, o := range ops {
		buf = varenc.AppendUint(buf, o.client)
		buf = varenc.AppendUint(buf, o.clock)
		buf = varenc.AppendUint(buf, o.lamport)
		buf = varenc.AppendUint(buf, uint64(o.kind))
		buf = varenc.AppendString(buf, o.target)
		buf = varenc.AppendBytes(buf, o.value)
	}
	return buf
}

func decodeUpdate(update []byte) ([]op, error) {
	d := varenc.NewDecoder(update)
	count := d.Uint()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, d.Err())
	}
	// Every operation needs at least six bytes.
	if count > uint64(d.Len())/6+1 {
		return nil, fmt.Errorf("%w: operation count %d exceeds payload", ErrMalformedUpdate, count)
	}
	ops := make([]op, 0, count)
	for i := uint64(0); i < count; i++ {
		o := op{
			client:  d.Uint(),
			clock:   d.Uint(),
			lamport: d.Uint(),
			kind:    kind(d.Uint()),
			target:  d.String(),
		}
		o.value = append([]byte(nil), d.Bytes()...)
		if d.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, d.Err())
		}
		if o.kind > kindText {
			return nil, fmt.Errorf("%w: unknown operation kind %d", ErrMalformedUpdate, o.kind)
		}
		ops = append(ops, o)
	}
	if d.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, d.Len())
	}
	return ops, nil
}

func encodeStateVector(sv map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	buf := varenc.AppendUint(nil, uint64(len(clients)))
	for _, client := range clients {
		buf = varenc.AppendUint(buf, client)
		buf = varenc.AppendUint(buf, sv[client])
	}
	return buf
}

// DecodeStateVector parses an encoded state vector. Nil or empty input is the
// empty vector.
func DecodeStateVector(p []byte) (map[uint64]uint64, error) {
	sv := make(map[uint64]uint64)
	if len(p) == 0 {
		return sv, nil
	}
	d := varenc.NewDecoder(p)
	count := d.Uint()
	for i := uint64(0); i < count && d.Err() == nil; i++ {
		client := d.Uint()
		sv[client] = d.Uint()
	}
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, d.Err())
	}
	if d.Len() != 0 {
		return nil, fmt.Errorf("%w: state vector has %d trailing bytes", ErrMalformedUpdate, d.Len())
	}
	return sv, nil
}
