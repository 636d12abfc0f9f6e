package varenc

import (
	"errors"
	"testing"
)

func TestDecoderReadsWhatWasAppended(t *testing.T) {
	var buf []byte
	buf = AppendUint(buf, 300)
	buf = AppendString(buf, "file-1")
	buf = AppendBytes(buf, []byte{0x01, 0x02})

	d := NewDecoder(buf)
	if got := d.Uint(); got != 300 {
		t.Fatalf("expected 300, got %d", got)
	}
	if got := d.String(); got != "file-1" {
		t.Fatalf("expected file-1, got %q", got)
	}
	if got := d.Bytes(); len(got) != 2 || got[1] != 0x02 {
		t.Fatalf("unexpected bytes %v", got)
	}
	if d.Err() != nil {
		t.Fatalf("unexpected error: %v", d.Err())
	}
	if d.Len() != 0 {
		t.Fatalf("expected buffer to be consumed, %d bytes left", d.Len())
	}
}

func TestDecoderTruncatedPayload(t *testing.T) {
	buf := AppendUint(nil, 10)
	buf = append(buf, 'a', 'b')

	d := NewDecoder(buf)
	_ = d.Bytes()
	if !errors.Is(d.Err(), ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", d.Err())
	}
	if got := d.Uint(); got != 0 {
		t.Fatalf("expected sticky error to zero later reads, got %d", got)
	}
}

func TestDecoderEmptyInput(t *testing.T) {
	d := NewDecoder(nil)
	_ = d.Uint()
	if !errors.Is(d.Err(), ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", d.Err())
	}
}
