package ib

import (
	"bytes"
	"errors"
	"testing"
)

func TestTupleWireLayout(t *testing.T) {
	tuple := QueuePairTuple{LID: 7, QPN: 100, PSN: 42, Nonce: 0xDEADBEEF}
	raw := tuple.Encode()
	if len(raw) != TupleLen {
		t.Fatalf("encoded length: got %d want %d", len(raw), TupleLen)
	}

	want := []byte{
		0x00, 0x07, // LID
		0x00, 0x00, 0x00, 0x64, // QPN
		0x00, 0x00, 0x00, 0x2a, // PSN
		0x00, 0x00, 0x00, 0x00, 0xde, 0xad, 0xbe, 0xef, // nonce
		0x00, 0x00, // reserved
	}
	if !bytes.Equal(raw, want) {
		t.Fatalf("wire layout:\n got %x\nwant %x", raw, want)
	}

	decoded, err := DecodeTuple(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != tuple {
		t.Fatalf("roundtrip: got %+v want %+v", decoded, tuple)
	}
}

func TestDecodeShortDatagram(t *testing.T) {
	if _, err := DecodeTuple(make([]byte, TupleLen-1)); !errors.Is(err, ErrShortTuple) {
		t.Fatalf("got %v, want ErrShortTuple", err)
	}
}

func TestDecodeIgnoresTrailer(t *testing.T) {
	tuple := QueuePairTuple{LID: 9, QPN: 200, PSN: 84, Nonce: 1}
	raw := append(tuple.Encode(), 0xff, 0xff, 0xff, 0xff)
	decoded, err := DecodeTuple(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != tuple {
		t.Fatalf("got %+v want %+v", decoded, tuple)
	}
}
