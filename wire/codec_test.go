package wire

import (
	"bytes"
	"testing"
)

func TestMessageFieldRoundTrip(t *testing.T) {
	m := NewMessage()
	m.PutUint8(0x7F)
	m.PutUint64(0xDEADBEEF)
	m.PutString("/test/a/b")
	m.PutBytes([]byte{0x00, 0x01, 0x00})
	m.PutOptionalBytes(nil, false)
	m.PutOptionalBytes([]byte("x"), true)

	r := NewMessageFromBytes(m.Bytes())
	if v, err := r.GetUint8(); err != nil || v != 0x7F {
		t.Fatalf("GetUint8 = %v, %v", v, err)
	}
	if v, err := r.GetUint64(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("GetUint64 = %v, %v", v, err)
	}
	if s, err := r.GetString(); err != nil || s != "/test/a/b" {
		t.Fatalf("GetString = %q, %v", s, err)
	}
	if b, err := r.GetBytes(); err != nil || !bytes.Equal(b, []byte{0x00, 0x01, 0x00}) {
		t.Fatalf("GetBytes = %v, %v (embedded NULs must survive)", b, err)
	}
	if _, present, err := r.GetOptionalBytes(); err != nil || present {
		t.Fatalf("optional absent decoded as present, %v", err)
	}
	if b, present, err := r.GetOptionalBytes(); err != nil || !present || string(b) != "x" {
		t.Fatalf("optional present = %q,%v,%v", b, present, err)
	}
	if r.More() {
		t.Fatal("unread bytes remain")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	m := NewMessage()
	m.PutString("/test/x")
	m.PutUint64(42)

	var buf bytes.Buffer
	if err := WriteFrame(&buf, OpTimestamp, m); err != nil {
		t.Fatal(err)
	}

	op, body, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if op != OpTimestamp {
		t.Fatalf("op = %#x, want %#x", op, OpTimestamp)
	}
	if s, _ := body.GetString(); s != "/test/x" {
		t.Fatalf("path = %q", s)
	}
	if v, _ := body.GetUint64(); v != 42 {
		t.Fatalf("ts = %d", v)
	}
}

func TestReadFrameRejectsHostileLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame length")
	}

	buf.Reset()
	buf.Write([]byte{0x00, 0x00, 0x00, 0x00})
	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for zero frame length")
	}
}

func TestTruncatedMessageErrors(t *testing.T) {
	m := NewMessageFromBytes([]byte{0x00, 0x00, 0x00, 0x08, 'a'})
	if _, err := m.GetBytes(); err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestLeavesAndStringsRoundTrip(t *testing.T) {
	m := NewMessage()
	m.PutLeaves([]Leaf{
		{Path: "/a/b", Value: []byte("1")},
		{Path: "/a/c", Value: []byte{}},
	})
	m.PutStrings([]string{"/x", "/y"})

	r := NewMessageFromBytes(m.Bytes())
	leaves, err := r.GetLeaves()
	if err != nil || len(leaves) != 2 || leaves[0].Path != "/a/b" {
		t.Fatalf("GetLeaves = %v, %v", leaves, err)
	}
	ss, err := r.GetStrings()
	if err != nil || len(ss) != 2 || ss[1] != "/y" {
		t.Fatalf("GetStrings = %v, %v", ss, err)
	}
}
