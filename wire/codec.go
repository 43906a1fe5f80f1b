package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame body to guard against a
// malformed or hostile length prefix exhausting memory.
const MaxFrameBytes = 64 * 1024 * 1024

var errShortBuffer = errors.New("wire: message truncated")

// Message is a growable write buffer / cursor-based read buffer for a
// frame body: push fixed-width and length-prefixed fields on the way
// out, pop them in the same order on the way in.
type Message struct {
	buf []byte
	pos int
}

// NewMessage returns an empty message ready for encoding.
func NewMessage() *Message { return &Message{} }

// NewMessageFromBytes wraps an already-read frame body for decoding.
func NewMessageFromBytes(b []byte) *Message { return &Message{buf: b} }

// Bytes returns the encoded body.
func (m *Message) Bytes() []byte { return m.buf }

// PutUint8 appends one byte.
func (m *Message) PutUint8(v uint8) { m.buf = append(m.buf, v) }

// PutUint64 appends a big-endian uint64.
func (m *Message) PutUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	m.buf = append(m.buf, tmp[:]...)
}

// PutString appends a 4-byte big-endian length followed by the UTF-8
// bytes of s. The length prefix is authoritative; no NUL terminator is
// written.
func (m *Message) PutString(s string) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(s)))
	m.buf = append(m.buf, tmp[:]...)
	m.buf = append(m.buf, s...)
}

// PutBytes is PutString for raw values (Apteryx values are byte
// strings, not necessarily valid UTF-8).
func (m *Message) PutBytes(b []byte) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
	m.buf = append(m.buf, tmp[:]...)
	m.buf = append(m.buf, b...)
}

// PutOptionalBytes appends a presence flag then, if present, the bytes; used for
// GET's optional<str> reply.
func (m *Message) PutOptionalBytes(b []byte, present bool) {
	if !present {
		m.PutUint8(0)
		return
	}
	m.PutUint8(1)
	m.PutBytes(b)
}

// GetUint8 pops one byte.
func (m *Message) GetUint8() (uint8, error) {
	if m.pos+1 > len(m.buf) {
		return 0, errShortBuffer
	}
	v := m.buf[m.pos]
	m.pos++
	return v, nil
}

// GetUint64 pops a big-endian uint64.
func (m *Message) GetUint64() (uint64, error) {
	if m.pos+8 > len(m.buf) {
		return 0, errShortBuffer
	}
	v := binary.BigEndian.Uint64(m.buf[m.pos : m.pos+8])
	m.pos += 8
	return v, nil
}

// GetBytes pops a length-prefixed byte string.
func (m *Message) GetBytes() ([]byte, error) {
	if m.pos+4 > len(m.buf) {
		return nil, errShortBuffer
	}
	n := int(binary.BigEndian.Uint32(m.buf[m.pos : m.pos+4]))
	m.pos += 4
	if n < 0 || m.pos+n > len(m.buf) {
		return nil, errShortBuffer
	}
	v := m.buf[m.pos : m.pos+n]
	m.pos += n
	return v, nil
}

// GetString pops a length-prefixed string.
func (m *Message) GetString() (string, error) {
	b, err := m.GetBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetOptionalBytes pops a presence flag and, if set, the bytes.
func (m *Message) GetOptionalBytes() (b []byte, present bool, err error) {
	flag, err := m.GetUint8()
	if err != nil {
		return nil, false, err
	}
	if flag == 0 {
		return nil, false, nil
	}
	b, err = m.GetBytes()
	return b, true, err
}

// More reports whether unread bytes remain.
func (m *Message) More() bool { return m.pos < len(m.buf) }

// Remaining returns the number of unread bytes.
func (m *Message) Remaining() int { return len(m.buf) - m.pos }

// ReadFrame reads one length-prefixed frame from r: a 4-byte big-endian
// body length, a 1-byte opcode, then the opcode-specific payload.
func ReadFrame(r io.Reader) (Opcode, *Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameBytes {
		return 0, nil, fmt.Errorf("wire: invalid frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return Opcode(body[0]), NewMessageFromBytes(body[1:]), nil
}

// WriteFrame writes op and msg as one length-prefixed frame to w.
func WriteFrame(w io.Writer, op Opcode, msg *Message) error {
	body := msg.Bytes()
	total := len(body) + 1
	out := make([]byte, 4+total)
	binary.BigEndian.PutUint32(out[:4], uint32(total))
	out[4] = byte(op)
	copy(out[5:], body)
	_, err := w.Write(out)
	return err
}
