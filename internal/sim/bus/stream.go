package bus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const maxStreamString = 1 << 12

var errStreamString = errors.New("string too long")

// StreamWriter builds the compact sync payload of a host.
type StreamWriter struct {
	buf bytes.Buffer
	tmp [binary.MaxVarintLen64]byte
}

func NewStreamWriter() *StreamWriter { return &StreamWriter{} }

func (w *StreamWriter) PutByte(b byte) { w.buf.WriteByte(b) }

func (w *StreamWriter) PutUvarint(v uint64) {
	n := binary.PutUvarint(w.tmp[:], v)
	w.buf.Write(w.tmp[:n])
}

func (w *StreamWriter) PutVarint(v int64) {
	n := binary.PutVarint(w.tmp[:], v)
	w.buf.Write(w.tmp[:n])
}

func (w *StreamWriter) PutBool(b bool) {
	if b {
		w.buf.WriteByte(1)
		return
	}
	w.buf.WriteByte(0)
}

func (w *StreamWriter) PutString(s string) {
	w.PutUvarint(uint64(len(s)))
	w.buf.WriteString(s)
}

func (w *StreamWriter) Len() int { return w.buf.Len() }

// Bytes returns a copy of everything written so far.
func (w *StreamWriter) Bytes() []byte { return bytes.Clone(w.buf.Bytes()) }

// StreamReader decodes what a StreamWriter produced.
type StreamReader struct {
	r *bytes.Reader
}

func NewStreamReader(b []byte) *StreamReader { return &StreamReader{r: bytes.NewReader(b)} }

func (r *StreamReader) ReadByte() (byte, error) { return r.r.ReadByte() }

func (r *StreamReader) ReadUvarint() (uint64, error) { return binary.ReadUvarint(r.r) }

func (r *StreamReader) ReadVarint() (int64, error) { return binary.ReadVarint(r.r) }

func (r *StreamReader) ReadBool() (bool, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (r *StreamReader) ReadString() (string, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return "", err
	}
	if n > maxStreamString || int(n) > r.r.Len() {
		return "", fmt.Errorf("%w: %d bytes", errStreamString, n)
	}
	b := make([]byte, n)
	if _, err := r.r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

// Remaining is the number of unread bytes.
func (r *StreamReader) Remaining() int { return r.r.Len() }
