package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// MaxCompressedInt and MinCompressedInt bound the 30-bit compressed
	// integer encoding.
	MaxCompressedInt = 1<<29 - 1
	MinCompressedInt = -(1 << 29)

	// MaxUTFLength is the largest byte length of a plain UTF string.
	MaxUTFLength = 0xFFFF

	// DefaultMaxLongLength bounds long strings and blobs unless configured.
	DefaultMaxLongLength = 16 << 20
)

// Reader decodes values from one connection's input stream. The version
// decides which optional fields are present; it is set once the handshake
// has negotiated it.
type Reader struct {
	r       *bufio.Reader
	version Version
	maxLong int
	scratch [8]byte
}

// NewReader wraps r. If r is already a *bufio.Reader it is used directly.
func NewReader(r io.Reader, version Version) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br, version: version, maxLong: DefaultMaxLongLength}
}

// Version returns the protocol version used for decoding.
func (in *Reader) Version() Version { return in.version }

// SetVersion changes the decoding version.
func (in *Reader) SetVersion(v Version) { in.version = v }

// SetMaxLongLength bounds long strings and blobs.
func (in *Reader) SetMaxLongLength(n int) {
	if n > 0 {
		in.maxLong = n
	}
}

// Present reports whether a field in range rg is on the wire for this stream.
func (in *Reader) Present(rg Range) bool {
	return rg.Contains(in.version)
}

func (in *Reader) ReadByte() (byte, error) {
	return in.r.ReadByte()
}

func (in *Reader) ReadBoolean() (bool, error) {
	b, err := in.r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (in *Reader) ReadShort() (int16, error) {
	if _, err := io.ReadFull(in.r, in.scratch[:2]); err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(in.scratch[:2])), nil
}

func (in *Reader) ReadInt() (int32, error) {
	if _, err := io.ReadFull(in.r, in.scratch[:4]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(in.scratch[:4])), nil
}

func (in *Reader) ReadLong() (int64, error) {
	if _, err := io.ReadFull(in.r, in.scratch[:8]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(in.scratch[:8])), nil
}

// ReadCompressedInt reads a 1 to 4 byte integer. The top two bits of the
// first byte hold the count of extra bytes.
func (in *Reader) ReadCompressedInt() (int32, error) {
	b0, err := in.r.ReadByte()
	if err != nil {
		return 0, err
	}
	extra := int(b0 >> 6)
	u := uint32(b0 & 0x3F)
	if extra > 0 {
		if _, err := io.ReadFull(in.r, in.scratch[:extra]); err != nil {
			return 0, unexpected(err)
		}
		for _, b := range in.scratch[:extra] {
			u = u<<8 | uint32(b)
		}
	}
	shift := 32 - (6 + 8*extra)
	return int32(u<<shift) >> shift, nil
}

// ReadUTF reads a string with a two byte length prefix.
func (in *Reader) ReadUTF() (string, error) {
	n, err := in.ReadShort()
	if err != nil {
		return "", err
	}
	return in.readString(int(uint16(n)))
}

// ReadNullUTF reads a presence flag followed by a UTF string.
func (in *Reader) ReadNullUTF() (*string, error) {
	ok, err := in.ReadBoolean()
	if err != nil || !ok {
		return nil, err
	}
	s, err := in.ReadUTF()
	if err != nil {
		return nil, unexpected(err)
	}
	return &s, nil
}

// ReadLongUTF reads a string with a compressed int length prefix.
func (in *Reader) ReadLongUTF() (string, error) {
	n, err := in.readLength()
	if err != nil {
		return "", err
	}
	return in.readString(n)
}

// ReadNullLongUTF reads a presence flag followed by a long UTF string.
func (in *Reader) ReadNullLongUTF() (*string, error) {
	ok, err := in.ReadBoolean()
	if err != nil || !ok {
		return nil, err
	}
	s, err := in.ReadLongUTF()
	if err != nil {
		return nil, unexpected(err)
	}
	return &s, nil
}

// ReadBlob reads a compressed int length followed by that many bytes.
func (in *Reader) ReadBlob() ([]byte, error) {
	n, err := in.readLength()
	if err != nil {
		return nil, err
	}
	return in.ReadFull(n)
}

// ReadFull reads exactly n bytes.
func (in *Reader) ReadFull(n int) ([]byte, error) {
	if n < 0 || n > in.maxLong {
		return nil, NewIOError("invalid byte count: %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(in.r, buf); err != nil {
		return nil, unexpected(err)
	}
	return buf, nil
}

// CompressedIntIn reads a compressed int when rg covers this stream's version.
func (in *Reader) CompressedIntIn(rg Range, def int32) (int32, error) {
	if !in.Present(rg) {
		return def, nil
	}
	return in.ReadCompressedInt()
}

// BooleanIn reads a bool when rg covers this stream's version.
func (in *Reader) BooleanIn(rg Range, def bool) (bool, error) {
	if !in.Present(rg) {
		return def, nil
	}
	return in.ReadBoolean()
}

// LongIn reads an int64 when rg covers this stream's version.
func (in *Reader) LongIn(rg Range, def int64) (int64, error) {
	if !in.Present(rg) {
		return def, nil
	}
	return in.ReadLong()
}

// UTFIn reads a UTF string when rg covers this stream's version.
func (in *Reader) UTFIn(rg Range, def string) (string, error) {
	if !in.Present(rg) {
		return def, nil
	}
	return in.ReadUTF()
}

// NullUTFIn reads a nullable UTF string when rg covers this stream's version.
func (in *Reader) NullUTFIn(rg Range, def *string) (*string, error) {
	if !in.Present(rg) {
		return def, nil
	}
	return in.ReadNullUTF()
}

func (in *Reader) readLength() (int, error) {
	n, err := in.ReadCompressedInt()
	if err != nil {
		return 0, err
	}
	if n < 0 || int(n) > in.maxLong {
		return 0, NewIOError("invalid length: %d", n)
	}
	return int(n), nil
}

func (in *Reader) readString(n int) (string, error) {
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(in.r, buf); err != nil {
		return "", unexpected(err)
	}
	if !utf8.Valid(buf) {
		return "", NewIOError("malformed UTF-8 string")
	}
	return string(buf), nil
}

// Writer encodes values onto one connection's output stream. Nothing reaches
// the socket until Flush.
type Writer struct {
	w       *bufio.Writer
	version Version
	scratch [8]byte
}

// NewWriter wraps w. If w is already a *bufio.Writer it is used directly.
func NewWriter(w io.Writer, version Version) *Writer {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	return &Writer{w: bw, version: version}
}

func (out *Writer) Version() Version { return out.version }

func (out *Writer) SetVersion(v Version) { out.version = v }

// Present reports whether a field in range rg belongs on the wire for this stream.
func (out *Writer) Present(rg Range) bool {
	return rg.Contains(out.version)
}

func (out *Writer) Flush() error {
	return out.w.Flush()
}

// Buffered returns the number of bytes written but not yet flushed.
func (out *Writer) Buffered() int {
	return out.w.Buffered()
}

func (out *Writer) WriteByte(b byte) error {
	return out.w.WriteByte(b)
}

func (out *Writer) WriteBoolean(v bool) error {
	if v {
		return out.w.WriteByte(1)
	}
	return out.w.WriteByte(0)
}

func (out *Writer) WriteShort(v int16) error {
	binary.BigEndian.PutUint16(out.scratch[:2], uint16(v))
	_, err := out.w.Write(out.scratch[:2])
	return err
}

func (out *Writer) WriteInt(v int32) error {
	binary.BigEndian.PutUint32(out.scratch[:4], uint32(v))
	_, err := out.w.Write(out.scratch[:4])
	return err
}

func (out *Writer) WriteLong(v int64) error {
	binary.BigEndian.PutUint64(out.scratch[:8], uint64(v))
	_, err := out.w.Write(out.scratch[:8])
	return err
}

// WriteCompressedInt writes v in the fewest bytes that hold it.
func (out *Writer) WriteCompressedInt(v int32) error {
	u := uint32(v)
	var n int
	switch {
	case v >= -(1<<5) && v < 1<<5:
		out.scratch[0] = byte(u & 0x3F)
		n = 1
	case v >= -(1<<13) && v < 1<<13:
		u &= 0x3FFF
		out.scratch[0] = 0x40 | byte(u>>8)
		out.scratch[1] = byte(u)
		n = 2
	case v >= -(1<<21) && v < 1<<21:
		u &= 0x3FFFFF
		out.scratch[0] = 0x80 | byte(u>>16)
		out.scratch[1] = byte(u >> 8)
		out.scratch[2] = byte(u)
		n = 3
	case v >= MinCompressedInt && v <= MaxCompressedInt:
		u &= 0x3FFFFFFF
		out.scratch[0] = 0xC0 | byte(u>>24)
		out.scratch[1] = byte(u >> 16)
		out.scratch[2] = byte(u >> 8)
		out.scratch[3] = byte(u)
		n = 4
	default:
		return fmt.Errorf("value out of range for compressed int: %d", v)
	}
	_, err := out.w.Write(out.scratch[:n])
	return err
}

func (out *Writer) WriteUTF(s string) error {
	if len(s) > MaxUTFLength {
		return fmt.Errorf("string too long for UTF encoding: %d bytes", len(s))
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("string is not valid UTF-8")
	}
	if err := out.WriteShort(int16(uint16(len(s)))); err != nil {
		return err
	}
	_, err := out.w.WriteString(s)
	return err
}

func (out *Writer) WriteNullUTF(s *string) error {
	if err := out.WriteBoolean(s != nil); err != nil || s == nil {
		return err
	}
	return out.WriteUTF(*s)
}

func (out *Writer) WriteLongUTF(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("string is not valid UTF-8")
	}
	if len(s) > MaxCompressedInt {
		return fmt.Errorf("string too long: %d bytes", len(s))
	}
	if err := out.WriteCompressedInt(int32(len(s))); err != nil {
		return err
	}
	_, err := out.w.WriteString(s)
	return err
}

func (out *Writer) WriteNullLongUTF(s *string) error {
	if err := out.WriteBoolean(s != nil); err != nil || s == nil {
		return err
	}
	return out.WriteLongUTF(*s)
}

func (out *Writer) WriteBlob(b []byte) error {
	if len(b) > MaxCompressedInt {
		return fmt.Errorf("blob too long: %d bytes", len(b))
	}
	if err := out.WriteCompressedInt(int32(len(b))); err != nil {
		return err
	}
	_, err := out.w.Write(b)
	return err
}

func (out *Writer) Write(p []byte) (int, error) {
	return out.w.Write(p)
}

// WriteCompressedIntIn writes v only when rg covers this stream's version.
func (out *Writer) WriteCompressedIntIn(rg Range, v int32) error {
	if !out.Present(rg) {
		return nil
	}
	return out.WriteCompressedInt(v)
}

// WriteBooleanIn writes v only when rg covers this stream's version.
func (out *Writer) WriteBooleanIn(rg Range, v bool) error {
	if !out.Present(rg) {
		return nil
	}
	return out.WriteBoolean(v)
}

// WriteLongIn writes v only when rg covers this stream's version.
func (out *Writer) WriteLongIn(rg Range, v int64) error {
	if !out.Present(rg) {
		return nil
	}
	return out.WriteLong(v)
}

// WriteUTFIn writes s only when rg covers this stream's version.
func (out *Writer) WriteUTFIn(rg Range, s string) error {
	if !out.Present(rg) {
		return nil
	}
	return out.WriteUTF(s)
}

// WriteNullUTFIn writes s only when rg covers this stream's version.
func (out *Writer) WriteNullUTFIn(rg Range, s *string) error {
	if !out.Present(rg) {
		return nil
	}
	return out.WriteNullUTF(s)
}

// unexpected turns an EOF in the middle of a value into ErrUnexpectedEOF so
// callers only see io.EOF on a clean boundary.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
