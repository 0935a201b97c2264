package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// MaxFieldLength is the largest STRING or BITS field the decoder accepts.
// Tail blocks are at most a few megabytes, so anything larger means the
// stream is corrupt.
const MaxFieldLength = 64 * 1024 * 1024

var byteOrder = binary.LittleEndian

// DecodeError is returned when the inbound stream can't be parsed. The
// stream can't be resynchronized after one, so the session must end.
type DecodeError struct {
	Type PacketType
	Op   string
	Err  error
}

func (err *DecodeError) Error() string {
	if err.Type < 0 {
		return fmt.Sprintf("decode packet: %s: %v", err.Op, err.Err)
	}
	return fmt.Sprintf("decode %s packet: %s: %v", err.Type, err.Op, err.Err)
}

func (err *DecodeError) Unwrap() error {
	return err.Err
}

// Encode serializes a packet.
func Encode(p Packet) ([]byte, error) {
	w := &fieldWriter{}
	w.int32(int32(p.Type()))
	p.encode(w)
	w.int32(int32(PayloadDone))
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

type fieldWriter struct {
	buf bytes.Buffer
	err error
}

func (w *fieldWriter) int32(v int32) {
	var b [4]byte
	byteOrder.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
}

func (w *fieldWriter) lengthPrefixed(t PayloadType, b []byte) {
	if len(b) > MaxFieldLength {
		if w.err == nil {
			w.err = fmt.Errorf("%s field too long: %d bytes", t, len(b))
		}
		return
	}
	w.int32(int32(t))
	w.int32(int32(len(b)))
	w.buf.Write(b)
}

func (w *fieldWriter) str(s string) {
	w.lengthPrefixed(PayloadString, []byte(s))
}

func (w *fieldWriter) bits(b []byte) {
	w.lengthPrefixed(PayloadBits, b)
}

func (w *fieldWriter) int64(v int64) {
	w.int32(int32(PayloadInt64))
	var b [8]byte
	byteOrder.PutUint64(b[:], uint64(v))
	w.buf.Write(b[:])
}

func (w *fieldWriter) hash(h Hash) {
	w.int32(int32(PayloadHash))
	w.buf.Write(h[:])
}

// Decoder reads packets from a byte stream.
type Decoder struct {
	r io.Reader
}

// NewDecoder returns a Decoder reading from r. The decoder buffers its
// input, so r shouldn't be read by anything else afterwards.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next packet. It returns io.EOF if the stream ended cleanly
// between packets, and a *DecodeError for anything else that went wrong.
func (d *Decoder) Decode() (Packet, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &DecodeError{Type: -1, Op: "read packet type", Err: err}
	}

	t := PacketType(int32(byteOrder.Uint32(hdr[:])))
	r := &fieldReader{r: d.r, packetType: t}
	p := decodeFields(t, r)
	if p == nil && r.err == nil {
		return nil, &DecodeError{Type: t, Op: "read packet type",
			Err: fmt.Errorf("unknown packet type %d", int32(t))}
	}
	r.done()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// decodeFields reads the fields of a packet of type t. Go evaluates the
// function calls in a composite literal left to right, so the fields are
// read in declaration order.
func decodeFields(t PacketType, r *fieldReader) Packet {
	switch t {
	case TypeOpenPath:
		return OpenPath{Path: r.str()}
	case TypeClosePath:
		return ClosePath{Path: r.str()}
	case TypeCompletePath:
		return CompletePath{Path: r.str()}
	case TypeLoadPreview:
		return LoadPreview{Path: r.str(), ID: r.int64()}
	case TypeAckBlock:
		return AckBlock{Path: r.str(), Offset: r.int64(), Length: r.int64(),
			KnownSize: r.int64()}
	case TypeNeedBlock:
		return NeedBlock{Path: r.str()}
	case TypeError:
		return Error{Path: r.str(), Message: r.str()}
	case TypeOfferBlock:
		return OfferBlock{RootPath: r.str(), Path: r.str(), MTime: r.int64(),
			Offset: r.int64(), Length: r.int64(), Hash: r.hash()}
	case TypeTailBlock:
		return TailBlock{RootPath: r.str(), Path: r.str(), MTime: r.int64(),
			Offset: r.int64(), Bits: r.bits()}
	case TypeLinkBlock:
		return LinkBlock{RootPath: r.str(), Path: r.str(), Target: r.str()}
	case TypeSynced:
		return Synced{RootPath: r.str(), Path: r.str()}
	case TypePreviewData:
		return PreviewData{ID: r.int64(), Path: r.str(), Bits: r.bits()}
	case TypePreviewError:
		return PreviewError{ID: r.int64(), Path: r.str(), Message: r.str()}
	case TypePossiblePath:
		return PossiblePath{Path: r.str()}
	case TypeAnnounce:
		return Announce{SystemInfo: r.str()}
	}
	return nil
}

// fieldReader reads typed fields. The first error is sticky: once set, every
// later read is a no-op that returns the zero value.
type fieldReader struct {
	r          io.Reader
	packetType PacketType
	err        error
}

func (r *fieldReader) fail(op string, err error) {
	if r.err == nil {
		r.err = &DecodeError{Type: r.packetType, Op: op, Err: err}
	}
}

func (r *fieldReader) read(op string, b []byte) bool {
	if r.err != nil {
		return false
	}
	if _, err := io.ReadFull(r.r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		r.fail(op, err)
		return false
	}
	return true
}

func (r *fieldReader) int32(op string) int32 {
	var b [4]byte
	if !r.read(op, b[:]) {
		return 0
	}
	return int32(byteOrder.Uint32(b[:]))
}

func (r *fieldReader) expect(exp PayloadType) bool {
	actual := PayloadType(r.int32("read payload type"))
	if r.err != nil {
		return false
	}
	if actual != exp {
		r.fail("read payload type",
			fmt.Errorf("payload-type mismatch, got: %s; expected: %s", actual, exp))
		return false
	}
	return true
}

func (r *fieldReader) lengthPrefixed(t PayloadType) []byte {
	if !r.expect(t) {
		return nil
	}
	length := r.int32("read payload length")
	if r.err != nil {
		return nil
	}
	if length < 0 || length > MaxFieldLength {
		r.fail("read payload length", fmt.Errorf("invalid %s length %d", t, length))
		return nil
	}
	b := make([]byte, length)
	if !r.read("read payload content", b) {
		return nil
	}
	return b
}

// str reads a STRING field. Strings from the peer must be valid UTF-8.
// Strings the engine sends carry paths as the filesystem returned them, so
// they are decoded as raw bytes.
func (r *fieldReader) str() string {
	b := r.lengthPrefixed(PayloadString)
	if r.err == nil && IsInbound(r.packetType) && !utf8.Valid(b) {
		r.fail("read payload content", fmt.Errorf("invalid UTF-8 in %s", PayloadString))
		return ""
	}
	return string(b)
}

func (r *fieldReader) bits() []byte {
	return r.lengthPrefixed(PayloadBits)
}

func (r *fieldReader) int64() int64 {
	if !r.expect(PayloadInt64) {
		return 0
	}
	var b [8]byte
	if !r.read("read payload content", b[:]) {
		return 0
	}
	return int64(byteOrder.Uint64(b[:]))
}

func (r *fieldReader) hash() (h Hash) {
	if !r.expect(PayloadHash) {
		return h
	}
	r.read("read payload content", h[:])
	return h
}

func (r *fieldReader) done() {
	r.expect(PayloadDone)
}

func (p OpenPath) encode(w *fieldWriter)     { w.str(p.Path) }
func (p ClosePath) encode(w *fieldWriter)    { w.str(p.Path) }
func (p CompletePath) encode(w *fieldWriter) { w.str(p.Path) }
func (p NeedBlock) encode(w *fieldWriter)    { w.str(p.Path) }
func (p PossiblePath) encode(w *fieldWriter) { w.str(p.Path) }
func (p Announce) encode(w *fieldWriter)     { w.str(p.SystemInfo) }

func (p LoadPreview) encode(w *fieldWriter) {
	w.str(p.Path)
	w.int64(p.ID)
}

func (p AckBlock) encode(w *fieldWriter) {
	w.str(p.Path)
	w.int64(p.Offset)
	w.int64(p.Length)
	w.int64(p.KnownSize)
}

func (p Error) encode(w *fieldWriter) {
	w.str(p.Path)
	w.str(p.Message)
}

func (p OfferBlock) encode(w *fieldWriter) {
	w.str(p.RootPath)
	w.str(p.Path)
	w.int64(p.MTime)
	w.int64(p.Offset)
	w.int64(p.Length)
	w.hash(p.Hash)
}

func (p TailBlock) encode(w *fieldWriter) {
	w.str(p.RootPath)
	w.str(p.Path)
	w.int64(p.MTime)
	w.int64(p.Offset)
	w.bits(p.Bits)
}

func (p LinkBlock) encode(w *fieldWriter) {
	w.str(p.RootPath)
	w.str(p.Path)
	w.str(p.Target)
}

func (p Synced) encode(w *fieldWriter) {
	w.str(p.RootPath)
	w.str(p.Path)
}

func (p PreviewData) encode(w *fieldWriter) {
	w.int64(p.ID)
	w.str(p.Path)
	w.bits(p.Bits)
}

func (p PreviewError) encode(w *fieldWriter) {
	w.int64(p.ID)
	w.str(p.Path)
	w.str(p.Message)
}
