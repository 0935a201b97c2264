// Package protocol implements the tailer wire format.
//
// Every packet is a packet type followed by a list of typed fields and a
// DONE sentinel:
//
//	[packet type: int32] ([payload type: int32] [content])* [DONE: int32]
//
// STRING and BITS content is an int32 length followed by that many bytes,
// INT64 content is eight bytes, and HASH content is a 32 byte SHA-256 digest.
// All integers are little-endian.
//
// The field layout of each packet type is fixed, so a decoder that sees an
// unexpected payload type has lost its place in the stream. Decoding errors are
// therefore fatal for the whole session.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// PacketType identifies the kind of a packet.
type PacketType int32

// The packet type values are shared with existing peers and must not change.
const (
	TypeError        PacketType = 0
	TypeOpenPath     PacketType = 1
	TypeClosePath    PacketType = 2
	TypeOfferBlock   PacketType = 3
	TypeNeedBlock    PacketType = 4
	TypeAckBlock     PacketType = 5
	TypeTailBlock    PacketType = 6
	TypeLinkBlock    PacketType = 7
	TypeSynced       PacketType = 8
	TypeLog          PacketType = 9 // Reserved. Never sent, rejected when received.
	TypeLoadPreview  PacketType = 10
	TypePreviewError PacketType = 11
	TypePreviewData  PacketType = 12
	TypeCompletePath PacketType = 13
	TypePossiblePath PacketType = 14
	TypeAnnounce     PacketType = 15
)

var packetTypeNames = map[PacketType]string{
	TypeError:        "ERROR",
	TypeOpenPath:     "OPEN_PATH",
	TypeClosePath:    "CLOSE_PATH",
	TypeOfferBlock:   "OFFER_BLOCK",
	TypeNeedBlock:    "NEED_BLOCK",
	TypeAckBlock:     "ACK_BLOCK",
	TypeTailBlock:    "TAIL_BLOCK",
	TypeLinkBlock:    "LINK_BLOCK",
	TypeSynced:       "SYNCED",
	TypeLog:          "LOG",
	TypeLoadPreview:  "LOAD_PREVIEW",
	TypePreviewError: "PREVIEW_ERROR",
	TypePreviewData:  "PREVIEW_DATA",
	TypeCompletePath: "COMPLETE_PATH",
	TypePossiblePath: "POSSIBLE_PATH",
	TypeAnnounce:     "ANNOUNCE",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PacketType(%d)", int32(t))
}

// PayloadType identifies the encoding of a single field.
type PayloadType int32

const (
	PayloadDone   PayloadType = 0
	PayloadString PayloadType = 1
	PayloadHash   PayloadType = 2
	PayloadInt64  PayloadType = 3
	PayloadBits   PayloadType = 4
)

func (t PayloadType) String() string {
	switch t {
	case PayloadDone:
		return "DONE"
	case PayloadString:
		return "STRING"
	case PayloadHash:
		return "HASH"
	case PayloadInt64:
		return "INT64"
	case PayloadBits:
		return "BITS"
	}
	return fmt.Sprintf("PayloadType(%d)", int32(t))
}

// HashSize is the size of a content digest on the wire.
const HashSize = sha256.Size

// Hash is a SHA-256 content digest.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Packet is implemented by every packet struct in this package, and only by
// them.
type Packet interface {
	Type() PacketType

	encode(w *fieldWriter)
}

// OpenPath asks the engine to start monitoring Path.
type OpenPath struct {
	Path string
}

// ClosePath asks the engine to stop monitoring Path.
type ClosePath struct {
	Path string
}

// CompletePath asks for POSSIBLE_PATH suggestions for a partially typed path.
type CompletePath struct {
	Path string
}

// LoadPreview asks for a short, read-only peek at Path.
type LoadPreview struct {
	Path string
	ID   int64
}

// AckBlock tells the engine that the peer verified an offer. A zero Length
// accepts the current position as is.
type AckBlock struct {
	Path      string
	Offset    int64
	Length    int64
	KnownSize int64
}

// NeedBlock tells the engine to stream Path without further verification.
type NeedBlock struct {
	Path string
}

// Error reports a problem with a monitored path.
type Error struct {
	Path    string
	Message string
}

// OfferBlock proposes that the peer verify Hash against its copy of
// [Offset, Offset+Length) before the engine resumes from there.
type OfferBlock struct {
	RootPath string
	Path     string
	MTime    int64
	Offset   int64
	Length   int64
	Hash     Hash
}

// TailBlock carries raw file content starting at Offset.
type TailBlock struct {
	RootPath string
	Path     string
	MTime    int64
	Offset   int64
	Bits     []byte
}

// LinkBlock reports the target of a symbolic link.
type LinkBlock struct {
	RootPath string
	Path     string
	Target   string
}

// Synced reports that Path has no unsent content.
type Synced struct {
	RootPath string
	Path     string
}

// PreviewData answers a LoadPreview request.
type PreviewData struct {
	ID   int64
	Path string
	Bits []byte
}

// PreviewError answers a LoadPreview request that could not be served.
type PreviewError struct {
	ID      int64
	Path    string
	Message string
}

// PossiblePath answers a CompletePath request. One packet is sent per match.
type PossiblePath struct {
	Path string
}

// Announce identifies the system the engine runs on. It is the first packet
// of every session.
type Announce struct {
	SystemInfo string
}

func (OpenPath) Type() PacketType     { return TypeOpenPath }
func (ClosePath) Type() PacketType    { return TypeClosePath }
func (CompletePath) Type() PacketType { return TypeCompletePath }
func (LoadPreview) Type() PacketType  { return TypeLoadPreview }
func (AckBlock) Type() PacketType     { return TypeAckBlock }
func (NeedBlock) Type() PacketType    { return TypeNeedBlock }
func (Error) Type() PacketType        { return TypeError }
func (OfferBlock) Type() PacketType   { return TypeOfferBlock }
func (TailBlock) Type() PacketType    { return TypeTailBlock }
func (LinkBlock) Type() PacketType    { return TypeLinkBlock }
func (Synced) Type() PacketType       { return TypeSynced }
func (PreviewData) Type() PacketType  { return TypePreviewData }
func (PreviewError) Type() PacketType { return TypePreviewError }
func (PossiblePath) Type() PacketType { return TypePossiblePath }
func (Announce) Type() PacketType     { return TypeAnnounce }

// IsInbound reports whether packets of type t are sent by the peer to the
// engine.
func IsInbound(t PacketType) bool {
	switch t {
	case TypeOpenPath, TypeClosePath, TypeCompletePath, TypeLoadPreview,
		TypeAckBlock, TypeNeedBlock:
		return true
	}
	return false
}
