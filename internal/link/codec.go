package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Tempo-session datagrams: 8-byte magic, 1-byte kind, u32le payload length,
// payload. Integers little-endian, beats IEEE-754 doubles, UUIDs 16 raw bytes.
const magic = "_asdp_v1"

// Kind discriminates tempo-session messages.
type Kind byte

const (
	KindAlive    Kind = 1
	KindResponse Kind = 2
	KindByeBye   Kind = 3
)

const payloadLen = 16 + 16 + 8 + 8 + 1 + 8 + 16 + 8 + 8

var (
	ErrBadMagic    = errors.New("link: bad magic")
	ErrTruncated   = errors.New("link: truncated datagram")
	ErrUnknownKind = errors.New("link: unknown message kind")
)

// Packet is the decoded peer-state datagram. Times are microseconds in the
// sender's host-clock frame; receivers translate via the offset estimate.
type Packet struct {
	Kind      Kind
	PeerID    uuid.UUID
	SessionID uuid.UUID
	T0        int64
	BPM       float64
	IsPlaying bool
	AtBeat    float64
	AtPeer    uuid.UUID

	// TxHostTime is when the sender emitted this datagram. EchoHostTime is
	// zero except in Responses, where it carries the TxHostTime of the Alive
	// being answered so the original sender can measure round-trip time.
	TxHostTime   int64
	EchoHostTime int64
}

// Encode serializes p into the wire framing.
func Encode(p Packet) []byte {
	b := make([]byte, 0, 8+1+4+payloadLen)
	b = append(b, magic...)
	b = append(b, byte(p.Kind))
	b = binary.LittleEndian.AppendUint32(b, payloadLen)
	b = append(b, p.PeerID[:]...)
	b = append(b, p.SessionID[:]...)
	b = binary.LittleEndian.AppendUint64(b, uint64(p.T0))
	b = binary.LittleEndian.AppendUint64(b, math.Float64bits(p.BPM))
	if p.IsPlaying {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = binary.LittleEndian.AppendUint64(b, math.Float64bits(p.AtBeat))
	b = append(b, p.AtPeer[:]...)
	b = binary.LittleEndian.AppendUint64(b, uint64(p.TxHostTime))
	b = binary.LittleEndian.AppendUint64(b, uint64(p.EchoHostTime))
	return b
}

// Decode parses a datagram. Unknown kinds and short frames are rejected so a
// malformed sender cannot poison the peer table.
func Decode(b []byte) (Packet, error) {
	if len(b) < 8+1+4 {
		return Packet{}, ErrTruncated
	}
	if string(b[:8]) != magic {
		return Packet{}, ErrBadMagic
	}
	kind := Kind(b[8])
	switch kind {
	case KindAlive, KindResponse, KindByeBye:
	default:
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	n := binary.LittleEndian.Uint32(b[9:13])
	body := b[13:]
	if n != payloadLen || len(body) < payloadLen {
		return Packet{}, ErrTruncated
	}

	var p Packet
	p.Kind = kind
	copy(p.PeerID[:], body[0:16])
	copy(p.SessionID[:], body[16:32])
	p.T0 = int64(binary.LittleEndian.Uint64(body[32:40]))
	p.BPM = math.Float64frombits(binary.LittleEndian.Uint64(body[40:48]))
	p.IsPlaying = body[48] != 0
	p.AtBeat = math.Float64frombits(binary.LittleEndian.Uint64(body[49:57]))
	copy(p.AtPeer[:], body[57:73])
	p.TxHostTime = int64(binary.LittleEndian.Uint64(body[73:81]))
	p.EchoHostTime = int64(binary.LittleEndian.Uint64(body[81:89]))
	return p, nil
}
