package groups

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Group datagrams share the tempo channel's framing with their own magic:
// 8-byte magic, 1-byte kind, u32le payload length, payload.
const magic = "_grps_v1"

// Kind discriminates group messages.
type Kind byte

const (
	KindIntent Kind = 1
	KindAck    Kind = 2
)

// MaxNameLen bounds group names on the wire.
const MaxNameLen = 15

const payloadLen = 1 + MaxNameLen + 8 + 16 + 8

var (
	ErrBadMagic    = errors.New("groups: bad magic")
	ErrTruncated   = errors.New("groups: truncated datagram")
	ErrUnknownKind = errors.New("groups: unknown message kind")
	ErrNameTooLong = fmt.Errorf("groups: group name exceeds %d bytes", MaxNameLen)
)

// Announcement is a start-at-beat intent (or its ack) for one group.
type Announcement struct {
	Kind      Kind
	Group     string
	StartBeat float64
	Issuer    uuid.UUID
	// Deadline is the beat after which the announcement is void. Issuers set
	// it to StartBeat: an intent is dead once its start has passed.
	Deadline float64
}

// Encode serializes a into the wire framing. The group name is zero padded
// to its fixed field width.
func Encode(a Announcement) ([]byte, error) {
	if len(a.Group) > MaxNameLen {
		return nil, ErrNameTooLong
	}
	b := make([]byte, 0, 8+1+4+payloadLen)
	b = append(b, magic...)
	b = append(b, byte(a.Kind))
	b = binary.LittleEndian.AppendUint32(b, payloadLen)
	b = append(b, byte(len(a.Group)))
	var name [MaxNameLen]byte
	copy(name[:], a.Group)
	b = append(b, name[:]...)
	b = binary.LittleEndian.AppendUint64(b, math.Float64bits(a.StartBeat))
	b = append(b, a.Issuer[:]...)
	b = binary.LittleEndian.AppendUint64(b, math.Float64bits(a.Deadline))
	return b, nil
}

// Decode parses a group datagram.
func Decode(b []byte) (Announcement, error) {
	if len(b) < 8+1+4 {
		return Announcement{}, ErrTruncated
	}
	if string(b[:8]) != magic {
		return Announcement{}, ErrBadMagic
	}
	kind := Kind(b[8])
	if kind != KindIntent && kind != KindAck {
		return Announcement{}, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	n := binary.LittleEndian.Uint32(b[9:13])
	body := b[13:]
	if n != payloadLen || len(body) < payloadLen {
		return Announcement{}, ErrTruncated
	}
	nameLen := int(body[0])
	if nameLen > MaxNameLen {
		return Announcement{}, ErrNameTooLong
	}

	var a Announcement
	a.Kind = kind
	a.Group = string(body[1 : 1+nameLen])
	a.StartBeat = math.Float64frombits(binary.LittleEndian.Uint64(body[16:24]))
	copy(a.Issuer[:], body[24:40])
	a.Deadline = math.Float64frombits(binary.LittleEndian.Uint64(body[40:48]))
	return a, nil
}
