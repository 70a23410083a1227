package cfp

import (
	"fmt"
)

// Field widths of the 29-bit CFP identifier, packed LSB first as
// transactionId | remain | type | dst | src.
const (
	tidBits    = 13
	remainBits = 5
	typeBits   = 2
	dstBits    = 6
	srcBits    = 3

	offsetRemain = tidBits
	offsetType   = offsetRemain + remainBits
	offsetDst    = offsetType + typeBits
	offsetSrc    = offsetDst + dstBits

	tidMask    = 1<<tidBits - 1
	remainMask = 1<<remainBits - 1
	typeMask   = 1<<typeBits - 1
	dstMask    = 1<<dstBits - 1
	srcMask    = 1<<srcBits - 1

	// IdentifierMask covers every bit a CFP identifier may occupy.
	IdentifierMask = 1<<(offsetSrc+srcBits) - 1
)

// TransactionIDMod is the modulus transaction ids wrap at.
const TransactionIDMod = 1 << tidBits

// TransactionID groups all fragments of one logical message.
type TransactionID uint16

// Next returns the id following t, wrapping at TransactionIDMod.
func (t TransactionID) Next() TransactionID { return (t + 1) & tidMask }

// FrameType is the 2-bit fragment kind.
type FrameType uint8

// Frame types.
const (
	RetransmitRequestType = FrameType(0)
	StartType             = FrameType(1)
	EndType               = FrameType(2)
	ContinueType          = FrameType(3)
)

func (ft FrameType) String() string {
	var names = []string{
		RetransmitRequestType: "RETRANSMIT_REQUEST",
		StartType:             "START",
		EndType:               "END",
		ContinueType:          "CONTINUE",
	}
	if int(ft) >= len(names) {
		return fmt.Sprintf("UNKNOWN:%d", ft)
	}
	return names[ft]
}

// Identifier is a packed 29-bit CFP CAN identifier.
type Identifier uint32

// Fields is the unpacked form of an Identifier.
type Fields struct {
	Src           uint8
	Dst           uint8
	Type          FrameType
	Remain        uint8
	TransactionID TransactionID
}

// Encode packs the given fields. Values wider than their field are
// truncated to the field width.
func Encode(src, dst uint8, ft FrameType, remain uint8, tid TransactionID) Identifier {
	id := uint32(tid) & tidMask
	id |= (uint32(remain) & remainMask) << offsetRemain
	id |= (uint32(ft) & typeMask) << offsetType
	id |= (uint32(dst) & dstMask) << offsetDst
	id |= (uint32(src) & srcMask) << offsetSrc
	return Identifier(id)
}

// Encode packs f.
func (f Fields) Encode() Identifier {
	return Encode(f.Src, f.Dst, f.Type, f.Remain, f.TransactionID)
}

// Decode unpacks an identifier. Bits above the 29-bit range are ignored.
func Decode(id uint32) Fields {
	return Identifier(id).Fields()
}

// Src returns the 3-bit source node id.
func (id Identifier) Src() uint8 { return uint8(uint32(id)>>offsetSrc) & srcMask }

// Dst returns the 6-bit destination bitmask (including any virtual channel offset).
func (id Identifier) Dst() uint8 { return uint8(uint32(id)>>offsetDst) & dstMask }

// Type returns the fragment kind.
func (id Identifier) Type() FrameType { return FrameType(uint32(id)>>offsetType) & typeMask }

// Remain returns the number of fragments following this one.
func (id Identifier) Remain() uint8 { return uint8(uint32(id)>>offsetRemain) & remainMask }

// TransactionID returns the 13-bit transaction id.
func (id Identifier) TransactionID() TransactionID { return TransactionID(id) & tidMask }

// IsStart reports whether the fragment opens a message.
func (id Identifier) IsStart() bool { return id.Type() == StartType }

// IsEnd reports whether the fragment closes a message.
func (id Identifier) IsEnd() bool { return id.Type() == EndType }

// IsRetransmissionRequest reports whether the frame asks for a resend.
func (id Identifier) IsRetransmissionRequest() bool { return id.Type() == RetransmitRequestType }

// Fields splits the identifier into its fields.
func (id Identifier) Fields() Fields {
	return Fields{
		Src:           id.Src(),
		Dst:           id.Dst(),
		Type:          id.Type(),
		Remain:        id.Remain(),
		TransactionID: id.TransactionID(),
	}
}

// String implements fmt.Stringer
func (id Identifier) String() string {
	return fmt.Sprintf("<src:%s><dst:%d><type:%s><remain:%d><tid:%d>",
		Node(id.Src()), id.Dst(), id.Type(), id.Remain(), id.TransactionID())
}
