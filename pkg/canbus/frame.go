// Package canbus implements the raw CAN frame transports CFP runs over.
package canbus

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Identifier limits.
const (
	MaxStdID = 0x7FF
	MaxExtID = 0x1FFFFFFF
	// MaxDataLen is the classical CAN payload size.
	MaxDataLen = 8

	frameSize = 16 // struct can_frame
)

// SocketCAN can_id flags.
const (
	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canEffMask = 0x1FFFFFFF
	canStdMask = 0x7FF
)

// Frame validation errors.
var (
	ErrInvalidID  = errors.New("canbus: invalid identifier")
	ErrInvalidLen = errors.New("canbus: invalid data length")
)

// Frame is a classical CAN 2.0A/2.0B frame.
type Frame struct {
	ID       uint32 // 11-bit (std) or 29-bit (ext)
	Extended bool
	RTR      bool
	Len      uint8 // 0..8
	Data     [MaxDataLen]byte
}

// NewFrame builds an extended frame carrying data.
func NewFrame(id uint32, data []byte) (Frame, error) {
	if len(data) > MaxDataLen {
		return Frame{}, errors.Wrapf(ErrInvalidLen, "%d bytes", len(data))
	}
	f := Frame{ID: id, Extended: true, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f, f.Validate()
}

// Payload returns the valid data bytes.
func (f Frame) Payload() []byte { return f.Data[:f.Len] }

// Validate returns an error if the frame is not valid.
func (f Frame) Validate() error {
	if f.Len > MaxDataLen {
		return ErrInvalidLen
	}
	if f.Extended && f.ID > MaxExtID || !f.Extended && f.ID > MaxStdID {
		return ErrInvalidID
	}
	return nil
}

// MarshalBinary encodes the frame in the Linux SocketCAN can_frame layout.
//
// Layout (little-endian):
//   0..3  can_id (with EFF/RTR flags)
//   4     can_dlc
//   5..7  padding
//   8..15 data
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= canEffFlag
	}
	if f.RTR {
		id |= canRtrFlag
	}
	buf := make([]byte, frameSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the SocketCAN can_frame layout.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < frameSize {
		return fmt.Errorf("canbus: need %d bytes, got %d", frameSize, len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	f.Extended = id&canEffFlag != 0
	f.RTR = id&canRtrFlag != 0
	if f.Extended {
		f.ID = id & canEffMask
	} else {
		f.ID = id & canStdMask
	}
	f.Len = data[4]
	copy(f.Data[:], data[8:16])
	return f.Validate()
}

// String renders the frame as candump does, e.g. "1ABCDEFF [2] DE AD".
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	fmt.Fprintf(&b, " [%d]", f.Len)
	if f.RTR {
		b.WriteString(" RTR")
		return b.String()
	}
	for _, v := range f.Payload() {
		fmt.Fprintf(&b, " %02X", v)
	}
	return b.String()
}
