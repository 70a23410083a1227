package cfp

import (
	"github.com/pkg/errors"

	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/canbus"
)

const (
	// MTU is the largest payload a single transaction carries.
	MTU = 256
	// FragmentSize is the data size of one CAN frame.
	FragmentSize = canbus.MaxDataLen
	// MaxFragments is the number of fragments an MTU sized payload needs.
	MaxFragments = MTU / FragmentSize
)

// fragmentType classifies chunk i of n. A single chunk is START only.
func fragmentType(i, n int) FrameType {
	switch {
	case i == 0:
		return StartType
	case i == n-1:
		return EndType
	default:
		return ContinueType
	}
}

// Fragment splits payload into CAN frames from src to dst. Chunk i is
// tagged with remain = n-i-1. An empty payload yields one empty START
// frame.
func Fragment(src Node, dst uint8, tid TransactionID, payload []byte) ([]canbus.Frame, error) {
	if len(payload) > MTU {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d > %d bytes", len(payload), MTU)
	}
	n := (len(payload) + FragmentSize - 1) / FragmentSize
	if n == 0 {
		n = 1
	}
	frames := make([]canbus.Frame, 0, n)
	for i := 0; i < n; i++ {
		lo := i * FragmentSize
		hi := lo + FragmentSize
		if hi > len(payload) {
			hi = len(payload)
		}
		id := Encode(uint8(src), dst, fragmentType(i, n), uint8(n-i-1), tid)
		f, err := canbus.NewFrame(uint32(id), payload[lo:hi])
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// RetransmitRequestFrame asks src's peer dst to resend transaction tid.
// remain is always 0: the whole message is requested.
func RetransmitRequestFrame(src Node, dst uint8, tid TransactionID) canbus.Frame {
	return canbus.Frame{
		ID:       uint32(Encode(uint8(src), dst, RetransmitRequestType, 0, tid)),
		Extended: true,
	}
}

// FlowControlFrame builds an empty frame from one of the WAIT, RESUME or
// ABORT pseudo-sources addressed to dst.
func FlowControlFrame(signal Node, dst uint8) (canbus.Frame, error) {
	if !signal.IsPseudo() {
		return canbus.Frame{}, errors.Errorf("node %s is not a flow control signal", signal)
	}
	return canbus.Frame{
		ID:       uint32(Encode(uint8(signal), dst, StartType, 0, 0)),
		Extended: true,
	}, nil
}
