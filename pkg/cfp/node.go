package cfp

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Node is one of the 8 logical sources addressable in the 3-bit src field.
// ABORT, WAIT and RESUME are pseudo-sources used for flow-control
// signalling only; they never carry data.
type Node uint8

// Logical nodes.
const (
	NodeAbort    = Node(0)
	NodeNanomind = Node(1)
	NodeNanodock = Node(2)
	NodeWait     = Node(3)
	NodeResume   = Node(4)
	NodeCCSDS    = Node(5)
	NodeSEPP     = Node(6)
	NodeNanocom  = Node(7)
)

var nodeNames = [...]string{
	NodeAbort:    "ABORT",
	NodeNanomind: "NANOMIND",
	NodeNanodock: "NANODOCK",
	NodeWait:     "WAIT",
	NodeResume:   "RESUME",
	NodeCCSDS:    "CCSDS",
	NodeSEPP:     "SEPP",
	NodeNanocom:  "NANOCOM",
}

// destination bitmask per node; pseudo-sources are never addressed.
var nodeMasks = [...]uint8{
	NodeAbort:    0x00,
	NodeNanomind: 0x01,
	NodeNanodock: 0x02,
	NodeWait:     0x00,
	NodeResume:   0x00,
	NodeCCSDS:    0x10,
	NodeSEPP:     0x20,
	NodeNanocom:  0x04,
}

// ErrUnknownNode is returned when parsing an unrecognised node name.
var ErrUnknownNode = errors.New("unknown node")

// DestinationMask returns the 6-bit destination bitmask for the node.
func (n Node) DestinationMask() uint8 {
	if int(n) >= len(nodeMasks) {
		return 0
	}
	return nodeMasks[n]
}

// IsPseudo reports whether the node is a flow-control pseudo-source.
func (n Node) IsPseudo() bool {
	return n == NodeAbort || n == NodeWait || n == NodeResume
}

// Destination returns the dst field value for the node with a virtual channel added.
func (n Node) Destination(channel uint8) uint8 {
	return n.DestinationMask() + channel
}

func (n Node) String() string {
	if int(n) >= len(nodeNames) {
		return fmt.Sprintf("UNKNOWN:%d", n)
	}
	return nodeNames[n]
}

// MarshalText implements encoding.TextMarshaler.
func (n Node) MarshalText() ([]byte, error) {
	if int(n) >= len(nodeNames) {
		return nil, errors.Wrapf(ErrUnknownNode, "node %d", n)
	}
	return []byte(nodeNames[n]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Node) UnmarshalText(text []byte) error {
	v, err := ParseNode(string(text))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// ParseNode parses a node by name (case-insensitive).
func ParseNode(s string) (Node, error) {
	for i, name := range nodeNames {
		if strings.EqualFold(name, s) {
			return Node(i), nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownNode, "%q", s)
}
