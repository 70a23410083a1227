package cfp

import (
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/canbus"
)

func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 1)
	}
	return p
}

func reassemble(t *testing.T, frames []canbus.Frame) *Transaction {
	t.Helper()
	first := Identifier(frames[0].ID)
	tr := NewTransaction(first.TransactionID(), Node(first.Src()), time.Now(), nil)
	for _, f := range frames {
		require.NoError(t, tr.AddFrame(f))
	}
	return tr
}

func TestFragmentTypes(t *testing.T) {
	cases := []struct {
		size   int
		types  []FrameType
		remain []uint8
	}{
		{1, []FrameType{StartType}, []uint8{0}},
		{8, []FrameType{StartType}, []uint8{0}},
		{9, []FrameType{StartType, EndType}, []uint8{1, 0}},
		{20, []FrameType{StartType, ContinueType, EndType}, []uint8{2, 1, 0}},
	}
	for _, tc := range cases {
		frames, err := Fragment(NodeSEPP, NodeCCSDS.Destination(0), 42, testPayload(tc.size))
		require.NoError(t, err)
		require.Len(t, frames, len(tc.types))
		for i, f := range frames {
			id := Identifier(f.ID)
			assert.Equal(t, tc.types[i], id.Type(), "size %d chunk %d", tc.size, i)
			assert.Equal(t, tc.remain[i], id.Remain(), "size %d chunk %d", tc.size, i)
			assert.True(t, f.Extended)
		}
	}
}

func TestFragmentExample(t *testing.T) {
	frames, err := Fragment(NodeSEPP, NodeCCSDS.Destination(2), 7, testPayload(20))
	require.NoError(t, err)
	require.Len(t, frames, 3)

	var remains []uint8
	for _, f := range frames {
		id := Identifier(f.ID)
		remains = append(remains, id.Remain())
		assert.Equal(t, uint8(18), id.Dst())
		assert.Equal(t, uint8(NodeSEPP), id.Src())
	}
	assert.Equal(t, []uint8{2, 1, 0}, remains)
	assert.Equal(t, uint8(4), frames[2].Len)
}

func TestFragmentTooLarge(t *testing.T) {
	_, err := Fragment(NodeSEPP, 0x10, 1, make([]byte, MTU+1))
	require.True(t, errors.Is(err, ErrPayloadTooLarge))
	assert.True(t, IsValidationError(err))

	frames, err := Fragment(NodeSEPP, 0x10, 1, make([]byte, MTU))
	require.NoError(t, err)
	assert.Len(t, frames, MaxFragments)
}

func TestRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for size := 1; size <= MTU; size++ {
		payload := make([]byte, size)
		rnd.Read(payload)

		frames, err := Fragment(NodeNanomind, NodeSEPP.Destination(0), TransactionID(size), payload)
		require.NoError(t, err)
		rnd.Shuffle(len(frames), func(i, j int) { frames[i], frames[j] = frames[j], frames[i] })

		tr := reassemble(t, frames)
		require.True(t, tr.IsComplete(), "size %d", size)
		got, err := tr.Reconstruct()
		require.NoError(t, err)
		require.Equal(t, payload, got, "size %d", size)
	}
}

func TestReconstructBoundarySizes(t *testing.T) {
	for _, size := range []int{16, 10} {
		payload := testPayload(size)
		frames, err := Fragment(NodeSEPP, 0x10, 3, payload)
		require.NoError(t, err)
		require.Len(t, frames, 2)

		tr := reassemble(t, frames)
		got, err := tr.Reconstruct()
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		assert.Len(t, got, (2-1)*FragmentSize+int(frames[1].Len))
	}
}

func TestTransactionIncomplete(t *testing.T) {
	frames, err := Fragment(NodeSEPP, 0x10, 9, testPayload(24))
	require.NoError(t, err)

	tr := NewTransaction(9, NodeSEPP, time.Now(), nil)
	require.NoError(t, tr.AddFrame(frames[0]))
	require.NoError(t, tr.AddFrame(frames[2]))
	assert.False(t, tr.IsComplete())

	_, err = tr.Reconstruct()
	assert.True(t, errors.Is(err, ErrIncompleteTransaction))

	require.NoError(t, tr.AddFrame(frames[1]))
	assert.True(t, tr.IsComplete())
}

func TestTransactionEndBeforeStart(t *testing.T) {
	frames, err := Fragment(NodeSEPP, 0x10, 9, testPayload(12))
	require.NoError(t, err)

	tr := NewTransaction(9, NodeSEPP, time.Now(), nil)
	require.NoError(t, tr.AddFrame(frames[1]))
	assert.False(t, tr.IsComplete())
	require.NoError(t, tr.AddFrame(frames[0]))
	assert.True(t, tr.IsComplete())
}

func TestTransactionMismatch(t *testing.T) {
	frames, err := Fragment(NodeSEPP, 0x10, 10, testPayload(4))
	require.NoError(t, err)

	tr := NewTransaction(11, NodeSEPP, time.Now(), nil)
	err = tr.AddFrame(frames[0])
	require.True(t, errors.Is(err, ErrTransactionIDMismatch))
	assert.False(t, tr.IsComplete())
}

func TestTransactionDuplicateOverwrites(t *testing.T) {
	frames, err := Fragment(NodeSEPP, 0x10, 5, testPayload(16))
	require.NoError(t, err)

	tr := reassemble(t, append(frames, frames[1]))
	got, err := tr.Reconstruct()
	require.NoError(t, err)
	assert.Equal(t, testPayload(16), got)
}

func TestFlowControlFrame(t *testing.T) {
	f, err := FlowControlFrame(NodeWait, 0x20)
	require.NoError(t, err)
	id := Identifier(f.ID)
	assert.Equal(t, uint8(NodeWait), id.Src())
	assert.False(t, id.IsRetransmissionRequest())
	assert.Zero(t, f.Len)

	_, err = FlowControlFrame(NodeSEPP, 0x20)
	assert.Error(t, err)
}
