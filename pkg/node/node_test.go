package node

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esa/nmf-mission-ops-sat-sub001/internal/testhelpers"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/canbus"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/cfp"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/gateway"
)

func loopbackConfig(id, dst cfp.Node) *Config {
	c := DefaultConfig()
	c.Node.ID = id
	c.Node.DefaultDestination = dst
	c.Bus.Type = BusLoopback
	c.Gateway.Address = ""
	return c
}

func startNode(t *testing.T, n *Node) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- n.Start(ctx) }()
	return func() {
		cancel()
		require.NoError(t, testhelpers.WithinTimeout(errCh))
		require.NoError(t, n.Close())
	}
}

func nextPayload(t *testing.T, ch <-chan gateway.Payload) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p.Payload
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for payload")
		return nil
	}
}

func TestNodesExchangePayloads(t *testing.T) {
	bus := canbus.NewLoopbackBus()
	bus.Echo = true
	defer func() { require.NoError(t, bus.Close()) }()

	sepp, err := newNode(loopbackConfig(cfp.NodeSEPP, cfp.NodeCCSDS), nil, bus.Open())
	require.NoError(t, err)
	ccsds, err := newNode(loopbackConfig(cfp.NodeCCSDS, cfp.NodeSEPP), nil, bus.Open())
	require.NoError(t, err)
	defer startNode(t, sepp)()
	defer startNode(t, ccsds)()

	_, toCCSDS := ccsds.Hub().Subscribe()
	_, toSEPP := sepp.Hub().Subscribe()

	payload := bytes.Repeat([]byte("cfp!"), 50)
	_, err = sepp.Send(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, payload, nextPayload(t, toCCSDS))

	_, err = ccsds.Send(context.Background(), []byte("ack"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ack"), nextPayload(t, toSEPP))

	// the sender never delivers its own echoed frames
	select {
	case p := <-toSEPP:
		t.Fatalf("unexpected payload %q", p.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNodeGateway(t *testing.T) {
	dir, err := ioutil.TempDir("", "cfp_node")
	require.NoError(t, err)
	defer func() { require.NoError(t, os.RemoveAll(dir)) }()

	bus := canbus.NewLoopbackBus()
	defer func() { require.NoError(t, bus.Close()) }()

	conf := loopbackConfig(cfp.NodeNanomind, cfp.NodeNanocom)
	conf.Gateway.Address = "127.0.0.1:0"
	conf.Retransmission.Store.Type = StoreBoltDB
	conf.Retransmission.Store.Location = filepath.Join(dir, "retransmission.db")
	nanomind, err := newNode(conf, nil, bus.Open())
	require.NoError(t, err)
	nanocom, err := newNode(loopbackConfig(cfp.NodeNanocom, cfp.NodeNanomind), nil, bus.Open())
	require.NoError(t, err)
	defer startNode(t, nanomind)()
	defer startNode(t, nanocom)()

	_, received := nanocom.Hub().Subscribe()

	url := "http://" + nanomind.GatewayAddr().String()
	body, err := json.Marshal(gateway.SendRequest{Payload: []byte("over http")})
	require.NoError(t, err)
	resp, err := http.Post(url+"/api/send", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []byte("over http"), nextPayload(t, received))
	assert.Equal(t, 1, nanomind.Engine().Stats().Stored)

	resp, err = http.Get(url + "/metrics")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewNodeLoopback(t *testing.T) {
	n, err := NewNode(loopbackConfig(cfp.NodeSEPP, cfp.NodeCCSDS), nil)
	require.NoError(t, err)
	assert.Nil(t, n.GatewayAddr())
	testhelpers.NoErrorN(t, n.Close(), n.Close())

	conf := loopbackConfig(cfp.NodeSEPP, cfp.NodeCCSDS)
	conf.Bus.Type = "carrier-pigeon"
	_, err = NewNode(conf, nil)
	assert.Error(t, err)
}
