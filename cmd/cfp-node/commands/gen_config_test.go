package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esa/nmf-mission-ops-sat-sub001/internal/pathutil"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/cfp"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/node"
)

func TestGenerateConfig(t *testing.T) {
	conf, err := generateConfig(pathutil.WorkingDirLoc, cfp.NodeNanomind)
	require.NoError(t, err)
	assert.Equal(t, cfp.NodeNanomind, conf.Node.ID)
	assert.Equal(t, node.StoreMemory, conf.Retransmission.Store.Type)

	conf, err = generateConfig(pathutil.LocalLoc, cfp.NodeCCSDS)
	require.NoError(t, err)
	assert.Equal(t, cfp.NodeSEPP, conf.Node.DefaultDestination)
	assert.Equal(t, node.StoreBoltDB, conf.Retransmission.Store.Type)
	assert.Equal(t, "/usr/local/cfp/retransmission.db", conf.Retransmission.Store.Location)

	_, err = generateConfig(pathutil.ConfigLocationType("ATTIC"), cfp.NodeSEPP)
	assert.Error(t, err)
	_, err = generateConfig(pathutil.WorkingDirLoc, cfp.NodeWait)
	assert.Error(t, err)
}

func TestNodeFlag(t *testing.T) {
	var n cfp.Node
	f := nodeFlag{&n}
	require.NoError(t, f.Set("nanocom"))
	assert.Equal(t, cfp.NodeNanocom, n)
	assert.Equal(t, n.String(), f.String())
	assert.Error(t, f.Set("pluto"))
	assert.Equal(t, "", nodeFlag{}.String())
}
