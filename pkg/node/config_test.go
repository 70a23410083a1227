package node

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/canbus"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/cfp"
)

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			logging.MustGetLogger("node_test").Fatal(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.SetLevel(logrus.TraceLevel)
		logging.Disable()
	}

	os.Exit(m.Run())
}

func TestReadConfig(t *testing.T) {
	raw := `{
		"node": {"id": "nanomind", "default_destination": "SEPP", "virtual_channel": 3},
		"bus": {"type": "loopback"},
		"pacer": {"batch_size": 4, "interval": "5ms"},
		"retransmission": {"store": {"type": "boltdb", "location": "/tmp/cfp.db"}},
		"rate_interval": 2000000000
	}`
	conf, err := ReadConfig(strings.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, cfp.NodeNanomind, conf.Node.ID)
	assert.Equal(t, cfp.NodeSEPP, conf.Node.DefaultDestination)
	assert.Equal(t, uint8(3), conf.Node.VirtualChannel)
	assert.Equal(t, BusLoopback, conf.Bus.Type)
	assert.Equal(t, cfp.PacerConfig{QueueSize: cfp.DefaultPacerQueueSize, BatchSize: 4, Interval: 5 * time.Millisecond}, conf.PacerConfig())
	assert.Equal(t, StoreBoltDB, conf.Retransmission.Store.Type)
	assert.Equal(t, Duration(2*time.Second), conf.RateInterval)
	assert.Equal(t, Duration(cfp.DefaultDedupWindow), conf.DedupWindow)
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"pseudo node", func(c *Config) { c.Node.ID = cfp.NodeResume }},
		{"pseudo destination", func(c *Config) { c.Node.DefaultDestination = cfp.NodeAbort }},
		{"unknown bus", func(c *Config) { c.Bus.Type = "serial" }},
		{"socketcand without host", func(c *Config) { c.Bus.Host = "" }},
		{"socketcan without name", func(c *Config) { c.Bus.Type = BusSocketCAN; c.Bus.Name = "" }},
		{"unknown store", func(c *Config) { c.Retransmission.Store.Type = "redis" }},
		{"boltdb without location", func(c *Config) { c.Retransmission.Store.Type = StoreBoltDB }},
		{"zero queue", func(c *Config) { c.Pacer.QueueSize = 0 }},
		{"zero dedup window", func(c *Config) { c.DedupWindow = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	require.NoError(t, DefaultConfig().Validate())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.modify(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestReadConfigErrors(t *testing.T) {
	_, err := ReadConfig(strings.NewReader(`{"node": {"id": "pluto"}}`))
	assert.Error(t, err)
	_, err = ReadConfig(strings.NewReader(`{"dedup_window": true}`))
	assert.Error(t, err)
	_, err = ReadConfig(strings.NewReader(`{"dedup_window": "soon"}`))
	assert.Error(t, err)
}

func TestConfigMarshal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(DefaultConfig()))
	assert.Contains(t, buf.String(), `"id":"SEPP"`)
	assert.Contains(t, buf.String(), `"rate_interval":"4s"`)

	conf, err := ReadConfig(&buf)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), conf)
}

func TestConfigDialBus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conf := DefaultConfig()
	conf.Bus.Type = BusLoopback
	bus, err := conf.DialBus(ctx)
	require.NoError(t, err)

	frame, err := canbus.NewFrame(0x42, []byte{1, 2})
	require.NoError(t, err)
	require.NoError(t, bus.Send(ctx, frame))
	got, err := bus.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
	require.NoError(t, bus.Close())

	conf.Bus.Type = "serial"
	_, err = conf.DialBus(ctx)
	assert.Error(t, err)
}
