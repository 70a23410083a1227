package node

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/canbus"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/cfp"
)

// Bus types.
const (
	BusSocketcand = "socketcand"
	BusSocketCAN  = "socketcan"
	BusLoopback   = "loopback"
)

// Retransmission store types.
const (
	StoreMemory = "memory"
	StoreBoltDB = "boltdb"
)

// Config defines configuration parameters for Node.
type Config struct {
	Version string `json:"version"`

	Node struct {
		ID                 cfp.Node `json:"id"`
		DefaultDestination cfp.Node `json:"default_destination"`
		VirtualChannel     uint8    `json:"virtual_channel"`
	} `json:"node"`

	Bus struct {
		Type string `json:"type"`
		Name string `json:"name"` // e.g. can0
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"bus"`

	Pacer struct {
		QueueSize int      `json:"queue_size"`
		BatchSize int      `json:"batch_size"`
		Interval  Duration `json:"interval"`
	} `json:"pacer"`

	Retransmission struct {
		Store struct {
			Type     string `json:"type"`
			Location string `json:"location"`
		} `json:"store"`
	} `json:"retransmission"`

	DedupWindow  Duration `json:"dedup_window"`
	RateInterval Duration `json:"rate_interval"`

	Gateway struct {
		Address string `json:"address"` // leave blank to disable the HTTP gateway
	} `json:"gateway"`

	LogLevel        string   `json:"log_level"`
	ShutdownTimeout Duration `json:"shutdown_timeout"` // time value, examples: 10s, 1m, etc
}

// DefaultConfig returns a config for a SEPP node talking to CCSDS through
// a local socketcand daemon.
func DefaultConfig() *Config {
	c := &Config{Version: "1.0"}
	c.Node.ID = cfp.NodeSEPP
	c.Node.DefaultDestination = cfp.NodeCCSDS
	c.Bus.Type = BusSocketcand
	c.Bus.Name = "can0"
	c.Bus.Host = "localhost"
	c.Bus.Port = canbus.DefaultSocketcandPort
	c.Pacer.QueueSize = cfp.DefaultPacerQueueSize
	c.Pacer.BatchSize = cfp.DefaultPacerBatchSize
	c.Retransmission.Store.Type = StoreMemory
	c.DedupWindow = Duration(cfp.DefaultDedupWindow)
	c.RateInterval = Duration(cfp.DefaultRateInterval)
	c.Gateway.Address = "localhost:8080"
	c.LogLevel = "info"
	c.ShutdownTimeout = Duration(10 * time.Second)
	return c
}

// ReadConfig decodes a Config from r on top of the defaults.
func ReadConfig(r io.Reader) (*Config, error) {
	conf := DefaultConfig()
	if err := json.NewDecoder(r).Decode(conf); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	return conf, conf.Validate()
}

// Validate checks the config for values the node cannot run with.
func (c *Config) Validate() error {
	if c.Node.ID.IsPseudo() {
		return errors.Errorf("node.id: %s is a flow control signal", c.Node.ID)
	}
	if c.Node.DefaultDestination.IsPseudo() {
		return errors.Errorf("node.default_destination: %s is a flow control signal", c.Node.DefaultDestination)
	}
	switch c.Bus.Type {
	case BusSocketcand:
		if c.Bus.Host == "" || c.Bus.Name == "" {
			return errors.New("bus: socketcand needs host and name")
		}
	case BusSocketCAN:
		if c.Bus.Name == "" {
			return errors.New("bus: socketcan needs name")
		}
	case BusLoopback:
	default:
		return errors.Errorf("bus.type: unknown type %q", c.Bus.Type)
	}
	switch c.Retransmission.Store.Type {
	case StoreMemory, "":
	case StoreBoltDB:
		if c.Retransmission.Store.Location == "" {
			return errors.New("retransmission.store: boltdb needs location")
		}
	default:
		return errors.Errorf("retransmission.store.type: unknown type %q", c.Retransmission.Store.Type)
	}
	if c.Pacer.QueueSize <= 0 || c.Pacer.BatchSize <= 0 {
		return errors.New("pacer: queue_size and batch_size must be positive")
	}
	if c.Pacer.Interval < 0 || c.DedupWindow <= 0 || c.RateInterval <= 0 {
		return errors.New("durations must be positive")
	}
	if _, err := logging.LevelFromString(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	return nil
}

// DialBus dials the configured bus. The loopback bus is for local testing:
// it echoes writes back and has no other peers.
func (c *Config) DialBus(ctx context.Context) (canbus.Bus, error) {
	switch c.Bus.Type {
	case BusSocketcand:
		return canbus.DialSocketcand(ctx, c.Bus.Host, c.Bus.Port, c.Bus.Name)
	case BusSocketCAN:
		return canbus.DialSocketCAN(c.Bus.Name)
	case BusLoopback:
		lb := canbus.NewLoopbackBus()
		lb.Echo = true
		return lb.Open(), nil
	default:
		return nil, errors.Errorf("unknown bus type %q", c.Bus.Type)
	}
}

// RetransmissionStore returns the configured cfp.RetransmissionStore.
func (c *Config) RetransmissionStore() (cfp.RetransmissionStore, error) {
	if c.Retransmission.Store.Type == StoreBoltDB {
		return cfp.BoltDBRetransmissionStore(c.Retransmission.Store.Location)
	}
	return cfp.NewRetransmissionStore(), nil
}

// PacerConfig returns the cfp.PacerConfig.
func (c *Config) PacerConfig() cfp.PacerConfig {
	return cfp.PacerConfig{
		QueueSize: c.Pacer.QueueSize,
		BatchSize: c.Pacer.BatchSize,
		Interval:  time.Duration(c.Pacer.Interval),
	}
}

// Duration wraps around time.Duration to allow parsing from and to JSON
type Duration time.Duration

// MarshalJSON implements json marshaling
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements unmarshal from json
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return errors.New("invalid duration")
	}
}
