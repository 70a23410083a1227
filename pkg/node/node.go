// Package node runs a CFP node: a CAN bus connection, the protocol
// engine and, optionally, the HTTP gateway.
package node

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/esa/nmf-mission-ops-sat-sub001/internal/metrics"
	"github.com/esa/nmf-mission-ops-sat-sub001/internal/netutil"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/canbus"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/cfp"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/gateway"
)

// Version is the node version.
const Version = "0.1.0"

const (
	metricsNamespace = "cfp"
	dialTimeout      = 10 * time.Second
	dialBackoff      = 250 * time.Millisecond
)

var (
	promOnce     sync.Once
	promRecorder metrics.Recorder
)

// prometheusRecorder returns the process-wide Prometheus recorder.
func prometheusRecorder() metrics.Recorder {
	promOnce.Do(func() {
		promRecorder = metrics.NewPrometheus(metricsNamespace)
	})
	return promRecorder
}

// Node is a running CFP endpoint.
type Node struct {
	conf   *Config
	Logger *logging.MasterLogger
	logger *logging.Logger

	bus     canbus.Bus
	store   cfp.RetransmissionStore
	engine  *cfp.Engine
	hub     *gateway.Hub
	gateway *gateway.Gateway

	listener net.Listener
	srv      *http.Server

	wg   sync.WaitGroup
	once sync.Once
}

// NewNode constructs a Node from conf: it dials the bus, opens the
// retransmission store and starts the engine workers.
func NewNode(conf *Config, masterLogger *logging.MasterLogger) (*Node, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if masterLogger == nil {
		masterLogger = logging.NewMasterLogger()
	}

	// a socketcand daemon may come up after the node
	var bus canbus.Bus
	retrier := netutil.NewRetrier(dialBackoff, dialTimeout, 2, masterLogger.PackageLogger("dial")).
		WithErrWhitelist(canbus.ErrSocketcand, canbus.ErrUnsupported)
	err := retrier.Do(context.Background(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		var dErr error
		bus, dErr = conf.DialBus(ctx)
		return dErr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s bus", conf.Bus.Type)
	}
	return newNode(conf, masterLogger, bus)
}

func newNode(conf *Config, masterLogger *logging.MasterLogger, bus canbus.Bus) (*Node, error) {
	if masterLogger == nil {
		masterLogger = logging.NewMasterLogger()
	}
	node := &Node{
		conf:   conf,
		Logger: masterLogger,
		logger: masterLogger.PackageLogger("cfp-node"),
		bus:    canbus.NewLoggedBus(bus, masterLogger.PackageLogger("canbus"), canbus.LogAll, nil),
	}

	var err error
	if node.store, err = conf.RetransmissionStore(); err != nil {
		node.bus.Close() // nolint: errcheck
		return nil, errors.Wrap(err, "failed to open retransmission store")
	}

	var rec metrics.Recorder = metrics.NewDummy()
	if conf.Gateway.Address != "" {
		rec = prometheusRecorder()
	}

	node.hub = gateway.NewHub(masterLogger.PackageLogger("hub"))
	receiver := cfp.ReceiverFunc(func(payload []byte) {
		node.logger.Debugf("Delivered payload of %d bytes", len(payload))
		node.hub.Receive(payload)
	})

	node.engine, err = cfp.New(cfp.Config{
		Node:         conf.Node.ID,
		Transport:    node.bus,
		Receiver:     receiver,
		Store:        node.store,
		Pacer:        conf.PacerConfig(),
		DedupWindow:  time.Duration(conf.DedupWindow),
		RateInterval: time.Duration(conf.RateInterval),
		Logger:       masterLogger.PackageLogger("cfp"),
		Metrics:      rec,
	})
	if err != nil {
		node.store.Close() // nolint: errcheck
		node.bus.Close()   // nolint: errcheck
		return nil, err
	}

	if conf.Gateway.Address != "" {
		node.gateway = gateway.New(node.engine, node.hub, gateway.Config{
			DefaultDestination: conf.Node.DefaultDestination,
			DefaultChannel:     conf.Node.VirtualChannel,
		}, masterLogger.PackageLogger("gateway"))
		node.listener, err = net.Listen("tcp", conf.Gateway.Address)
		if err != nil {
			node.Close() // nolint: errcheck
			return nil, errors.Wrap(err, "failed to listen for gateway")
		}
		node.srv = &http.Server{Handler: node.gateway}
	}

	return node, nil
}

// Engine returns the node's protocol engine.
func (node *Node) Engine() *cfp.Engine { return node.engine }

// Hub returns the hub delivered payloads are fanned out on.
func (node *Node) Hub() *gateway.Hub { return node.hub }

// GatewayAddr returns the gateway listening address, nil if disabled.
func (node *Node) GatewayAddr() net.Addr {
	if node.listener == nil {
		return nil
	}
	return node.listener.Addr()
}

// Send sends payload to the configured default destination and channel.
func (node *Node) Send(ctx context.Context, payload []byte) (cfp.TransactionID, error) {
	return node.engine.Send(ctx, payload, node.conf.Node.DefaultDestination, node.conf.Node.VirtualChannel)
}

// Start feeds frames from the bus to the engine and serves the gateway.
// It blocks until ctx is done or the bus fails.
func (node *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	node.logger.Infof("Starting %s node on %s bus", node.conf.Node.ID, node.conf.Bus.Type)
	node.wg.Add(1)
	go func() {
		defer node.wg.Done()
		if err := node.receiveLoop(ctx); err != nil {
			errCh <- err
		}
	}()

	if node.srv != nil {
		node.logger.Info("Serving gateway on ", node.listener.Addr())
		node.wg.Add(1)
		go func() {
			defer node.wg.Done()
			if err := node.srv.Serve(node.listener); err != nil && err != http.ErrServerClosed {
				errCh <- errors.Wrap(err, "gateway")
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (node *Node) receiveLoop(ctx context.Context) error {
	for {
		frame, err := node.bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || err == canbus.ErrClosed {
				return nil
			}
			return errors.Wrap(err, "bus receive")
		}
		node.engine.OnFrame(frame)
	}
}

// Close stops the gateway, the bus and the engine, then the store.
func (node *Node) Close() (err error) {
	if node == nil {
		return nil
	}
	node.once.Do(func() {
		record := func(what string, cErr error) {
			if cErr == nil {
				node.logger.Infof("%s stopped successfully", what)
				return
			}
			node.logger.WithError(cErr).Errorf("failed to stop %s", what)
			if err == nil {
				err = cErr
			}
		}

		if node.srv != nil {
			record("gateway", node.srv.Close())
		}
		if node.listener != nil {
			node.listener.Close() // nolint: errcheck
		}
		if node.hub != nil {
			record("hub", node.hub.Close())
		}
		if cErr := node.bus.Close(); cErr != canbus.ErrClosed {
			record("bus", cErr)
		}
		node.wg.Wait()
		if node.engine != nil {
			record("engine", node.engine.Close())
		}
		record("retransmission store", node.store.Close())
	})
	return err
}
