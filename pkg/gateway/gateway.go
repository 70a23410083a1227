// Package gateway exposes a CFP engine over HTTP: payloads are sent with a
// JSON API and delivered payloads are streamed over a websocket.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/esa/nmf-mission-ops-sat-sub001/internal/httputil"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/cfp"
)

var log = logging.MustGetLogger("gateway")

const (
	requestTimeout = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Engine is the part of cfp.Engine the gateway drives.
type Engine interface {
	Send(ctx context.Context, payload []byte, dst cfp.Node, vc uint8) (cfp.TransactionID, error)
	Stats() cfp.Stats
}

// Config configures a Gateway.
type Config struct {
	DefaultDestination cfp.Node
	DefaultChannel     uint8
}

// SendRequest is the body of POST /api/send. Omitted fields fall back to
// the configured defaults.
type SendRequest struct {
	Payload     []byte    `json:"payload"`
	Destination *cfp.Node `json:"destination,omitempty"`
	Channel     *uint8    `json:"channel,omitempty"`
}

// SendResponse is returned by POST /api/send.
type SendResponse struct {
	TransactionID cfp.TransactionID `json:"transaction_id"`
}

// StatsResponse is returned by GET /api/stats.
type StatsResponse struct {
	cfp.Stats
	Subscribers int `json:"subscribers"`
}

// Gateway serves the HTTP API.
type Gateway struct {
	log      *logging.Logger
	c        Config
	engine   Engine
	hub      *Hub
	upgrader websocket.Upgrader
	router   http.Handler
}

// New creates a Gateway streaming payloads from hub. A nil logger uses the
// package logger.
func New(engine Engine, hub *Hub, c Config, logger *logging.Logger) *Gateway {
	if logger == nil {
		logger = log
	}
	g := &Gateway{
		log:    logger,
		c:      c,
		engine: engine,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logger, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			r.Post("/send", g.postSend())
			r.Get("/stats", g.getStats())
		})
		r.Get("/payloads", g.streamPayloads())
	})
	r.Handle("/metrics", promhttp.Handler())
	g.router = r
	return g
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) postSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		if err := httputil.ReadJSON(r, &req); err != nil {
			httputil.WriteJSON(w, r, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
			return
		}
		dst, vc := g.c.DefaultDestination, g.c.DefaultChannel
		if req.Destination != nil {
			dst = *req.Destination
		}
		if req.Channel != nil {
			vc = *req.Channel
		}
		if dst.IsPseudo() {
			httputil.WriteJSON(w, r, http.StatusBadRequest, errors.Errorf("destination %s is not addressable", dst))
			return
		}

		tid, err := g.engine.Send(r.Context(), req.Payload, dst, vc)
		switch {
		case err == nil:
			httputil.WriteJSON(w, r, http.StatusOK, SendResponse{TransactionID: tid})
		case cfp.IsValidationError(err):
			httputil.WriteJSON(w, r, http.StatusBadRequest, err)
		case errors.Is(err, cfp.ErrClosed):
			httputil.WriteJSON(w, r, http.StatusServiceUnavailable, err)
		default:
			g.log.WithError(err).Warn("Send failed")
			httputil.WriteJSON(w, r, http.StatusInternalServerError, err)
		}
	}
}

func (g *Gateway) getStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, r, http.StatusOK, StatsResponse{
			Stats:       g.engine.Stats(),
			Subscribers: g.hub.Count(),
		})
	}
}

func (g *Gateway) streamPayloads() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Subscribe before the handshake completes so no payload delivered
		// after the client sees the upgrade is missed.
		id, payloads := g.hub.Subscribe()
		defer g.hub.Unsubscribe(id)

		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.log.WithError(err).Warn("Websocket upgrade failed")
			return
		}
		defer func() {
			if err := conn.Close(); err != nil {
				g.log.WithError(err).Debug("Closing websocket")
			}
		}()
		g.log.WithField("subscriber", id).Info("Subscriber connected")

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case p, ok := <-payloads:
				if !ok {
					msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway closed")
					conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)) // nolint: errcheck
					return
				}
				if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
					return
				}
				if err := conn.WriteJSON(p); err != nil {
					g.log.WithError(err).WithField("subscriber", id).Warn("Failed to write payload")
					return
				}
			case <-gone:
				g.log.WithField("subscriber", id).Info("Subscriber disconnected")
				return
			}
		}
	}
}
