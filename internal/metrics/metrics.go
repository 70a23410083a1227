// Package metrics records CFP protocol metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records protocol engine metrics.
type Recorder interface {
	FrameIn()
	FrameOut()
	Dropped(reason string)
	Delivered(size int)
	Retransmission(kind string)
	FrameRate(fps float64)
}

type dummy struct{}

// NewDummy constructs a new dummy metrics recorder.
func NewDummy() Recorder {
	return &dummy{}
}

func (m *dummy) FrameIn()                   {}
func (m *dummy) FrameOut()                  {}
func (m *dummy) Dropped(reason string)      {}
func (m *dummy) Delivered(size int)         {}
func (m *dummy) Retransmission(kind string) {}
func (m *dummy) FrameRate(fps float64)      {}

type prom struct {
	framesIn    prometheus.Counter
	framesOut   prometheus.Counter
	dropped     *prometheus.CounterVec
	delivered   prometheus.Counter
	payloadSize prometheus.Summary
	retransmits *prometheus.CounterVec
	frameRate   prometheus.Gauge
}

// NewPrometheus constructs a new Prometheus metrics recorder registered
// with the default registry.
func NewPrometheus(service string) Recorder {
	return &prom{
		framesIn: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_frames_received_total",
			Help: "The total number of CAN frames received",
		}),
		framesOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_frames_sent_total",
			Help: "The total number of CAN frames forwarded to the bus",
		}),
		dropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_frames_dropped_total",
			Help: "The total number of dropped CAN frames by reason",
		}, []string{"reason"}),
		delivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_messages_delivered_total",
			Help: "The total number of reassembled messages passed upwards",
		}),
		payloadSize: promauto.NewSummary(prometheus.SummaryOpts{
			Name: service + "_message_size_bytes",
			Help: "Sizes of reassembled messages",
		}),
		retransmits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_retransmissions_total",
			Help: "Retransmission activity by kind (request, resend, failed)",
		}, []string{"kind"}),
		frameRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: service + "_frames_per_second",
			Help: "Bus frame rate over the last sampling interval",
		}),
	}
}

func (m *prom) FrameIn()  { m.framesIn.Inc() }
func (m *prom) FrameOut() { m.framesOut.Inc() }

func (m *prom) Dropped(reason string) { m.dropped.WithLabelValues(reason).Inc() }

func (m *prom) Delivered(size int) {
	m.delivered.Inc()
	m.payloadSize.Observe(float64(size))
}

func (m *prom) Retransmission(kind string) { m.retransmits.WithLabelValues(kind).Inc() }

func (m *prom) FrameRate(fps float64) { m.frameRate.Set(fps) }
