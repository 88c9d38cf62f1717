// Package metrics holds the internal counters the source and receiver
// engines update as they run. It intentionally stops at the
// prometheus.Registry: no HTTP handler is wired here, since an
// administrative introspection surface is out of scope; the metric
// types themselves are the ambient stats substrate every engine shares.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Engine bundles the counters and gauges both the source and receiver
// engines increment. One Engine is shared per socket.
type Engine struct {
	Registry *prometheus.Registry

	DataPacketsSent   prometheus.Counter
	DataBytesSent     prometheus.Counter
	RepairsSent       prometheus.Counter
	NAKsReceived      prometheus.Counter
	NCFsSent          prometheus.Counter
	SPMsSent          prometheus.Counter

	DataPacketsReceived prometheus.Counter
	DuplicatesReceived  prometheus.Counter
	NAKsSent            prometheus.Counter
	NCFsReceived        prometheus.Counter
	CumulativeLoss      prometheus.Counter

	ActivePeers   prometheus.Gauge
	TXWLength     prometheus.Gauge
	RepairQueueLen prometheus.Gauge
}

// New registers and returns a fresh Engine. Each socket gets its own
// registry so multiple sockets in one process never collide on metric
// names.
func New() *Engine {
	reg := prometheus.NewRegistry()
	e := &Engine{
		Registry: reg,
		DataPacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgm", Subsystem: "source", Name: "data_packets_sent_total",
			Help: "ODATA packets transmitted.",
		}),
		DataBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgm", Subsystem: "source", Name: "data_bytes_sent_total",
			Help: "Payload bytes transmitted in ODATA.",
		}),
		RepairsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgm", Subsystem: "source", Name: "repairs_sent_total",
			Help: "RDATA packets transmitted in response to NAKs.",
		}),
		NAKsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgm", Subsystem: "source", Name: "naks_received_total",
			Help: "NAKs received by the source engine.",
		}),
		NCFsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgm", Subsystem: "source", Name: "ncfs_sent_total",
			Help: "NCFs transmitted confirming a NAK.",
		}),
		SPMsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgm", Subsystem: "source", Name: "spms_sent_total",
			Help: "Ambient and heartbeat SPMs transmitted.",
		}),
		DataPacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgm", Subsystem: "receiver", Name: "data_packets_received_total",
			Help: "ODATA/RDATA packets accepted by the receiver engine.",
		}),
		DuplicatesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgm", Subsystem: "receiver", Name: "duplicates_received_total",
			Help: "Data packets discarded as duplicates.",
		}),
		NAKsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgm", Subsystem: "receiver", Name: "naks_sent_total",
			Help: "NAKs transmitted by the receiver engine.",
		}),
		NCFsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgm", Subsystem: "receiver", Name: "ncfs_received_total",
			Help: "NCFs received confirming an outstanding NAK.",
		}),
		CumulativeLoss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgm", Subsystem: "receiver", Name: "cumulative_loss_total",
			Help: "Sequences declared lost-data after exhausting repair.",
		}),
		ActivePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgm", Subsystem: "receiver", Name: "active_peers",
			Help: "Distinct source TSIs currently tracked.",
		}),
		TXWLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgm", Subsystem: "source", Name: "txw_length",
			Help: "Sequences currently retained in the transmit window.",
		}),
		RepairQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgm", Subsystem: "source", Name: "repair_queue_length",
			Help: "Pending retransmit requests awaiting service.",
		}),
	}
	reg.MustRegister(
		e.DataPacketsSent, e.DataBytesSent, e.RepairsSent, e.NAKsReceived, e.NCFsSent, e.SPMsSent,
		e.DataPacketsReceived, e.DuplicatesReceived, e.NAKsSent, e.NCFsReceived, e.CumulativeLoss,
		e.ActivePeers, e.TXWLength, e.RepairQueueLen,
	)
	return e
}
