package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the relay's operational counters.
type Metrics struct {
	OpenConnections prometheus.Gauge
	ActiveRooms     prometheus.Gauge
	RelayedUpdates  prometheus.Counter
	DroppedFrames   prometheus.Counter
	SnapshotFlushes prometheus.Counter
}

// NewMetrics registers the relay collectors on the given registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsync",
			Subsystem: "relay",
			Name:      "open_connections",
			Help:      "Number of websocket connections currently attached.",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsync",
			Subsystem: "relay",
			Name:      "active_rooms",
			Help:      "Number of rooms with at least one attached connection.",
		}),
		RelayedUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "relay",
			Name:      "relayed_updates_total",
			Help:      "Total update frames accepted and fanned out.",
		}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "relay",
			Name:      "dropped_frames_total",
			Help:      "Total inbound frames dropped as undecodable.",
		}),
		SnapshotFlushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "relay",
			Name:      "snapshot_flushes_total",
			Help:      "Total room snapshots written to the mirror.",
		}),
	}
}
