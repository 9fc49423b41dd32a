package syncsvc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsOrdered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "landscape_sync_events_total",
		Help: "Events assigned a server timestamp by the authority",
	})
	connectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "landscape_sync_peers",
		Help: "Clients currently connected to the authority",
	})
	broadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "landscape_sync_broadcast_dropped_total",
		Help: "Frames dropped because a peer's send buffer was full",
	})
	eventsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "landscape_sync_forwarded_total",
		Help: "Local events acknowledged by the authority",
	})
	remoteApplyFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "landscape_sync_remote_apply_failed_total",
		Help: "Ordered remote events this replica could not apply",
	})
)
