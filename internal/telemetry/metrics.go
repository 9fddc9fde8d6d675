// Package telemetry exposes node health as prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keshon/audiolink/internal/node"
)

var (
	Registry = prometheus.NewRegistry()

	nodeStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "audiolink",
			Name:      "node_status",
			Help:      "Node connection status (0=idle 1=connecting 2=connected 3=reconnecting 4=disconnected).",
		},
		[]string{"node"},
	)

	nodePlayers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "audiolink",
			Name:      "node_playing_players",
			Help:      "Players actively playing on the node.",
		},
		[]string{"node"},
	)

	nodeSystemLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "audiolink",
			Name:      "node_system_load",
			Help:      "Node-reported system CPU load.",
		},
		[]string{"node"},
	)

	nodeFrameDeficit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "audiolink",
			Name:      "node_frame_deficit",
			Help:      "Audio frame deficit over the node's last reporting window.",
		},
		[]string{"node"},
	)

	nodePenalties = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "audiolink",
			Name:      "node_penalties",
			Help:      "Synthetic load score used for placement ranking (higher is worse).",
		},
		[]string{"node"},
	)
)

func init() {
	Registry.MustRegister(nodeStatus, nodePlayers, nodeSystemLoad, nodeFrameDeficit, nodePenalties)
}

// MetricsHandler exposes the registry; mount it on /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveNodeStats records a stats report and the derived penalty score.
func ObserveNodeStats(nodeID string, stats *node.Stats, penalties float64) {
	if stats == nil {
		return
	}
	nodePlayers.WithLabelValues(nodeID).Set(float64(stats.PlayingPlayers))
	nodeSystemLoad.WithLabelValues(nodeID).Set(stats.CPU.SystemLoad)
	if stats.FrameStats != nil {
		nodeFrameDeficit.WithLabelValues(nodeID).Set(float64(stats.FrameStats.Deficit))
	}
	nodePenalties.WithLabelValues(nodeID).Set(penalties)
}

// ObserveNodeStatus records a lifecycle transition.
func ObserveNodeStatus(nodeID string, status int) {
	nodeStatus.WithLabelValues(nodeID).Set(float64(status))
}

// DropNode removes a deregistered node's series.
func DropNode(nodeID string) {
	nodeStatus.DeleteLabelValues(nodeID)
	nodePlayers.DeleteLabelValues(nodeID)
	nodeSystemLoad.DeleteLabelValues(nodeID)
	nodeFrameDeficit.DeleteLabelValues(nodeID)
	nodePenalties.DeleteLabelValues(nodeID)
}
