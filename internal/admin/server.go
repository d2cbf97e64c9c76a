// Package admin exposes the mesh node's status and Prometheus metrics over
// HTTP (spec §4.13, additive instrumentation only). Grounded directly on
// the teacher's internal/node.Server: a gorilla/mux router and one
// Prometheus CounterVec/Gauge set registered at construction. HTTP
// requests themselves are not counted or timed.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProvider supplies the live mesh state the /status endpoint
// reports. Implemented by the mesh package's top-level node type, kept as
// an interface here so admin has no dependency on mesh (which depends on
// admin).
type StatusProvider interface {
	NodeID() uint32
	Role() string
	PeerCount() int
	BridgeRole() string
	QueueStats() (queued int, sent, dropped uint64)
	Neighbors() []NeighborStatus
}

// NeighborStatus reports one connection's spec §4.2 link-quality sample:
// the rolling-average round-trip latency and the derived 0-100 quality
// score, the observable surface for Connection.AvgLatencyMs/QualityScore.
type NeighborStatus struct {
	NodeID       uint32  `json:"nodeId"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	QualityScore int     `json:"qualityScore"`
}

// Metrics is the Prometheus instrumentation surface for the failure table
// in spec §4.9, registered once at construction.
type Metrics struct {
	FramesTx              prometheus.Counter
	FramesRx              prometheus.Counter
	FramesDropped         *prometheus.CounterVec // labeled by reason: oversize, fifo_backpressure
	BroadcastDedupHits    prometheus.Counter
	RouteUnreachable      prometheus.Counter
	BridgeRoleTransitions *prometheus.CounterVec // labeled by new role
	ElectionOutcomes      *prometheus.CounterVec // labeled by outcome: won, lost, no_eligible
	QueueSize             *prometheus.GaugeVec   // labeled by priority
}

// NewMetrics builds and registers every gauge/counter against reg. A nil
// reg registers against prometheus.DefaultRegisterer, the production case;
// tests that construct more than one Node in the same process should pass
// a fresh prometheus.NewRegistry() to avoid a duplicate-registration panic.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		FramesTx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshnet_frames_tx_total",
			Help: "Total frames transmitted on any connection.",
		}),
		FramesRx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshnet_frames_rx_total",
			Help: "Total frames received on any connection.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshnet_frames_dropped_total",
			Help: "Total frames dropped, labeled by reason.",
		}, []string{"reason"}),
		BroadcastDedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshnet_broadcast_dedup_hits_total",
			Help: "Broadcasts suppressed by the dedup LRU.",
		}),
		RouteUnreachable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshnet_route_unreachable_total",
			Help: "sendSingle calls that found no route to destination.",
		}),
		BridgeRoleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshnet_bridge_role_transitions_total",
			Help: "Bridge role transitions, labeled by new role.",
		}, []string{"role"}),
		ElectionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshnet_bridge_election_outcomes_total",
			Help: "Bridge election outcomes observed by this node.",
		}, []string{"outcome"}),
		QueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshnet_queue_size",
			Help: "Current offline queue size, labeled by priority.",
		}, []string{"priority"}),
	}
	reg.MustRegister(
		m.FramesTx, m.FramesRx, m.FramesDropped, m.BroadcastDedupHits,
		m.RouteUnreachable, m.BridgeRoleTransitions, m.ElectionOutcomes, m.QueueSize,
	)
	return m
}

// IncFrameTx/IncFrameRx/IncFrameDropped implement protocol.Metrics.
func (m *Metrics) IncFrameTx()                   { m.FramesTx.Inc() }
func (m *Metrics) IncFrameRx()                   { m.FramesRx.Inc() }
func (m *Metrics) IncFrameDropped(reason string) { m.FramesDropped.WithLabelValues(reason).Inc() }

// IncBroadcastDedupHit/IncRouteUnreachable implement router.Metrics.
func (m *Metrics) IncBroadcastDedupHit() { m.BroadcastDedupHits.Inc() }
func (m *Metrics) IncRouteUnreachable()  { m.RouteUnreachable.Inc() }

// IncElectionOutcome implements bridge.Metrics.
func (m *Metrics) IncElectionOutcome(outcome string) { m.ElectionOutcomes.WithLabelValues(outcome).Inc() }

// Server is the gorilla/mux-routed admin HTTP surface.
type Server struct {
	status  StatusProvider
	metrics *Metrics
	started time.Time
}

// NewServer builds the admin Server for a given StatusProvider and metric
// set.
func NewServer(status StatusProvider, metrics *Metrics) *Server {
	return &Server{status: status, metrics: metrics, started: time.Now()}
}

// Router builds the mux.Router exposing /status, /metrics, and /healthz,
// mirroring the teacher's Router() layout (one subrouter per concern,
// each handler registered directly without a metrics wrapper).
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	health := r.PathPrefix("/healthz").Subrouter()
	health.HandleFunc("", s.healthHandler).Methods("GET")

	metrics := r.PathPrefix("/metrics").Subrouter()
	metrics.HandleFunc("", promhttp.Handler().ServeHTTP).Methods("GET")

	status := r.PathPrefix("/status").Subrouter()
	status.HandleFunc("", s.statusHandler).Methods("GET")

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statusResponse struct {
	NodeID     uint32 `json:"nodeId"`
	Role       string `json:"role"`
	PeerCount  int    `json:"peerCount"`
	BridgeRole string `json:"bridgeRole"`
	Queue      struct {
		Queued  int    `json:"queued"`
		Sent    uint64 `json:"sent"`
		Dropped uint64 `json:"dropped"`
	} `json:"queue"`
	UptimeSeconds float64          `json:"uptimeSeconds"`
	Neighbors     []NeighborStatus `json:"neighbors"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		NodeID:        s.status.NodeID(),
		Role:          s.status.Role(),
		PeerCount:     s.status.PeerCount(),
		BridgeRole:    s.status.BridgeRole(),
		UptimeSeconds: time.Since(s.started).Seconds(),
		Neighbors:     s.status.Neighbors(),
	}
	resp.Queue.Queued, resp.Queue.Sent, resp.Queue.Dropped = s.status.QueueStats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
