// Package config holds the process-wide configuration surface (spec §6).
// It is constructed once at startup via New and options, the way
// the teacher builds discovery.PortAllocator and cluster.NewClusterNode from
// a handful of named parameters plus environment overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/Alteriom/meshnet/internal/logging"
)

// BridgeStrategy selects how a non-bridge node picks a preferred bridge
// among several healthy candidates (spec §4.7).
type BridgeStrategy int

const (
	PriorityBased BridgeStrategy = iota
	RoundRobin
	BestSignal
)

// MultiBridgeConfig configures multi-bridge coexistence.
type MultiBridgeConfig struct {
	Enabled    bool
	MaxBridges int
	Strategy   BridgeStrategy
}

// QueueConfig configures the offline message queue.
type QueueConfig struct {
	MaxSize           int
	TrackingTimeoutMs int
}

// NodeConfig is the canonical in-process representation of the spec §6
// configuration surface.
type NodeConfig struct {
	NodeID       uint32
	MeshPrefix   string
	MeshPassword string
	MeshPort     int

	ScanIntervalFast time.Duration
	ScanIntervalSlow time.Duration
	EmptyScanThreshold int

	BridgeTimeout        time.Duration
	ElectionWindow       time.Duration
	BridgeStatusInterval time.Duration

	MultiBridge MultiBridgeConfig
	Queue       QueueConfig

	DebugMsgTypes logging.Category

	HandshakeTimeout time.Duration
	DedupWindow      time.Duration
	DedupCapacity    int

	RapidSwitchWindow time.Duration
}

// Option mutates a NodeConfig during construction.
type Option func(*NodeConfig)

// Default returns a NodeConfig populated with every default cited in the
// spec: 30s scan, 6 empty scans, 60s bridge timeout, 5s election window,
// 30s bridge status interval, maxBridges 2, queue size 500/60s tracking,
// 500-entry/60s dedup LRU, 10s handshake timeout.
func Default(nodeID uint32, meshPrefix string) *NodeConfig {
	return &NodeConfig{
		NodeID:               nodeID,
		MeshPrefix:           meshPrefix,
		MeshPort:             5555,
		ScanIntervalFast:     15 * time.Second,
		ScanIntervalSlow:     30 * time.Second,
		EmptyScanThreshold:   6,
		BridgeTimeout:        60 * time.Second,
		ElectionWindow:       5 * time.Second,
		BridgeStatusInterval: 30 * time.Second,
		MultiBridge: MultiBridgeConfig{
			Enabled:    false,
			MaxBridges: 2,
			Strategy:   PriorityBased,
		},
		Queue: QueueConfig{
			MaxSize:           500,
			TrackingTimeoutMs: 60_000,
		},
		DebugMsgTypes:     logging.CatAll,
		HandshakeTimeout:  10 * time.Second,
		DedupWindow:       60 * time.Second,
		DedupCapacity:     500,
		RapidSwitchWindow: 60 * time.Second,
	}
}

func WithMeshPassword(pw string) Option { return func(c *NodeConfig) { c.MeshPassword = pw } }
func WithMeshPort(p int) Option         { return func(c *NodeConfig) { c.MeshPort = p } }
func WithMultiBridge(mb MultiBridgeConfig) Option {
	return func(c *NodeConfig) { c.MultiBridge = mb }
}
func WithQueue(q QueueConfig) Option { return func(c *NodeConfig) { c.Queue = q } }
func WithDebugMsgTypes(cat logging.Category) Option {
	return func(c *NodeConfig) { c.DebugMsgTypes = cat }
}

// New builds a NodeConfig from defaults, applied options, then environment
// overrides — mirroring the teacher's pattern of env vars taking the final
// word (DISCOVERY_DOMAIN, BASE_PORT, MAX_PORTS in discovery.NewPortAllocator).
func New(nodeID uint32, meshPrefix string, opts ...Option) *NodeConfig {
	c := Default(nodeID, meshPrefix)
	for _, opt := range opts {
		opt(c)
	}
	applyEnvOverrides(c)
	return c
}

func applyEnvOverrides(c *NodeConfig) {
	if v := os.Getenv("MESH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.MeshPort = p
		}
	}
	if v := os.Getenv("MESH_PREFIX"); v != "" {
		c.MeshPrefix = v
	}
	if v := os.Getenv("MESH_PASSWORD"); v != "" {
		c.MeshPassword = v
	}
}
