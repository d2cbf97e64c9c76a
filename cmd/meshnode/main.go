package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Alteriom/meshnet/internal/config"
	"github.com/Alteriom/meshnet/internal/logging"
	"github.com/Alteriom/meshnet/internal/mesh"
	"github.com/Alteriom/meshnet/internal/transport"
)

func main() {
	nodeID := flag.Uint("node-id", 0, "this node's numeric NodeID (required)")
	meshPrefix := flag.String("mesh-prefix", "meshnet", "mesh network prefix to join/advertise")
	adminAddr := flag.String("admin-addr", ":9090", "admin HTTP listen address (status/metrics/healthz)")
	connect := flag.String("connect", "", "optional address of a neighbor to dial at startup")
	flag.Parse()

	logging.Init()

	if *nodeID == 0 {
		if v := os.Getenv("MESH_NODE_ID"); v != "" {
			parsed, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				log.Fatalf("invalid MESH_NODE_ID: %v", err)
			}
			*nodeID = uint(parsed)
		}
	}
	if *nodeID == 0 {
		log.Fatal("node-id is required (flag -node-id or env MESH_NODE_ID)")
	}

	cfg := config.New(uint32(*nodeID), *meshPrefix)
	logging.SetMask(cfg.DebugMsgTypes)

	n := mesh.New(cfg, mesh.Deps{
		Transport:  transport.NewTCPTransport(),
		Scanner:    mesh.NoScanScanner{},
		Switcher:   mesh.NoopChannelSwitcher{},
		Associator: mesh.NoAssociator{},
	})

	if err := n.Start(*adminAddr); err != nil {
		log.Fatalf("mesh: start failed: %v", err)
	}
	logging.Info("meshnode %d listening on port %d (admin %s)", *nodeID, cfg.MeshPort, *adminAddr)

	if *connect != "" {
		if err := n.Connect(*connect); err != nil {
			logging.Warn("meshnode: initial connect to %s failed: %v", *connect, err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.Info("meshnode %d shutting down", *nodeID)
	if err := n.Shutdown(); err != nil {
		log.Printf("mesh: shutdown error: %v", err)
	}
}
