package config

import (
	"os"
	"testing"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	c := Default(1000, "mesh-")
	if c.EmptyScanThreshold != 6 {
		t.Fatalf("expected emptyScanThreshold=6, got %d", c.EmptyScanThreshold)
	}
	if c.MultiBridge.MaxBridges != 2 {
		t.Fatalf("expected maxBridges=2, got %d", c.MultiBridge.MaxBridges)
	}
	if c.Queue.MaxSize != 500 {
		t.Fatalf("expected queue maxSize=500, got %d", c.Queue.MaxSize)
	}
	if c.DedupCapacity != 500 {
		t.Fatalf("expected dedup capacity=500, got %d", c.DedupCapacity)
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	c := New(1000, "mesh-", WithMeshPort(7000), WithMeshPassword("secret"))
	if c.MeshPort != 7000 {
		t.Fatalf("expected meshPort=7000, got %d", c.MeshPort)
	}
	if c.MeshPassword != "secret" {
		t.Fatalf("expected meshPassword=secret, got %q", c.MeshPassword)
	}
}

func TestEnvOverridesWinOverOptions(t *testing.T) {
	os.Setenv("MESH_PORT", "9999")
	defer os.Unsetenv("MESH_PORT")

	c := New(1000, "mesh-", WithMeshPort(7000))
	if c.MeshPort != 9999 {
		t.Fatalf("expected env override to win, got %d", c.MeshPort)
	}
}
