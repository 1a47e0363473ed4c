package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ATMO_MESH_ID", "m1")
	t.Setenv("ATMO_MESH_ID_SEED", "seed")
	cfg, err := Load(filepath.Join(dir, "nope.yaml"), "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BeaconPort != DefaultBeaconPort {
		t.Fatalf("got port %d, want default %d", cfg.BeaconPort, DefaultBeaconPort)
	}
	if !cfg.TransportEnabled(TransportLAN) {
		t.Fatal("expected lan transport enabled by default")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atmosphere.yaml")
	writeFile(t, path, `
mesh_id: atmosphere-playground-mesh-v1
mesh_id_seed: correct-horse-battery-staple
app_id: atmosphere
beacon_port: 11452
enabled_transports: [lan, relay]
relay_url: wss://relay.example/ws
`)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MeshID != "atmosphere-playground-mesh-v1" {
		t.Fatalf("got mesh_id %q", cfg.MeshID)
	}
	if !cfg.TransportEnabled(TransportRelay) {
		t.Fatal("expected relay transport enabled")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atmosphere.yaml")
	writeFile(t, path, `
mesh_id: file-mesh
mesh_id_seed: file-seed
`)
	t.Setenv("ATMO_MESH_ID", "env-mesh")
	t.Setenv("ATMO_BEACON_PORT", "9000")
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MeshID != "env-mesh" {
		t.Fatalf("expected env override to win, got %q", cfg.MeshID)
	}
	if cfg.BeaconPort != 9000 {
		t.Fatalf("got port %d, want 9000", cfg.BeaconPort)
	}
}

func TestValidateRejectsMissingMeshID(t *testing.T) {
	cfg := Default()
	cfg.MeshIDSeed = "seed"
	if err := cfg.Validate(); err != ErrMissingMeshID {
		t.Fatalf("got %v, want ErrMissingMeshID", err)
	}
}

func TestValidateRejectsUnknownTransport(t *testing.T) {
	cfg := Default()
	cfg.MeshID = "m1"
	cfg.MeshIDSeed = "seed"
	cfg.EnabledTransports = []string{"carrier-pigeon"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unknown transport")
	}
}

func TestMalformedEnvBeaconPortIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atmosphere.yaml")
	writeFile(t, path, "mesh_id: m1\nmesh_id_seed: seed\n")
	t.Setenv("ATMO_BEACON_PORT", "not-a-number")
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BeaconPort != DefaultBeaconPort {
		t.Fatalf("expected malformed override to be ignored, got %d", cfg.BeaconPort)
	}
}
