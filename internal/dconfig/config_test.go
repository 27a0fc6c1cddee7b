package dconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dtun.yaml")
	if err := os.WriteFile(path, []byte("node_id: 7\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.NodeID != 7 {
		t.Fatalf("expected node_id 7, got %d", c.NodeID)
	}
	if c.Ports.NumFastPorts != 64 || c.Ports.NumSymmPorts != 32 {
		t.Fatalf("unexpected port pool defaults: %#v", c.Ports)
	}
	if c.Ports.DecayTimeout != 30*time.Second {
		t.Fatalf("unexpected decay default: %v", c.Ports.DecayTimeout)
	}
	if c.Log.Level != "info" {
		t.Fatalf("unexpected log level default: %q", c.Log.Level)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadDefaultsUpstreamWeight(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dtun.yaml")
	yamlBody := "rendezvous:\n  upstreams:\n    - name: primary\n      address: \"rendezvous.example:2345\"\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Rendezvous.Upstreams) != 1 || c.Rendezvous.Upstreams[0].Weight != 1 {
		t.Fatalf("unexpected upstream defaulting: %#v", c.Rendezvous.Upstreams)
	}
}
