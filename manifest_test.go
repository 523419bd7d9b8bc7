package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildManifest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PublicURL = "https://agent.example.com/"
	cfg.SpamBond = SpamBondPolicy{AmountSats: 5, Refundable: true}

	m := BuildManifest(cfg, "abc")
	if m.AgentID != "abc" || m.Protocol != "aip" || m.Version != protocolVersion {
		t.Fatalf("unexpected identity: %+v", m)
	}
	if m.InboxURL != "https://agent.example.com/inbox" {
		t.Fatalf("unexpected inbox url %s", m.InboxURL)
	}
	if m.SpamBond == nil || m.SpamBond.AmountSats != 5 {
		t.Fatalf("bond should be advertised: %+v", m.SpamBond)
	}
	if got := m.CapabilityTypes(); len(got) != 2 || got[0] != "research.web" || got[1] != "code.review" {
		t.Fatalf("unexpected capability order: %v", got)
	}

	cfg.SpamBond = SpamBondPolicy{}
	if BuildManifest(cfg, "abc").SpamBond != nil {
		t.Fatal("zero bond should not be advertised")
	}
}

func TestManifestSupports(t *testing.T) {
	m := testManifest("a")
	if !m.Supports("code.review") || m.Supports("code") || m.Supports("") {
		t.Fatal("Supports should match capability types exactly")
	}
}

func TestLoadOrBuildManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	cfg := DefaultConfig()

	built, err := LoadOrBuildManifest(cfg, "agent-1", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("manifest should be written out")
	}

	// Operator edits survive a restart for the same agent.
	built.Description = "edited by hand"
	if err := built.Save(path); err != nil {
		t.Fatal(err)
	}
	again, err := LoadOrBuildManifest(cfg, "agent-1", path)
	if err != nil || again.Description != "edited by hand" {
		t.Fatalf("expected the edited manifest, got %+v %v", again, err)
	}

	// A new identity rebuilds from config.
	other, err := LoadOrBuildManifest(cfg, "agent-2", path)
	if err != nil || other.AgentID != "agent-2" || other.Description == "edited by hand" {
		t.Fatalf("expected a rebuilt manifest, got %+v %v", other, err)
	}

	os.WriteFile(path, []byte("{"), 0o644)
	if _, err := LoadOrBuildManifest(cfg, "agent-2", path); err == nil {
		t.Fatal("corrupt manifest should be an error")
	}
}
