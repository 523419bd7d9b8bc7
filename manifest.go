package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const protocolVersion = "0.1"

// Capability is a task category the agent accepts.
type Capability struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Price is the asking price for one task of a capability.
type Price struct {
	Amount   float64 `json:"amount" yaml:"amount"`
	Currency string  `json:"currency" yaml:"currency"`
}

// SpamBondPolicy describes the micropayment required before a task is
// accepted. Zero AmountSats disables it.
type SpamBondPolicy struct {
	AmountSats int64  `json:"amount_sats" yaml:"amount_sats"`
	Refundable bool   `json:"refundable" yaml:"refundable"`
	Rail       string `json:"rail,omitempty" yaml:"rail"`
}

// Manifest is the agent's machine-readable advertisement.
type Manifest struct {
	Protocol       string           `json:"protocol"`
	Version        string           `json:"version"`
	AgentID        string           `json:"agent_id"`
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	Capabilities   []Capability     `json:"capabilities"`
	Pricing        map[string]Price `json:"pricing,omitempty"`
	PaymentMethods []string         `json:"payment_methods,omitempty"`
	InboxURL       string           `json:"inbox_url"`
	Relays         []string         `json:"relays,omitempty"`
	SpamBond       *SpamBondPolicy  `json:"spam_bond,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// BuildManifest derives the manifest from config and the agent identity.
func BuildManifest(cfg *Config, agentID string) *Manifest {
	m := &Manifest{
		Protocol:       "aip",
		Version:        protocolVersion,
		AgentID:        agentID,
		Name:           cfg.Agent.Name,
		Description:    cfg.Agent.Description,
		Capabilities:   cfg.Agent.Capabilities,
		Pricing:        cfg.Agent.Pricing,
		PaymentMethods: cfg.Agent.PaymentMethods,
		InboxURL:       strings.TrimRight(cfg.PublicURL, "/") + "/inbox",
		Relays:         cfg.Relays,
		UpdatedAt:      time.Now().UTC(),
	}
	if cfg.SpamBond.AmountSats > 0 {
		sb := cfg.SpamBond
		m.SpamBond = &sb
	}
	return m
}

// CapabilityTypes lists the advertised task types in manifest order.
func (m *Manifest) CapabilityTypes() []string {
	out := make([]string, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		out = append(out, c.Type)
	}
	return out
}

// Supports reports whether taskType is an advertised capability.
func (m *Manifest) Supports(taskType string) bool {
	for _, c := range m.Capabilities {
		if c.Type == taskType {
			return true
		}
	}
	return false
}

// Save writes the manifest document.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

// LoadManifest reads a manifest document.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// LoadOrBuildManifest prefers an operator-edited manifest file when one
// exists for the same agent, otherwise it builds one from config and
// writes it out.
func LoadOrBuildManifest(cfg *Config, agentID, path string) (*Manifest, error) {
	m, err := LoadManifest(path)
	switch {
	case err == nil && m.AgentID == agentID && len(m.Capabilities) > 0:
		return m, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	m = BuildManifest(cfg, agentID)
	if err := m.Save(path); err != nil {
		return nil, fmt.Errorf("save manifest: %w", err)
	}
	return m, nil
}
