// Package config loads the Tunables of spec.md §6 from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tunables matches spec.md §6's configuration block exactly, plus the
// outbox settings spec.md §6 "Persisted state" names as store-specific
// knobs the core contract only constrains the shape of.
type Tunables struct {
	IdleTimeoutMS            int    `yaml:"idle_timeout_ms"`
	Insecure                 bool   `yaml:"insecure"`
	RecvLMQMax               int    `yaml:"recv_lmq_max"`
	SendLMQMax               int    `yaml:"send_lmq_max"`
	ResumptionTicketMaxBytes int    `yaml:"resumption_ticket_max_bytes"`
	Outbox                   Outbox `yaml:"outbox"`
}

// Outbox configures the optional persisted pending-publish store.
type Outbox struct {
	Enabled        bool   `yaml:"enabled"`
	FlushThreshold int    `yaml:"flush_threshold"`
	MaxRows        int    `yaml:"max_rows"`
	Directory      string `yaml:"directory"`
}

// Default returns the Tunables spec.md §6 lists as defaults.
func Default() Tunables {
	return Tunables{
		IdleTimeoutMS:            5000,
		Insecure:                 true,
		RecvLMQMax:               64,
		SendLMQMax:               64,
		ResumptionTicketMaxBytes: 2048,
		Outbox: Outbox{
			Enabled:        false,
			FlushThreshold: 50,
			MaxRows:        10000,
			Directory:      "",
		},
	}
}

// Load reads and parses a YAML file at path, overlaying it onto
// Default() so a config file only needs to set the fields it wants to
// change.
func Load(path string) (Tunables, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Tunables{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Tunables{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Tunables{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (t Tunables) validate() error {
	if t.IdleTimeoutMS <= 0 {
		return fmt.Errorf("idle_timeout_ms must be positive, got %d", t.IdleTimeoutMS)
	}
	if t.RecvLMQMax <= 0 {
		return fmt.Errorf("recv_lmq_max must be positive, got %d", t.RecvLMQMax)
	}
	if t.SendLMQMax <= 0 {
		return fmt.Errorf("send_lmq_max must be positive, got %d", t.SendLMQMax)
	}
	if t.ResumptionTicketMaxBytes <= 0 {
		return fmt.Errorf("resumption_ticket_max_bytes must be positive, got %d", t.ResumptionTicketMaxBytes)
	}
	if t.Outbox.Enabled && t.Outbox.Directory == "" {
		return fmt.Errorf("outbox.directory is required when outbox.enabled is true")
	}
	return nil
}
