// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a geoflux region node.
type Config struct {
	Region      RegionConfig      `yaml:"region"`
	Replication ReplicationConfig `yaml:"replication"`
	Storage     StorageConfig     `yaml:"storage"`
	Transport   TransportConfig   `yaml:"transport"`
	Admin       AdminConfig       `yaml:"admin"`
	Membership  MembershipConfig  `yaml:"membership"`
	Log         LogConfig         `yaml:"log"`
	Otel        OtelConfig        `yaml:"otel"`

	// Namespaces maps a namespace name to its policy. A topic named
	// "ns/topic" belongs to namespace "ns"; replicated subscriptions can
	// only be enabled on topics whose namespace lists two or more regions.
	Namespaces map[string]NamespaceConfig `yaml:"namespaces"`
}

// RegionConfig identifies the local region.
type RegionConfig struct {
	ID string `yaml:"id"`
}

// ReplicationConfig holds the snapshot protocol settings.
type ReplicationConfig struct {
	// SnapshotFrequency is how often each partition attempts a new
	// cross-region snapshot. A pending snapshot that has not collected all
	// responses within 2x this duration is discarded.
	SnapshotFrequency time.Duration `yaml:"snapshot_frequency"`

	// MaxCachedSnapshots bounds the per-partition history of completed
	// snapshots kept for position translation.
	MaxCachedSnapshots int `yaml:"max_cached_snapshots"`

	// IdleCloseGrace is how long a replicator link stays connected with
	// zero backlog before its outbound producer is torn down.
	IdleCloseGrace time.Duration `yaml:"idle_close_grace"`

	// RateLimit caps outbound mirrored entries per second per link.
	// Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// StorageConfig holds the log/cursor storage backend configuration.
type StorageConfig struct {
	Type       string `yaml:"type"` // memory, badger
	Dir        string `yaml:"dir"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// TransportConfig holds the inter-region replication transport settings.
type TransportConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	WSEnabled bool   `yaml:"ws_enabled"`
	WSAddr    string `yaml:"ws_addr"`
	WSPath    string `yaml:"ws_path"`
}

// AdminConfig holds the admin HTTP API settings.
type AdminConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MembershipConfig selects how peer regions are discovered.
type MembershipConfig struct {
	Source string            `yaml:"source"` // static, etcd
	Peers  map[string]string `yaml:"peers"`  // region id -> transport address
	Etcd   EtcdConfig        `yaml:"etcd"`
}

// EtcdConfig holds etcd-backed membership settings.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	TracesEnabled  bool    `yaml:"traces_enabled"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	SampleRate     float64 `yaml:"sample_rate"`
}

// NamespaceConfig holds per-namespace replication policy.
type NamespaceConfig struct {
	// Regions lists the regions this namespace replicates across,
	// including the local one.
	Regions []string `yaml:"regions"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Region: RegionConfig{
			ID: "r1",
		},
		Replication: ReplicationConfig{
			SnapshotFrequency:  time.Second,
			MaxCachedSnapshots: 32,
			IdleCloseGrace:     30 * time.Second,
			RateLimit:          0,
			RateBurst:          1000,
		},
		Storage: StorageConfig{
			Type:       "badger",
			Dir:        "/tmp/geoflux/data",
			SyncWrites: false,
		},
		Transport: TransportConfig{
			BindAddr:  "0.0.0.0:7948",
			WSEnabled: false,
			WSAddr:    ":8083",
			WSPath:    "/replicate",
		},
		Admin: AdminConfig{
			Enabled:         true,
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Membership: MembershipConfig{
			Source: "static",
			Peers:  map[string]string{},
			Etcd: EtcdConfig{
				Prefix:      "/geoflux/regions/",
				DialTimeout: 5 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Otel: OtelConfig{
			MetricsEnabled: false,
			TracesEnabled:  false,
			Endpoint:       "localhost:4317",
			ServiceName:    "geoflux",
			ServiceVersion: "0.1.0",
			SampleRate:     0.1,
		},
		Namespaces: map[string]NamespaceConfig{},
	}
}

// Load reads configuration from a YAML file, applying defaults for any
// missing values. An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Region.ID == "" {
		return fmt.Errorf("region id must not be empty")
	}
	if c.Replication.SnapshotFrequency <= 0 {
		return fmt.Errorf("snapshot frequency must be positive, got %v", c.Replication.SnapshotFrequency)
	}
	if c.Replication.MaxCachedSnapshots <= 0 {
		return fmt.Errorf("max cached snapshots must be positive, got %d", c.Replication.MaxCachedSnapshots)
	}
	switch c.Storage.Type {
	case "memory", "badger":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	switch c.Membership.Source {
	case "static", "etcd":
	default:
		return fmt.Errorf("unknown membership source %q", c.Membership.Source)
	}
	if c.Membership.Source == "etcd" && len(c.Membership.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd membership requires at least one endpoint")
	}
	for _, id := range []string{c.Region.ID} {
		if _, ok := c.Membership.Peers[id]; ok {
			return fmt.Errorf("membership peers must not include the local region %q", id)
		}
	}
	for name, ns := range c.Namespaces {
		if len(ns.Regions) == 0 {
			return fmt.Errorf("namespace %q lists no regions", name)
		}
	}
	return nil
}

// NamespaceRegions returns the regions configured for a namespace, or nil
// if the namespace has no replication policy.
func (c *Config) NamespaceRegions(namespace string) []string {
	ns, ok := c.Namespaces[namespace]
	if !ok {
		return nil
	}
	return ns.Regions
}

// SnapshotTimeout returns the bound after which a pending snapshot is
// discarded.
func (c *ReplicationConfig) SnapshotTimeout() time.Duration {
	return 2 * c.SnapshotFrequency
}
