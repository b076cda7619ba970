// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "r1", cfg.Region.ID)
	assert.Equal(t, time.Second, cfg.Replication.SnapshotFrequency)
	assert.Equal(t, 2*time.Second, cfg.Replication.SnapshotTimeout())
	assert.Equal(t, "badger", cfg.Storage.Type)
	assert.Equal(t, "static", cfg.Membership.Source)
	require.NoError(t, cfg.Validate())
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	yml := `
region:
  id: eu-west
replication:
  snapshot_frequency: 250ms
  idle_close_grace: 5s
storage:
  type: memory
membership:
  source: static
  peers:
    us-east: "10.0.0.1:7948"
namespaces:
  orders:
    regions: [eu-west, us-east]
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "eu-west", cfg.Region.ID)
	assert.Equal(t, 250*time.Millisecond, cfg.Replication.SnapshotFrequency)
	assert.Equal(t, 500*time.Millisecond, cfg.Replication.SnapshotTimeout())
	assert.Equal(t, 5*time.Second, cfg.Replication.IdleCloseGrace)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "10.0.0.1:7948", cfg.Membership.Peers["us-east"])
	assert.Equal(t, []string{"eu-west", "us-east"}, cfg.NamespaceRegions("orders"))
	assert.Nil(t, cfg.NamespaceRegions("missing"))

	// Defaults survive partial files.
	assert.Equal(t, 32, cfg.Replication.MaxCachedSnapshots)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty region id", func(c *Config) { c.Region.ID = "" }},
		{"zero snapshot frequency", func(c *Config) { c.Replication.SnapshotFrequency = 0 }},
		{"negative snapshot history", func(c *Config) { c.Replication.MaxCachedSnapshots = -1 }},
		{"unknown storage type", func(c *Config) { c.Storage.Type = "postgres" }},
		{"unknown membership source", func(c *Config) { c.Membership.Source = "dns" }},
		{"etcd without endpoints", func(c *Config) { c.Membership.Source = "etcd" }},
		{"local region listed as peer", func(c *Config) { c.Membership.Peers = map[string]string{"r1": "addr"} }},
		{"namespace without regions", func(c *Config) { c.Namespaces = map[string]NamespaceConfig{"ns": {}} }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
