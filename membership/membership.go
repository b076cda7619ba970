// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package membership resolves peer region ids to replication transport
// addresses, either from static configuration or from an etcd registry.
package membership

import "errors"

// ErrUnknownRegion is returned when a region has no known address.
var ErrUnknownRegion = errors.New("unknown region")

// Provider exposes the current peer regions of this node.
type Provider interface {
	// Address returns the transport address of a peer region.
	Address(region string) (string, error)

	// Regions returns the ids of all known peer regions.
	Regions() []string

	Close() error
}

var _ Provider = (*Static)(nil)

// Static serves a fixed peer table from configuration.
type Static struct {
	peers map[string]string
}

// NewStatic creates a provider over a region id -> address table.
func NewStatic(peers map[string]string) *Static {
	copied := make(map[string]string, len(peers))
	for region, addr := range peers {
		copied[region] = addr
	}
	return &Static{peers: copied}
}

func (s *Static) Address(region string) (string, error) {
	addr, ok := s.peers[region]
	if !ok {
		return "", ErrUnknownRegion
	}
	return addr, nil
}

func (s *Static) Regions() []string {
	regions := make([]string, 0, len(s.peers))
	for region := range s.peers {
		regions = append(regions, region)
	}
	return regions
}

func (s *Static) Close() error {
	return nil
}
