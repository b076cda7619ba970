// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import "errors"

// Replication errors.
var (
	ErrInvalidMarker          = errors.New("invalid marker")
	ErrTopicNotFound          = errors.New("topic not found")
	ErrTopicExists            = errors.New("topic already exists")
	ErrNamespaceNotReplicated = errors.New("namespace is not configured for multi-region replication")
	ErrManagerClosed          = errors.New("replication manager is closed")
)
