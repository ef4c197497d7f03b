// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

// Package kvstore provides the ordered key/value persistence layer.
//
// Every persisted collection (alerts, telemetry entries, weekly reports,
// governance state, audit trail, threshold overrides) lives in one store
// under a namespaced key prefix. Keys are ordered lexicographically, so
// time-prefixed keys scan in chronological order.
package kvstore

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned when a key does not exist in the store.
var ErrKeyNotFound = errors.New("kvstore: key not found")

// Pair is a single key/value entry returned by prefix scans.
type Pair struct {
	Key   string
	Value []byte
}

// Store is an ordered key/value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get retrieves the value for a key. Returns ErrKeyNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value under a key, overwriting any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ScanPrefix returns all entries whose key starts with prefix, in
	// ascending key order. limit <= 0 means no limit.
	ScanPrefix(ctx context.Context, prefix string, limit int) ([]Pair, error)

	// Close releases store resources.
	Close() error
}

// Key prefixes for the persisted collections.
const (
	PrefixAlert    = "alert:"    // alert:<subjectID>:<alertID>
	PrefixBaseline = "baseline:" // baseline:<subjectID>
	PrefixTelem    = "telem:"    // telem:<alertID>
	PrefixReport   = "report:"   // report:<weekStart RFC3339 date>
	PrefixAudit    = "audit:"    // audit:<unixnano>:<seq>
	PrefixOverride = "override:" // override:<detectorType>
	PrefixGovState = "govstate:" // govstate:<subjectID>
)
