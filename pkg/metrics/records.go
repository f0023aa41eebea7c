// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"time"

	"github.com/jllopis/personaguard/pkg/errors"
)

// CallRecord describes one attempt of a remote call.
type CallRecord struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Endpoint       string         `json:"endpoint"`
	Method         string         `json:"method"`
	Params         map[string]any `json:"params,omitempty"`
	ResponseTimeMs float64        `json:"responseTimeMs"`
	Success        bool           `json:"success"`
	StatusCode     int            `json:"statusCode,omitempty"`
	ErrorKind      errors.Kind    `json:"errorKind,omitempty"`
	Cached         bool           `json:"cached"`
	RetryAttempt   int            `json:"retryAttempt"`
	CallerID       string         `json:"callerId,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
}

// CacheOperation is the kind of cache access.
type CacheOperation string

const (
	CacheGet        CacheOperation = "get"
	CacheSet        CacheOperation = "set"
	CacheDelete     CacheOperation = "delete"
	CacheInvalidate CacheOperation = "invalidate"
)

// CacheResult is the outcome of a cache access.
type CacheResult string

const (
	CacheHit     CacheResult = "hit"
	CacheMiss    CacheResult = "miss"
	CacheSuccess CacheResult = "success"
	CacheError   CacheResult = "error"
)

// CacheOperationRecord describes one cache access.
type CacheOperationRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Operation CacheOperation `json:"operation"`
	Key       string         `json:"key"`
	Endpoint  string         `json:"endpoint"`
	Result    CacheResult    `json:"result"`
	KeySize   int            `json:"keySize,omitempty"`
	ValueSize int            `json:"valueSize,omitempty"`
	TTL       time.Duration  `json:"ttl,omitempty"`
}

// CallToken pairs RecordAPICallStart with RecordAPICallEnd. The zero value
// is valid and tracks no concurrency.
type CallToken struct {
	id      uint64
	started time.Time
}

// Started returns when the call began.
func (t CallToken) Started() time.Time {
	return t.started
}
