// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package governance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/kestrelwatch/kestrel/internal/kvstore"
	"github.com/kestrelwatch/kestrel/internal/logging"
	"github.com/kestrelwatch/kestrel/internal/scoring"
)

// Decision is one governance audit record: which policy decided what
// about which alert, when.
type Decision struct {
	Policy    string           `json:"policy"`
	Decision  string           `json:"decision"` // suppressed | passed
	AlertID   string           `json:"alert_id"`
	SubjectID string           `json:"subject_id"`
	Severity  scoring.Severity `json:"severity"`
	Timestamp time.Time        `json:"timestamp"`
}

// AuditLog appends governance decisions to the key/value store through
// an async buffered writer. A full buffer drops the record with a log
// line rather than blocking the admission path.
type AuditLog struct {
	store    kvstore.Store
	events   chan Decision
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
	seq      atomic.Uint64
}

// NewAuditLog creates an audit log and starts its writer. bufferSize <= 0
// defaults to 256.
func NewAuditLog(store kvstore.Store, bufferSize int) *AuditLog {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	l := &AuditLog{
		store:  store,
		events: make(chan Decision, bufferSize),
		stop:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.writer()
	return l
}

// Append queues one decision for persistence.
func (l *AuditLog) Append(ctx context.Context, d Decision) {
	select {
	case l.events <- d:
	default:
		logging.Warn().Str("alert", d.AlertID).Msg("audit buffer full, dropping decision record")
	}
}

// writer drains the buffer until Close.
func (l *AuditLog) writer() {
	defer l.wg.Done()
	for {
		select {
		case d := <-l.events:
			l.persist(d)
		case <-l.stop:
			// Drain remaining records before exit.
			for {
				select {
				case d := <-l.events:
					l.persist(d)
				default:
					return
				}
			}
		}
	}
}

// persist writes one decision under a time-ordered key.
func (l *AuditLog) persist(d Decision) {
	data, err := json.Marshal(d)
	if err != nil {
		logging.Err(err).Msg("encode audit decision")
		return
	}
	key := fmt.Sprintf("%s%020d:%06d", kvstore.PrefixAudit, d.Timestamp.UnixNano(), l.seq.Add(1))
	if err := l.store.Set(context.Background(), key, data); err != nil {
		logging.Err(err).Msg("persist audit decision")
	}
}

// Recent returns up to limit audit records in chronological order.
func (l *AuditLog) Recent(ctx context.Context, limit int) ([]Decision, error) {
	pairs, err := l.store.ScanPrefix(ctx, kvstore.PrefixAudit, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Decision, 0, len(pairs))
	for _, pair := range pairs {
		var d Decision
		if err := json.Unmarshal(pair.Value, &d); err != nil {
			logging.Err(err).Str("key", pair.Key).Msg("skipping corrupt audit record")
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Close stops the writer after draining buffered records.
func (l *AuditLog) Close() {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.wg.Wait()
	})
}
