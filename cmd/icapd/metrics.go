package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ppomes/tokenshield/internal/adapter"
	"github.com/ppomes/tokenshield/internal/adminhttp"
	"github.com/ppomes/tokenshield/internal/audit"
	"github.com/ppomes/tokenshield/internal/vault"
)

// serviceMetrics holds the atomic counters the /metrics endpoint reports.
// icap.Handler's Adapt calls happen on a per-connection goroutine, so
// every field is updated with atomic.AddUint64 rather than a mutex.
type serviceMetrics struct {
	tokenizeTotal     uint64
	detokenizeTotal   uint64
	missTotal         uint64
	cryptoFailTotal   uint64
	storageFailTotal  uint64
	auditDroppedTotal uint64
}

func (m *serviceMetrics) record(kind adapter.EventKind) {
	switch kind {
	case adapter.EventTokenize:
		atomic.AddUint64(&m.tokenizeTotal, 1)
	case adapter.EventDetokenize:
		atomic.AddUint64(&m.detokenizeTotal, 1)
	case adapter.EventCryptoFail:
		atomic.AddUint64(&m.cryptoFailTotal, 1)
	case adapter.EventStorageFail:
		atomic.AddUint64(&m.storageFailTotal, 1)
	default:
		atomic.AddUint64(&m.missTotal, 1)
	}
}

// snapshot reads the auditLogger's dropped-record counter on the way out,
// since that gauge lives on the audit queue rather than here.
func (m *serviceMetrics) snapshot(auditLogger *audit.Logger) adminhttp.Metrics {
	return adminhttp.Metrics{
		TokenizeTotal:     atomic.LoadUint64(&m.tokenizeTotal),
		DetokenizeTotal:   atomic.LoadUint64(&m.detokenizeTotal),
		MissTotal:         atomic.LoadUint64(&m.missTotal),
		CryptoFailTotal:   atomic.LoadUint64(&m.cryptoFailTotal),
		StorageFailTotal:  atomic.LoadUint64(&m.storageFailTotal),
		AuditDroppedTotal: auditLogger.DroppedCount(),
	}
}

// vaultAuditSink bridges icap.Handler's per-match adapter.Event stream to
// the Vault's own audit trail, incrementing serviceMetrics along the way.
// This is the only place adapter, vault and icap types meet.
type vaultAuditSink struct {
	vault   *vault.Vault
	metrics *serviceMetrics
}

func (s *vaultAuditSink) Record(ctx context.Context, ev adapter.Event, sourceAddr, destinationURL string, httpStatus int) {
	s.metrics.record(ev.Kind)

	kind := vault.EventMiss
	switch ev.Kind {
	case adapter.EventTokenize:
		kind = vault.EventTokenize
	case adapter.EventDetokenize:
		kind = vault.EventDetokenize
	}

	s.vault.LogEvent(ctx, &vault.TokenEvent{
		Token:          ev.Token,
		Kind:           kind,
		SourceAddr:     sourceAddr,
		DestinationURL: destinationURL,
		HTTPStatus:     httpStatus,
		Timestamp:      time.Now().UTC(),
	})
}
