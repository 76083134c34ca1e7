package vault

import (
	"context"

	"github.com/ppomes/tokenshield/internal/audit"
)

// storeAuditSink adapts a Store's AppendEvent to the audit package's
// Sink interface, translating the leaf audit.Record back into the
// vault's own TokenEvent shape. This is the only place vault and audit
// types cross, keeping audit free of a dependency on vault. The chain's
// PrevHash and Hash are not stored: token_events has no column for them.
type storeAuditSink struct {
	store Store
}

func (s storeAuditSink) AppendAuditRecord(ctx context.Context, rec audit.Chained) error {
	return s.store.AppendEvent(ctx, &TokenEvent{
		Token:          rec.Token,
		Kind:           EventKind(rec.Kind),
		SourceAddr:     rec.SourceAddr,
		DestinationURL: rec.DestinationURL,
		HTTPStatus:     rec.HTTPStatus,
		Timestamp:      rec.Timestamp,
	})
}

func toAuditRecord(ev *TokenEvent) audit.Record {
	return audit.Record{
		Token:          ev.Token,
		Kind:           audit.Kind(ev.Kind),
		SourceAddr:     ev.SourceAddr,
		DestinationURL: ev.DestinationURL,
		HTTPStatus:     ev.HTTPStatus,
		Timestamp:      ev.Timestamp,
	}
}
