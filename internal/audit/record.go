// Package audit provides the bounded, multi-producer/single-consumer
// event queue backing TokenShield's audit trail: producers enqueue one
// Record per tokenize/detokenize/revoke/miss outcome; a single consumer
// goroutine drains the queue, chains a SHA-256 hash across records, and
// hands each record with its PrevHash and Hash to a Sink. Whether the
// hashes are stored is up to the Sink.
package audit

import "time"

// Kind mirrors the vault's TokenEvent.Kind without importing the vault
// package, keeping audit a leaf component.
type Kind string

const (
	KindTokenize   Kind = "tokenize"
	KindDetokenize Kind = "detokenize"
	KindRevoke     Kind = "revoke"
	KindMiss       Kind = "miss"
)

// Record is one audit-worthy outcome, ready to enqueue.
type Record struct {
	Token          string
	Kind           Kind
	SourceAddr     string
	DestinationURL string
	HTTPStatus     int
	Timestamp      time.Time
}

// Chained wraps a Record with its position in the in-memory hash chain,
// computed by the Logger's consumer goroutine just before persistence.
type Chained struct {
	Record
	PrevHash string
	Hash     string
}
