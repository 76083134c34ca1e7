package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Sink persists one chained audit record. Implementations must not
// block indefinitely; the consumer goroutine has no other work to do
// while a Sink call is outstanding.
type Sink interface {
	AppendAuditRecord(ctx context.Context, rec Chained) error
}

// Logger is the process-wide audit queue: any number of producers call
// Record, and a single goroutine started by Run drains the queue,
// chains each entry's hash to the previous one, and calls Sink.
type Logger struct {
	q      *queue
	sink   Sink
	logger *slog.Logger

	mu           sync.Mutex
	previousHash string

	wg sync.WaitGroup
}

// NewLogger builds a Logger with the given bounded queue capacity.
func NewLogger(capacity int, sink Sink, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		q:            newQueue(capacity),
		sink:         sink,
		logger:       logger,
		previousHash: strings.Repeat("0", 64),
	}
}

// Record enqueues rec for the consumer to persist. Never blocks: a full
// queue silently drops its oldest entry and increments DroppedCount.
func (l *Logger) Record(rec Record) {
	l.q.push(rec)
}

// Run drains the queue until ctx is canceled or Stop is called. Intended
// to be run in its own goroutine by the caller.
func (l *Logger) Run(ctx context.Context) {
	l.wg.Add(1)
	defer l.wg.Done()

	go func() {
		<-ctx.Done()
		l.q.close()
	}()

	for {
		rec, ok := l.q.pop()
		if !ok {
			return
		}
		chained := l.chain(rec)
		if err := l.sink.AppendAuditRecord(ctx, chained); err != nil {
			l.logger.Warn("audit: failed to persist record, continuing", "kind", rec.Kind, "error", err)
		}
	}
}

// Stop closes the queue, causing Run to return once it drains any
// already-enqueued records, and waits for Run to exit.
func (l *Logger) Stop() {
	l.q.close()
	l.wg.Wait()
}

// DroppedCount returns how many records have been evicted by overflow
// since the Logger was created.
func (l *Logger) DroppedCount() uint64 {
	return l.q.droppedCount()
}

func (l *Logger) chain(rec Record) Chained {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.previousHash
	hashInput := fmt.Sprintf("%s|%s|%s|%s", prev, rec.Token, rec.Kind, rec.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"))
	sum := sha256.Sum256([]byte(hashInput))
	hash := hex.EncodeToString(sum[:])
	l.previousHash = hash

	return Chained{Record: rec, PrevHash: prev, Hash: hash}
}
