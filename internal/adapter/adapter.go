// Package adapter rewrites one HTTP message body in place of the raw
// card numbers or tokens the CardScanner finds, consulting the Vault for
// each match and leaving unresolved matches verbatim.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ppomes/tokenshield/internal/httpmsg"
	"github.com/ppomes/tokenshield/internal/scanner"
	"github.com/ppomes/tokenshield/internal/vault"
)

// Policy selects which direction the Adapter resolves matches in.
type Policy int

const (
	// PolicyTokenize replaces PAN matches with vault tokens, leaving
	// existing tokens untouched.
	PolicyTokenize Policy = iota
	// PolicyDetokenize replaces token matches with their PAN, leaving
	// bare digit runs untouched.
	PolicyDetokenize
)

// Resolver is the subset of Vault the Adapter needs: resolve one match
// to its replacement text, or report that it could not be resolved.
type Resolver interface {
	Tokenize(ctx context.Context, pan string) (string, error)
	Detokenize(ctx context.Context, token string) (string, error)
}

// EventKind mirrors the outcome categories of vault.EventKind, widened
// with two failure kinds (EventCryptoFail, EventStorageFail) the Vault's
// own audit trail doesn't track but the operator-facing metrics do. The
// Adapter depends only on Resolver and on vault's error sentinels for
// classification, never on a concrete Vault type, keeping ICAPService's
// dependency on Adapter one-directional.
type EventKind string

const (
	EventTokenize    EventKind = "tokenize"
	EventDetokenize  EventKind = "detokenize"
	EventMiss        EventKind = "miss"
	EventCryptoFail  EventKind = "crypto_fail"
	EventStorageFail EventKind = "storage_fail"
)

// Event is one audit-worthy outcome of adapting a body.
type Event struct {
	Kind  EventKind
	Token string
}

// FailMode controls what Adapt does with a match it cannot resolve
// because the Vault's storage backend is unavailable, per spec.md's
// FAIL_MODE setting. It has no bearing on ordinary misses (unknown
// token, invalid PAN): those are always left verbatim regardless of
// FailMode.
type FailMode int

const (
	// FailClosed aborts the whole Adapt call with ErrStorageUnavailable
	// the first time a match fails to resolve due to a storage error,
	// so the caller can refuse the transaction (ICAP 500) rather than
	// let a card number or token slip through unrewritten.
	FailClosed FailMode = iota
	// FailOpen leaves a storage-failed match verbatim, logs it as an
	// EventStorageFail, and continues adapting the rest of the body.
	FailOpen
)

// ErrStorageUnavailable is returned by Adapt when FailClosed is set and
// the Resolver reports a storage failure resolving some match.
var ErrStorageUnavailable = errors.New("adapter: vault storage unavailable")

// defaultIgnoredPrefixes are binary content types that never carry PANs
// or tokens worth scanning.
var defaultIgnoredPrefixes = []string{
	"image/", "video/", "audio/", "application/pdf", "application/zip",
}

var jsonRedundancyKeys = []string{"card_number", "cardNumber", "pan", "creditCard"}

// Adapter transforms one HTTP message body per the Policy and the
// destination Resolver (a Vault).
type Adapter struct {
	resolver        Resolver
	ignoredPrefixes []string
	failMode        FailMode
	logger          *slog.Logger
}

// New builds an Adapter. extraIgnoredPrefixes supplements the built-in
// binary bypass list (IGNORE_CONTENT_TYPES).
func New(resolver Resolver, extraIgnoredPrefixes []string, failMode FailMode, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	prefixes := make([]string, 0, len(defaultIgnoredPrefixes)+len(extraIgnoredPrefixes))
	prefixes = append(prefixes, defaultIgnoredPrefixes...)
	prefixes = append(prefixes, extraIgnoredPrefixes...)
	return &Adapter{resolver: resolver, ignoredPrefixes: prefixes, failMode: failMode, logger: logger}
}

// Result is the outcome of Adapt: the rewritten body (identical to the
// input when Changed is false) and the audit events produced. Header
// adjustments are left to the caller (see AdjustContentLength).
type Result struct {
	Body    []byte
	Changed bool
	Events  []Event
}

// Adapt scans body for PAN/token matches appropriate to policy and
// substitutes resolved matches. contentType selects the dispatch path:
// JSON content types (and anything that parses as a JSON object/array)
// take the structured pass with the top-level-key redundancy check;
// everything else takes the raw-byte regex pass only.
func (a *Adapter) Adapt(ctx context.Context, body []byte, contentType string, policy Policy) (*Result, error) {
	if a.isBinary(contentType) {
		return &Result{Body: body, Changed: false}, nil
	}

	rewritten, events, err := a.rewriteRaw(ctx, body, policy)
	if err != nil {
		return nil, err
	}

	if isJSONContentType(contentType) || looksLikeJSON(rewritten) {
		structured, jsonEvents, ok, err := a.rewriteJSONRedundancy(ctx, rewritten, policy)
		if err != nil {
			return nil, err
		}
		if ok {
			rewritten = structured
			events = append(events, jsonEvents...)
		}
	}

	changed := !bytes.Equal(body, rewritten)
	return &Result{Body: rewritten, Changed: changed, Events: events}, nil
}

// AdjustContentLength sets the Content-Length header on msg to newLen
// (adding it if absent), per spec.md's requirement that length-changing
// rewrites keep the declared length correct.
func AdjustContentLength(msg *httpmsg.Message, newLen int) {
	msg.Header.Set("Content-Length", strconv.Itoa(newLen))
}

func (a *Adapter) isBinary(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, prefix := range a.ignoredPrefixes {
		if strings.HasPrefix(ct, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

func isJSONContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "text/json")
}

func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}
	return trimmed[0] == '{' || trimmed[0] == '['
}

// rewriteRaw performs the scanner-driven byte-range walk common to every
// content type: unchanged ranges are copied verbatim, matches are
// substituted when the Resolver can resolve them.
func (a *Adapter) rewriteRaw(ctx context.Context, body []byte, policy Policy) ([]byte, []Event, error) {
	matches := scanner.Scan(body)
	if len(matches) == 0 {
		return body, nil, nil
	}
	return a.rewriteMatches(ctx, body, matches, policy, len(body))
}

// rewriteMatches walks matches left to right, substituting resolvable
// ones, but only considers matches that end at or before cutoff; bytes
// are emitted verbatim up to cutoff and the caller is responsible for
// whatever lies beyond it. This is shared by the single-buffer path
// (cutoff = len(body), the whole buffer) and the windowed streaming path
// (cutoff = the point up to which a window's bytes are known to be free
// of an in-progress match).
func (a *Adapter) rewriteMatches(ctx context.Context, buf []byte, matches []scanner.Match, policy Policy, cutoff int) ([]byte, []Event, error) {
	var out bytes.Buffer
	var events []Event
	cursor := 0
	for _, m := range matches {
		if m.Offset+m.Length > cutoff {
			break
		}
		if policy == PolicyTokenize && m.Kind != scanner.KindPAN {
			continue
		}
		if policy == PolicyDetokenize && m.Kind != scanner.KindToken {
			continue
		}

		replacement, ev, resolved, err := a.resolve(ctx, m, policy)
		if err != nil {
			return nil, nil, err
		}
		if ev.Kind != "" {
			events = append(events, ev)
		}
		if !resolved {
			continue
		}

		out.Write(buf[cursor:m.Offset])
		out.WriteString(replacement)
		cursor = m.Offset + m.Length
	}
	out.Write(buf[cursor:cutoff])
	return out.Bytes(), events, nil
}

// streamCarryLen is the number of trailing bytes of an unfinished
// window held back and prepended to the next one, per spec.md's
// match-boundary carry-over requirement (one token plus slack).
const streamCarryLen = 21

// StreamState threads the unresolved tail of a body across successive
// AdaptWindow calls for one streamed ICAP body.
type StreamState struct {
	carry []byte
}

// AdaptWindow adapts one window of a body too large to buffer whole
// (spec.md §4.4: bodies past ICAP_MAX_BODY stream through in 64 KiB
// windows). Windows must be supplied in order with final=true on the
// last one; state must be a fresh *StreamState reused across all
// windows of one body. Only the raw-byte scan runs in streaming mode:
// the JSON top-level-key redundancy pass (§4.3) is a safety net the
// raw-byte pass already structurally covers, and it requires a whole
// parsed document, which defeats the purpose of windowing a body large
// enough to need it.
func (a *Adapter) AdaptWindow(ctx context.Context, state *StreamState, window []byte, contentType string, policy Policy, final bool) ([]byte, []Event, bool, error) {
	if a.isBinary(contentType) {
		return window, nil, false, nil
	}

	buf := append(state.carry, window...)
	matches := scanner.Scan(buf)

	cutoff := len(buf)
	if !final {
		cutoff = len(buf) - streamCarryLen
		if cutoff < 0 {
			cutoff = 0
		}
		for _, m := range matches {
			if m.Offset < cutoff && m.Offset+m.Length > cutoff {
				cutoff = m.Offset
				break
			}
		}
	}

	out, events, err := a.rewriteMatches(ctx, buf, matches, policy, cutoff)
	if err != nil {
		return nil, nil, false, err
	}
	changed := !bytes.Equal(out, buf[:cutoff])

	if final {
		state.carry = nil
	} else {
		state.carry = append([]byte(nil), buf[cutoff:]...)
	}
	return out, events, changed, nil
}

// resolve translates one scanner match per policy. A non-nil error is
// returned only when FailClosed is set and the Resolver reports
// ErrStorageFailed: the caller must abort the whole Adapt call. Every
// other outcome (success, miss, crypto failure, fail-open storage
// failure) is reported via the returned Event instead.
func (a *Adapter) resolve(ctx context.Context, m scanner.Match, policy Policy) (string, Event, bool, error) {
	switch policy {
	case PolicyTokenize:
		token, err := a.resolver.Tokenize(ctx, m.Canonical)
		if err != nil {
			return a.classifyFailure(err, m.Canonical)
		}
		return token, Event{Kind: EventTokenize, Token: token}, true, nil
	case PolicyDetokenize:
		pan, err := a.resolver.Detokenize(ctx, m.Canonical)
		if err != nil {
			return a.classifyFailure(err, m.Canonical)
		}
		return pan, Event{Kind: EventDetokenize, Token: m.Canonical}, true, nil
	default:
		return "", Event{}, false, nil
	}
}

// classifyFailure maps a Resolver error to the outcome spec.md's error
// taxonomy calls for: a storage failure aborts the transaction under
// FailClosed and is otherwise logged and left verbatim; every other
// failure (unknown token, invalid PAN, crypto failure) is always left
// verbatim, distinguished only in which Event kind it reports.
func (a *Adapter) classifyFailure(err error, token string) (string, Event, bool, error) {
	switch {
	case errors.Is(err, vault.ErrStorageFailed):
		if a.failMode == FailClosed {
			return "", Event{}, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		a.logger.Warn("adapter: storage failed, failing open", "error", err)
		return "", Event{Kind: EventStorageFail, Token: token}, false, nil
	case errors.Is(err, vault.ErrCryptoFailed):
		a.logger.Error("adapter: crypto verification failed, leaving match verbatim", "error", err)
		return "", Event{Kind: EventCryptoFail, Token: token}, false, nil
	default:
		a.logger.Debug("adapter: match unresolved, leaving verbatim", "error", err)
		return "", Event{Kind: EventMiss, Token: token}, false, nil
	}
}

// rewriteJSONRedundancy walks keys named card_number, cardNumber, pan or
// creditCard at any depth (nested objects and arrays of objects alike) and
// resolves their string values directly, catching anything the raw-byte
// pass structurally could not (e.g. a PAN split across an escaped
// unicode sequence). Returns ok=false if the body does not parse as
// JSON, in which case the raw-byte pass result already stands.
func (a *Adapter) rewriteJSONRedundancy(ctx context.Context, body []byte, policy Policy) ([]byte, []Event, bool, error) {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return body, nil, false, nil
	}

	var events []Event
	changed, err := a.walkJSON(ctx, doc, policy, &events)
	if err != nil {
		return nil, nil, false, err
	}
	if !changed {
		return body, nil, false, nil
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return body, nil, false, nil
	}
	return out, events, true, nil
}

func (a *Adapter) walkJSON(ctx context.Context, node interface{}, policy Policy, events *[]Event) (bool, error) {
	changed := false
	switch v := node.(type) {
	case map[string]interface{}:
		for key, val := range v {
			if isRedundancyKey(key) {
				if s, ok := val.(string); ok {
					replaced, ev, resolved, err := a.resolveString(ctx, s, policy)
					if err != nil {
						return false, err
					}
					if ev.Kind != "" {
						*events = append(*events, ev)
					}
					if resolved {
						v[key] = replaced
						changed = true
						continue
					}
				}
			}
			childChanged, err := a.walkJSON(ctx, val, policy, events)
			if err != nil {
				return false, err
			}
			if childChanged {
				changed = true
			}
		}
	case []interface{}:
		for _, item := range v {
			childChanged, err := a.walkJSON(ctx, item, policy, events)
			if err != nil {
				return false, err
			}
			if childChanged {
				changed = true
			}
		}
	}
	return changed, nil
}

func (a *Adapter) resolveString(ctx context.Context, s string, policy Policy) (string, Event, bool, error) {
	switch policy {
	case PolicyTokenize:
		if !scanner.LuhnValid(s) {
			return "", Event{}, false, nil
		}
		token, err := a.resolver.Tokenize(ctx, s)
		if err != nil {
			return a.classifyFailure(err, s)
		}
		return token, Event{Kind: EventTokenize, Token: token}, true, nil
	case PolicyDetokenize:
		if !scanner.CanonicalToken(s) {
			return "", Event{}, false, nil
		}
		pan, err := a.resolver.Detokenize(ctx, s)
		if err != nil {
			return a.classifyFailure(err, s)
		}
		return pan, Event{Kind: EventDetokenize, Token: s}, true, nil
	default:
		return "", Event{}, false, nil
	}
}

func isRedundancyKey(key string) bool {
	for _, k := range jsonRedundancyKeys {
		if key == k {
			return true
		}
	}
	return false
}

// DirectionFor classifies an outgoing HTTP request as egress (detokenize)
// or ingress (tokenize) by matching host+path against the configured
// glob patterns, resolving spec.md's open question on REQMOD direction
// inference.
func DirectionFor(host, path string, egressPatterns []string) Policy {
	target := host + path
	for _, pattern := range egressPatterns {
		if globMatch(pattern, target) {
			return PolicyDetokenize
		}
	}
	return PolicyTokenize
}

// globMatch supports '*' wildcards (no '?', no character classes),
// sufficient for the Host+path glob patterns ICAP_EGRESS_PATTERNS
// configures.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	last := parts[len(parts)-1]
	return strings.HasSuffix(s, last)
}

// Validate confirms policy is one of the two known values, surfacing a
// descriptive error for any other int cast into Policy (e.g. from
// misconfigured wiring).
func Validate(p Policy) error {
	switch p {
	case PolicyTokenize, PolicyDetokenize:
		return nil
	default:
		return fmt.Errorf("adapter: unknown policy %d", p)
	}
}
