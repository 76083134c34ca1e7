package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ppomes/tokenshield/internal/vault"
)

type fakeResolver struct {
	tokens      map[string]string // pan -> token
	pans        map[string]string // token -> pan
	failStorage bool
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{tokens: map[string]string{}, pans: map[string]string{}}
}

func (f *fakeResolver) Tokenize(ctx context.Context, pan string) (string, error) {
	if f.failStorage {
		return "", fmt.Errorf("%w: connection refused", vault.ErrStorageFailed)
	}
	if tok, ok := f.tokens[pan]; ok {
		return tok, nil
	}
	tok := "tok_" + pan
	f.tokens[pan] = tok
	f.pans[tok] = pan
	return tok, nil
}

func (f *fakeResolver) Detokenize(ctx context.Context, token string) (string, error) {
	if pan, ok := f.pans[token]; ok {
		return pan, nil
	}
	return "", errors.New("unknown token")
}

func padToken(core string) string {
	for len(core) < 43 {
		core += "x"
	}
	return core[:43]
}

func TestAdaptTokenizesJSONBody(t *testing.T) {
	r := newFakeResolver()
	a := New(r, nil, FailOpen, nil)

	body := []byte(`{"card_number":"4532015112830366","amount":"99.99"}`)
	res, err := a.Adapt(context.Background(), body, "application/json", PolicyTokenize)
	if err != nil {
		t.Fatalf("Adapt: %v", err)
	}
	if !res.Changed {
		t.Fatal("expected body to change")
	}
	if contains(res.Body, "4532015112830366") {
		t.Errorf("PAN leaked into output: %s", res.Body)
	}
	if len(res.Events) == 0 || res.Events[0].Kind != EventTokenize {
		t.Errorf("expected a tokenize event, got %+v", res.Events)
	}
}

func TestAdaptNoMatchesLeavesBodyUnchanged(t *testing.T) {
	r := newFakeResolver()
	a := New(r, nil, FailOpen, nil)

	body := []byte(`{"amount":"99.99","note":"no card here"}`)
	res, err := a.Adapt(context.Background(), body, "application/json", PolicyTokenize)
	if err != nil {
		t.Fatalf("Adapt: %v", err)
	}
	if res.Changed {
		t.Error("expected no change")
	}
	if string(res.Body) != string(body) {
		t.Error("expected byte-identical body")
	}
}

func TestAdaptBinaryBypass(t *testing.T) {
	r := newFakeResolver()
	a := New(r, nil, FailOpen, nil)

	body := []byte("4532015112830366")
	res, err := a.Adapt(context.Background(), body, "image/png", PolicyTokenize)
	if err != nil {
		t.Fatalf("Adapt: %v", err)
	}
	if res.Changed {
		t.Error("expected binary content type to bypass scanning")
	}
}

func TestAdaptUnresolvedTokenLeftVerbatim(t *testing.T) {
	r := newFakeResolver()
	a := New(r, nil, FailOpen, nil)

	token := "tok_" + padToken("doesnotexist")
	body := []byte(`{"card_number":"` + token + `"}`)
	res, err := a.Adapt(context.Background(), body, "application/json", PolicyDetokenize)
	if err != nil {
		t.Fatalf("Adapt: %v", err)
	}
	if res.Changed {
		t.Error("expected unresolved token to leave body unchanged")
	}
}

func TestAdaptDetokenizeRawBody(t *testing.T) {
	r := newFakeResolver()
	a := New(r, nil, FailOpen, nil)

	tok := "tok_" + padToken("known")
	r.pans[tok] = "4532015112830366"

	body := []byte(`plain text containing ` + tok + ` trailing`)
	res, err := a.Adapt(context.Background(), body, "text/plain", PolicyDetokenize)
	if err != nil {
		t.Fatalf("Adapt: %v", err)
	}
	if !res.Changed {
		t.Fatal("expected token to be resolved and body changed")
	}
	if contains(res.Body, tok) {
		t.Error("expected token to be replaced")
	}
	if !contains(res.Body, "4532015112830366") {
		t.Error("expected resolved PAN in output")
	}
}

func TestAdaptFailClosedAbortsOnStorageFailure(t *testing.T) {
	r := newFakeResolver()
	r.failStorage = true
	a := New(r, nil, FailClosed, nil)

	body := []byte(`{"card_number":"4532015112830366"}`)
	_, err := a.Adapt(context.Background(), body, "application/json", PolicyTokenize)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestAdaptFailOpenLeavesBodyUnchangedOnStorageFailure(t *testing.T) {
	r := newFakeResolver()
	r.failStorage = true
	a := New(r, nil, FailOpen, nil)

	body := []byte(`{"card_number":"4532015112830366"}`)
	res, err := a.Adapt(context.Background(), body, "application/json", PolicyTokenize)
	if err != nil {
		t.Fatalf("Adapt: %v", err)
	}
	if res.Changed {
		t.Error("expected body unchanged when storage fails open")
	}
	if len(res.Events) == 0 || res.Events[0].Kind != EventStorageFail {
		t.Errorf("expected a storage_fail event, got %+v", res.Events)
	}
}

func TestAdaptWindowCarriesOverSplitPAN(t *testing.T) {
	r := newFakeResolver()
	a := New(r, nil, FailOpen, nil)

	pan := "4532015112830366"
	prefix := "aaaaaaaaaa"        // 10 bytes
	middle := "bbbbbb"            // 6 bytes, after the PAN
	window1 := prefix + pan[:16]  // PAN lands at offset 10..26 of a 32-byte window
	window1 += "bbbbbb"[:32-len(window1)]

	state := &StreamState{}
	out1, _, changed1, err := a.AdaptWindow(context.Background(), state, []byte(window1), "text/plain", PolicyTokenize, false)
	if err != nil {
		t.Fatalf("AdaptWindow window1: %v", err)
	}
	if changed1 {
		t.Errorf("expected window1 to report unchanged (the PAN straddles the boundary): %q", out1)
	}
	if string(out1) != prefix {
		t.Errorf("expected window1 to emit only the unambiguous prefix, got %q", out1)
	}
	if len(state.carry) == 0 {
		t.Fatal("expected the straddling PAN to be carried into the next window")
	}

	out2, events2, changed2, err := a.AdaptWindow(context.Background(), state, nil, "text/plain", PolicyTokenize, true)
	if err != nil {
		t.Fatalf("AdaptWindow window2: %v", err)
	}
	if !changed2 {
		t.Error("expected the final window to report the carried-over PAN as changed")
	}
	if !contains(out2, "tok_") {
		t.Errorf("expected the carried-over PAN to be tokenized, got %q", out2)
	}
	if !strings.HasSuffix(string(out2), middle) {
		t.Errorf("expected trailing bytes after the PAN to survive, got %q", out2)
	}
	if len(events2) == 0 || events2[0].Kind != EventTokenize {
		t.Errorf("expected a tokenize event once the full PAN arrived, got %+v", events2)
	}
}

func TestDirectionForMatchesEgressGlob(t *testing.T) {
	patterns := []string{"gateway.example.com/*", "*.billing.internal/*"}
	if DirectionFor("gateway.example.com", "/charge", patterns) != PolicyDetokenize {
		t.Error("expected egress match to select detokenize")
	}
	if DirectionFor("internal-app.local", "/orders", patterns) != PolicyTokenize {
		t.Error("expected non-matching host to select tokenize")
	}
}

func contains(body []byte, s string) bool {
	return len(s) > 0 && indexOf(body, s) >= 0
}

func indexOf(body []byte, s string) int {
	for i := 0; i+len(s) <= len(body); i++ {
		if string(body[i:i+len(s)]) == s {
			return i
		}
	}
	return -1
}
