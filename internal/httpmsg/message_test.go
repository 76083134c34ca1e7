package httpmsg

import (
	"strings"
	"testing"
)

func TestParseRequestBasic(t *testing.T) {
	raw := "POST /charge HTTP/1.1\r\nHost: gateway.internal\r\nContent-Type: application/json\r\nContent-Length: 42\r\n\r\n"
	msg, err := ParseRequest([]byte(raw))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if !msg.IsRequest || msg.Method != "POST" || msg.URI != "/charge" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Host() != "gateway.internal" {
		t.Errorf("unexpected host: %s", msg.Host())
	}
	if msg.ContentType() != "application/json" {
		t.Errorf("unexpected content-type: %s", msg.ContentType())
	}
}

func TestParseResponseBasic(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\n"
	msg, err := ParseResponse([]byte(raw))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if msg.IsRequest || msg.StatusCode != 200 || msg.Reason != "OK" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParseRequestMalformedLine(t *testing.T) {
	if _, err := ParseRequest([]byte("not a request line\r\n\r\n")); err == nil {
		t.Error("expected error for malformed request line")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	msg := &Message{
		IsRequest: true,
		Method:    "GET",
		URI:       "/status",
		Version:   "HTTP/1.1",
	}
	msg.Header.Set("Host", "example.com")
	msg.Header.Set("Content-Length", "0")

	out := string(msg.Serialize())
	if !strings.HasPrefix(out, "GET /status HTTP/1.1\r\n") {
		t.Errorf("unexpected serialized start-line: %q", out)
	}
	if !strings.Contains(out, "Host: example.com\r\n") {
		t.Errorf("missing host header: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\n") {
		t.Errorf("missing trailing blank line: %q", out)
	}
}

func TestParseRequestPreservesHeaderOrderAndCasing(t *testing.T) {
	raw := "POST /charge HTTP/1.1\r\nX-Request-Id: abc\r\nhost: gateway.internal\r\nX-Request-Id: def\r\n\r\n"
	msg, err := ParseRequest([]byte(raw))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	pairs := msg.Header.Pairs()
	if len(pairs) != 3 {
		t.Fatalf("expected 3 header pairs preserved (including the duplicate), got %+v", pairs)
	}
	if pairs[0].Name != "X-Request-Id" || pairs[0].Value != "abc" {
		t.Errorf("unexpected first pair: %+v", pairs[0])
	}
	if pairs[1].Name != "host" || pairs[1].Value != "gateway.internal" {
		t.Errorf("expected original lowercase casing preserved, got %+v", pairs[1])
	}
	if pairs[2].Name != "X-Request-Id" || pairs[2].Value != "def" {
		t.Errorf("expected duplicate header preserved in original position, got %+v", pairs[2])
	}

	out := string(msg.Serialize())
	wantOrder := "X-Request-Id: abc\r\nhost: gateway.internal\r\nX-Request-Id: def\r\n"
	if !strings.Contains(out, wantOrder) {
		t.Errorf("serialized output did not preserve wire order/casing: %q", out)
	}
}

func TestHeaderSetOverwritesAndDel(t *testing.T) {
	var h Header
	h.Set("Content-Length", "10")
	h.Set("content-length", "20")
	v, ok := h.Get("CONTENT-LENGTH")
	if !ok || v != "20" {
		t.Fatalf("expected overwritten value 20, got %q ok=%v", v, ok)
	}
	h.Del("content-length")
	if _, ok := h.Get("Content-Length"); ok {
		t.Error("expected header to be deleted")
	}
}
