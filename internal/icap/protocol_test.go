package icap

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestReadRequestParsesOptionsLine(t *testing.T) {
	raw := "OPTIONS icap://example.com/reqmod ICAP/1.0\r\nHost: example.com\r\nEncapsulated: null-body=0\r\n\r\n"
	req, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.Method != "OPTIONS" || req.URI != "icap://example.com/reqmod" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if got := req.Header.Get("Host"); got != "example.com" {
		t.Errorf("unexpected host header: %q", got)
	}
	if !req.HasNullBody() {
		t.Error("expected null-body true")
	}
}

func TestReadRequestRejectsMalformedLine(t *testing.T) {
	_, err := ReadRequest(bufio.NewReader(strings.NewReader("garbage\r\n\r\n")))
	if err == nil {
		t.Error("expected error for malformed request line")
	}
}

func TestParseEncapsulatedOffsets(t *testing.T) {
	req := &Request{Header: textHeader{}}
	req.Header.Set("Encapsulated", "req-hdr=0, req-body=231")
	enc, err := parseEncapsulated(req.Header.Get("Encapsulated"))
	if err != nil {
		t.Fatalf("parseEncapsulated: %v", err)
	}
	if enc["req-hdr"] != 0 || enc["req-body"] != 231 {
		t.Fatalf("unexpected offsets: %+v", enc)
	}
}

func TestReadChunkedSingleChunk(t *testing.T) {
	raw := "1a\r\n{\"amount\":\"99.99\"}xxxxxxxx\r\n0\r\n\r\n"
	body, err := ReadChunked(bufio.NewReader(strings.NewReader(raw)), 1<<20)
	if err != nil {
		t.Fatalf("ReadChunked: %v", err)
	}
	if len(body) != 0x1a {
		t.Fatalf("expected %d bytes, got %d", 0x1a, len(body))
	}
}

func TestReadChunkedRejectsOversizedBody(t *testing.T) {
	raw := "10\r\n0123456789abcdef\r\n0\r\n\r\n"
	_, err := ReadChunked(bufio.NewReader(strings.NewReader(raw)), 4)
	if err == nil {
		t.Error("expected oversized body to be rejected")
	}
}

func TestReadPreviewDetectsIEOF(t *testing.T) {
	raw := "5\r\nhello\r\n0; ieof\r\n\r\n"
	preview, final, err := ReadPreview(bufio.NewReader(strings.NewReader(raw)), 1<<20)
	if err != nil {
		t.Fatalf("ReadPreview: %v", err)
	}
	if !final {
		t.Error("expected ieof to be detected")
	}
	if string(preview) != "hello" {
		t.Errorf("unexpected preview bytes: %q", preview)
	}
}

func TestReadChunkedWindowedSplitsOnFirstWindowThreshold(t *testing.T) {
	raw := "5\r\nabcde\r\n5\r\nfghij\r\n5\r\nklmno\r\n0\r\n\r\n"

	var windows []string
	var finals []bool
	err := ReadChunkedWindowed(bufio.NewReader(strings.NewReader(raw)), 10, func(window []byte, final bool) error {
		windows = append(windows, string(window))
		finals = append(finals, final)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadChunkedWindowed: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d: %+v", len(windows), windows)
	}
	if windows[0] != "abcdefghij" || finals[0] {
		t.Errorf("unexpected first window: %q final=%v", windows[0], finals[0])
	}
	if windows[1] != "klmno" || !finals[1] {
		t.Errorf("unexpected final window: %q final=%v", windows[1], finals[1])
	}
}

func TestWriteChunkedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteChunked(&buf, []byte("payload")); err != nil {
		t.Fatalf("WriteChunked: %v", err)
	}
	body, err := ReadChunked(bufio.NewReader(&buf), 1<<20)
	if err != nil {
		t.Fatalf("ReadChunked: %v", err)
	}
	if string(body) != "payload" {
		t.Errorf("unexpected round-trip body: %q", body)
	}
}
