package icap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/ppomes/tokenshield/internal/adapter"
	"github.com/ppomes/tokenshield/internal/httpmsg"
	"github.com/ppomes/tokenshield/internal/scanner"
	"github.com/ppomes/tokenshield/internal/security"
)

const (
	istag          = `"TokenShield-1.0"`
	serviceName    = "TokenShield"
	optionsTTL     = 3600
	maxConnections = 100
)

// AuditSink receives one Event per resolved or missed match, for the
// caller to persist as a TokenEvent.
type AuditSink interface {
	Record(ctx context.Context, ev adapter.Event, sourceAddr, destinationURL string, httpStatus int)
}

// Handler drives the per-connection ICAP state machine: it owns the
// Adapter and the egress-pattern table, and is shared (read-only after
// construction) across all connections the Server accepts.
type Handler struct {
	Adapter        *adapter.Adapter
	EgressPatterns []string
	MaxBody        int64
	Deadline       time.Duration
	Audit          AuditSink
	Logger         *slog.Logger
}

// Serve runs the state machine for one persistent ICAP connection until
// the client disconnects or a protocol/timeout error forces a close.
// IDLE -> PARSE_ICAP_HDRS -> READ_ENCAP -> READ_CHUNKS -> ADAPT -> IDLE,
// matching the connection state machine: each loop iteration is one
// request-response pair; conn.Close() on return is the terminal CLOSE
// state.
func (h *Handler) Serve(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			h.logger().Error("icap: panic in connection handler, closing", "panic", r, "remote", conn.RemoteAddr())
		}
	}()
	reader := bufio.NewReader(conn)
	remote := conn.RemoteAddr().String()
	connID := security.NewCorrelationID()

	for {
		if h.Deadline > 0 {
			_ = conn.SetDeadline(time.Now().Add(h.Deadline))
		}

		req, err := ReadRequest(reader)
		if err != nil {
			if isClientClosed(err) {
				return
			}
			h.writeStatus(conn, 400, "Bad Request")
			return
		}

		txID := security.NewCorrelationID()
		ctx := context.Background()
		start := time.Now()
		err = h.handleOne(ctx, conn, reader, req, remote)
		h.logger().Info("icap_transaction",
			"cid", connID, "tx", txID, "method", req.Method, "remote", remote,
			"duration_ms", time.Since(start).Milliseconds(), "error", errString(err))
		if err != nil {
			var timeoutErr net.Error
			if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
				h.writeStatus(conn, 408, "Request Timeout")
				return
			}
			if errors.Is(err, ErrMalformed) {
				h.writeStatus(conn, 400, "Bad Request")
				return
			}
			h.logger().Warn("icap: connection error, closing", "error", err, "remote", remote)
			return
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (h *Handler) handleOne(ctx context.Context, conn net.Conn, reader *bufio.Reader, req *Request, remote string) error {
	switch req.Method {
	case "OPTIONS":
		h.writeOptions(conn)
		return nil
	case "REQMOD", "RESPMOD":
		return h.handleMod(ctx, conn, reader, req, remote)
	default:
		h.writeStatus(conn, 400, "Bad Request")
		return nil
	}
}

func (h *Handler) handleMod(ctx context.Context, conn net.Conn, reader *bufio.Reader, req *Request, remote string) error {
	if req.HasNullBody() {
		h.writeStatus(conn, 204, "No Content")
		return h.drainHeaderOnly(reader, req)
	}

	headerBytes, err := h.readHeaderSection(reader, req)
	if err != nil {
		return err
	}

	isRequest := req.Method == "REQMOD"
	var httpMsg *httpmsg.Message
	if isRequest {
		httpMsg, err = httpmsg.ParseRequest(headerBytes)
	} else {
		httpMsg, err = httpmsg.ParseResponse(headerBytes)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	policy := h.policyFor(req.Method, httpMsg)

	var result *adapter.Result
	if _, ok := req.PreviewSize(); ok {
		body, perr := h.readWithPreview(conn, reader, httpMsg)
		if perr == errPreviewDeclined {
			h.writeStatus(conn, 204, "No Content")
			return nil
		}
		if perr != nil {
			return perr
		}
		result, err = h.Adapter.Adapt(ctx, body, httpMsg.ContentType(), policy)
	} else {
		result, err = h.adaptChunked(ctx, reader, httpMsg.ContentType(), policy)
	}
	if errors.Is(err, adapter.ErrStorageUnavailable) {
		h.writeStatus(conn, 500, "Internal Server Error")
		return nil
	}
	if err != nil {
		return err
	}

	for _, ev := range result.Events {
		if h.Audit != nil {
			h.Audit.Record(ctx, ev, remote, httpMsg.Host()+httpMsg.URI, 0)
		}
	}

	if !result.Changed {
		h.writeStatus(conn, 204, "No Content")
		return nil
	}

	adapter.AdjustContentLength(httpMsg, len(result.Body))
	return h.writeAdapted(conn, isRequest, httpMsg, result.Body)
}

// adaptChunked reads a non-preview chunked body and adapts it. A body
// that fits within MaxBody arrives as a single window and takes the
// existing single-buffer Adapt path unchanged, including the JSON
// top-level-key redundancy pass. A body larger than MaxBody streams
// through in bounded windows (ReadChunkedWindowed / Adapter.AdaptWindow)
// instead of being rejected outright, per spec.md's large-body path;
// the redundancy pass is skipped for those since it needs the whole
// parsed document.
func (h *Handler) adaptChunked(ctx context.Context, reader *bufio.Reader, contentType string, policy adapter.Policy) (*adapter.Result, error) {
	var whole []byte
	var state *adapter.StreamState
	var streamed []byte
	var events []adapter.Event
	changed := false

	err := ReadChunkedWindowed(reader, int(h.MaxBody), func(window []byte, final bool) error {
		if state == nil && final {
			whole = window
			return nil
		}
		if state == nil {
			state = &adapter.StreamState{}
		}
		out, evs, winChanged, err := h.Adapter.AdaptWindow(ctx, state, window, contentType, policy, final)
		if err != nil {
			return err
		}
		streamed = append(streamed, out...)
		events = append(events, evs...)
		if winChanged {
			changed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if state == nil {
		return h.Adapter.Adapt(ctx, whole, contentType, policy)
	}
	return &adapter.Result{Body: streamed, Changed: changed, Events: events}, nil
}

// policyFor implements the REQMOD-direction open question: RESPMOD is
// always a detokenize (responses flow back toward the client/merchant
// app and must show real PANs); REQMOD direction depends on whether the
// destination matches an egress pattern.
func (h *Handler) policyFor(method string, msg *httpmsg.Message) adapter.Policy {
	if method == "RESPMOD" {
		return adapter.PolicyDetokenize
	}
	return adapter.DirectionFor(msg.Host(), msg.URI, h.EgressPatterns)
}

// errPreviewDeclined signals that the preview bytes contained nothing
// worth adapting and the caller already needs to respond 204.
var errPreviewDeclined = errors.New("icap: preview declined")

// readWithPreview reads the preview-sized body section and, unless the
// client already marked it complete (ieof), decides whether to request
// the remainder. JSON bodies always require the full body since a
// truncated document cannot be scanned reliably; other content types
// are scanned as-is and skipped with errPreviewDeclined when the
// preview carries no candidate matches.
func (h *Handler) readWithPreview(conn net.Conn, reader *bufio.Reader, msg *httpmsg.Message) ([]byte, error) {
	preview, final, err := ReadPreview(reader, h.MaxBody)
	if err != nil {
		return nil, err
	}
	if final {
		return preview, nil
	}

	contentType := msg.ContentType()
	isJSON := len(contentType) >= 16 && contentType[:16] == "application/json"
	if !isJSON && len(scanner.Scan(preview)) == 0 {
		return nil, errPreviewDeclined
	}

	fmt.Fprintf(conn, "ICAP/1.0 100 Continue\r\n\r\n")
	rest, err := ReadChunked(reader, h.MaxBody-int64(len(preview)))
	if err != nil {
		return nil, err
	}
	return append(preview, rest...), nil
}

// readHeaderSection reads exactly the byte range the Encapsulated header
// says the HTTP header block occupies (from its start offset, which is
// always 0, to the next section's offset).
func (h *Handler) readHeaderSection(reader *bufio.Reader, req *Request) ([]byte, error) {
	offsets := sortedOffsets(req.Encapsulated)
	if len(offsets) == 0 {
		return nil, fmt.Errorf("%w: missing Encapsulated header", ErrMalformed)
	}
	headerLen := offsets[0].offset
	if len(offsets) > 1 {
		headerLen = offsets[1].offset
	}
	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// drainHeaderOnly consumes the header-only bytes of a null-body request
// (there is no chunked body to follow).
func (h *Handler) drainHeaderOnly(reader *bufio.Reader, req *Request) error {
	n, ok := req.Encapsulated["null-body"]
	if !ok {
		return nil
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(reader, buf)
	return err
}

type offsetEntry struct {
	name   string
	offset int
}

func sortedOffsets(enc map[string]int) []offsetEntry {
	out := make([]offsetEntry, 0, len(enc))
	for name, off := range enc {
		out = append(out, offsetEntry{name, off})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].offset < out[j].offset })
	return out
}

func (h *Handler) writeOptions(w io.Writer) {
	fmt.Fprintf(w, "ICAP/1.0 200 OK\r\n")
	fmt.Fprintf(w, "Methods: REQMOD, RESPMOD\r\n")
	fmt.Fprintf(w, "Service: %s\r\n", serviceName)
	fmt.Fprintf(w, "ISTag: %s\r\n", istag)
	fmt.Fprintf(w, "Preview: 0\r\n")
	fmt.Fprintf(w, "Transfer-Preview: *\r\n")
	fmt.Fprintf(w, "Transfer-Ignore: jpg,jpeg,gif,png,swf,flv,pdf,mp3,mp4,zip\r\n")
	fmt.Fprintf(w, "Transfer-Complete: *\r\n")
	fmt.Fprintf(w, "Max-Connections: %d\r\n", maxConnections)
	fmt.Fprintf(w, "Options-TTL: %d\r\n", optionsTTL)
	fmt.Fprintf(w, "\r\n")
}

func (h *Handler) writeStatus(w io.Writer, code int, reason string) {
	fmt.Fprintf(w, "ICAP/1.0 %d %s\r\n", code, reason)
	fmt.Fprintf(w, "ISTag: %s\r\n", istag)
	fmt.Fprintf(w, "\r\n")
}

func (h *Handler) writeAdapted(w io.Writer, isRequest bool, msg *httpmsg.Message, body []byte) error {
	headerBytes := msg.Serialize()

	var encapsulated string
	if isRequest {
		encapsulated = fmt.Sprintf("req-hdr=0, req-body=%d", len(headerBytes))
	} else {
		encapsulated = fmt.Sprintf("res-hdr=0, res-body=%d", len(headerBytes))
	}

	fmt.Fprintf(w, "ICAP/1.0 200 OK\r\n")
	fmt.Fprintf(w, "ISTag: %s\r\n", istag)
	fmt.Fprintf(w, "Encapsulated: %s\r\n", encapsulated)
	fmt.Fprintf(w, "\r\n")

	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	return WriteChunked(w, body)
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func isClientClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
