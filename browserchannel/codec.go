package browserchannel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// FramingType selects the wire framing used for a back channel or /test
// phase-2 response.
type FramingType int

const (
	// FramingXHR is the length-prefixed, plain-text JSON framing used by
	// XMLHttpRequest-capable clients. It's the default when TYPE is unset
	// or "xmlhttp".
	FramingXHR FramingType = iota
	// FramingHTML is the <script>-tag-in-an-iframe framing used by
	// legacy browsers. Selected by TYPE=html.
	FramingHTML
)

// ParseFramingType maps a TYPE query value to a FramingType. Any value
// other than "html" yields FramingXHR.
func ParseFramingType(s string) FramingType {
	if s == "html" {
		return FramingHTML
	}
	return FramingXHR
}

func (t FramingType) contentType() string {
	if t == FramingHTML {
		return "text/html"
	}
	return "text/plain"
}

// ieJunk is the ~400-byte padding blob written after the first HTML-framed
// write to defeat proxy/browser read-buffering. The exact bytes don't
// matter to the protocol, only the length and that it's sent exactly
// once.
var ieJunk = strings.Repeat("x", 400)

var protocolHeaders = map[string]string{
	"Cache-Control":          "no-cache, no-store, max-age=0, must-revalidate",
	"Expires":                "Fri, 01 Jan 1990 00:00:00 GMT",
	"X-Content-Type-Options": "nosniff",
	"Pragma":                 "no-cache",
}

func setProtocolHeaders(rw http.ResponseWriter, framing FramingType) {
	h := rw.Header()
	for k, v := range protocolHeaders {
		h.Set(k, v)
	}
	h.Set("Content-Type", framing.contentType())
}

// backChannelWriter is the common contract the session state machine
// writes to, regardless of wire framing. Each method must be safe to call
// only from the session's owning goroutine/lock -- the writer itself adds
// no synchronization.
type backChannelWriter interface {
	// writeHead emits any framing preamble (no-op for XHR, <html><body>
	// plus the optional domain script for HTML).
	writeHead()
	// write emits one payload (a JSON-encodable array stream chunk or raw
	// test-phase string) framed for the wire.
	write(payload string) error
	// writeRaw emits payload without the XHR length prefix (the HTML
	// writer still wraps it in a parent.m script) -- used only by the
	// /test phase-2 handshake.
	writeRaw(payload string) error
	// end emits any framing postamble and flushes.
	end()
	// writeError sends an out-of-band error to the client in a framing
	// the client's channel request parser understands.
	writeError(code int, msg string)
	// flush forces buffered bytes to the network, where supported.
	flush()
}

type flusher interface {
	Flush()
}

// xhrWriter implements backChannelWriter for FramingXHR: length-prefixed
// JSON lines, "text/plain".
type xhrWriter struct {
	rw http.ResponseWriter
}

func newXHRWriter(rw http.ResponseWriter) *xhrWriter {
	return &xhrWriter{rw: rw}
}

func (w *xhrWriter) writeHead() {}

func (w *xhrWriter) write(payload string) error {
	_, err := fmt.Fprintf(w.rw, "%d\n%s", len([]byte(payload)), payload)
	w.flush()
	return err
}

func (w *xhrWriter) writeRaw(payload string) error {
	_, err := fmt.Fprint(w.rw, payload)
	w.flush()
	return err
}

func (w *xhrWriter) end() {
	w.flush()
}

func (w *xhrWriter) writeError(code int, msg string) {
	http.Error(w.rw, msg, code)
}

func (w *xhrWriter) flush() {
	if f, ok := w.rw.(flusher); ok {
		f.Flush()
	}
}

// htmlWriter implements backChannelWriter for FramingHTML: an HTML
// document whose body is a stream of <script> tags that call back into
// the hosting iframe's parent window.
type htmlWriter struct {
	rw         http.ResponseWriter
	domain     string
	wroteFirst bool
}

func newHTMLWriter(rw http.ResponseWriter, domain string) *htmlWriter {
	return &htmlWriter{rw: rw, domain: domain}
}

func (w *htmlWriter) writeHead() {
	fmt.Fprint(w.rw, "<html><body>")
	if w.domain != "" {
		encoded, _ := json.Marshal(w.domain)
		fmt.Fprintf(w.rw, "<script>try {document.domain=%s;} catch(e) {}</script>\n", encoded)
	}
	w.flush()
}

func (w *htmlWriter) write(payload string) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w.rw, "<script>try {parent.m(%s)} catch(e) {}</script>\n", encoded)
	if !w.wroteFirst {
		w.wroteFirst = true
		fmt.Fprint(w.rw, ieJunk)
	}
	w.flush()
	return err
}

func (w *htmlWriter) writeRaw(payload string) error {
	return w.write(payload)
}

func (w *htmlWriter) end() {
	fmt.Fprint(w.rw, "<script>try  {parent.d(); }catch (e){}</script>\n")
	w.flush()
}

func (w *htmlWriter) writeError(code int, msg string) {
	encoded, _ := json.Marshal(msg)
	w.rw.WriteHeader(http.StatusOK)
	fmt.Fprintf(w.rw, "<script>try {parent.rpcClose(%s)} catch(e){}</script>", encoded)
	w.flush()
	_ = code // status is always 200 on the wire per spec; code kept for callers' logging
}

func (w *htmlWriter) flush() {
	if f, ok := w.rw.(flusher); ok {
		f.Flush()
	}
}

// newBackChannelWriter builds the writer for the requested framing and
// sets protocol headers. It does not write the framing head; callers do
// that with writeHead.
func newBackChannelWriter(rw http.ResponseWriter, framing FramingType, domain string) backChannelWriter {
	setProtocolHeaders(rw, framing)
	var w backChannelWriter
	if framing == FramingHTML {
		w = newHTMLWriter(rw, domain)
	} else {
		w = newXHRWriter(rw)
	}
	return w
}
