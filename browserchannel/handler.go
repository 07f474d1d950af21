// Copyright (c) 2013 Mathieu Turcotte
// Licensed under the MIT license.

package browserchannel

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ConnectFunc is invoked once per newly created session, before any
// forward-channel data from the client's opening POST has been
// delivered. It's the application's entry point to attach observers,
// enqueue an initial payload, or simply record the session for later
// Send calls.
type ConnectFunc func(*Session)

// Config carries a Handler's full configuration: the core protocol
// options from spec.md's EXTERNAL INTERFACES section plus the registry's
// admission-control knobs.
type Config struct {
	// Base is the URL prefix the Handler listens under, e.g. "/channel".
	// A leading slash is added and a trailing slash stripped if present.
	Base string
	// HostPrefixes, if non-empty, is the candidate set returned by
	// MODE=init; one entry is chosen uniformly at random per request.
	HostPrefixes []string

	KeepAliveInterval      time.Duration
	SessionTimeoutInterval time.Duration
	MaxBufferedOffsets     int

	NewSessionRateLimit float64
	NewSessionBurst     int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	sc := DefaultSessionConfig()
	rc := DefaultRegistryConfig()
	return Config{
		Base:                   "/channel",
		KeepAliveInterval:      sc.KeepAliveInterval,
		SessionTimeoutInterval: sc.SessionTimeoutInterval,
		MaxBufferedOffsets:     sc.MaxBufferedOffsets,
		NewSessionRateLimit:    float64(rc.NewSessionRateLimit),
		NewSessionBurst:        rc.NewSessionBurst,
	}
}

func (c Config) normalizedBase() string {
	base := c.Base
	if base == "" {
		base = "/channel"
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}

// Handler is an http.Handler implementing the BrowserChannel /test and
// /bind endpoints under Config.Base, delegating anything else to
// Fallback (or responding 404 if Fallback is nil and the path isn't
// beneath Base at all).
type Handler struct {
	base         string
	hostPrefixes []string
	registry     *Registry
	onConnect    ConnectFunc
	log          *zap.SugaredLogger
	Fallback     http.Handler
}

// NewHandler builds a Handler. onConnect may be nil. clock and log may be
// nil, in which case RealClock and a no-op logger are used.
func NewHandler(cfg Config, onConnect ConnectFunc, clock Clock, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	regCfg := RegistryConfig{
		Session: SessionConfig{
			KeepAliveInterval:      cfg.KeepAliveInterval,
			SessionTimeoutInterval: cfg.SessionTimeoutInterval,
			MaxBufferedOffsets:     cfg.MaxBufferedOffsets,
		},
		NewSessionRateLimit: rate.Limit(cfg.NewSessionRateLimit),
		NewSessionBurst:     cfg.NewSessionBurst,
	}
	return &Handler{
		base:         cfg.Base,
		hostPrefixes: cfg.HostPrefixes,
		registry:     NewRegistry(regCfg, clock, log),
		onConnect:    onConnect,
		log:          log,
	}
}

// Registry exposes the Handler's session registry, e.g. for metrics
// registration or administrative session enumeration.
func (h *Handler) Registry() *Registry { return h.registry }

// BasePath returns the normalized base path (e.g. "/channel") this
// Handler expects to be mounted under, for embedders that mount it onto
// a router rather than serving it directly.
func (h *Handler) BasePath() string { return Config{Base: h.base}.normalizedBase() }

func (h *Handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	base := Config{Base: h.base}.normalizedBase()
	path := r.URL.Path

	if path != base && !strings.HasPrefix(path, base+"/") {
		if h.Fallback != nil {
			h.Fallback.ServeHTTP(rw, r)
			return
		}
		http.NotFound(rw, r)
		return
	}

	sub := strings.TrimPrefix(path, base)
	sub = strings.TrimPrefix(sub, "/")

	switch sub {
	case "test":
		h.serveTest(rw, r)
	case "bind":
		h.serveBind(rw, r)
	default:
		http.NotFound(rw, r)
	}
}

func requireVersion8(rw http.ResponseWriter, r *http.Request) bool {
	if r.URL.Query().Get("VER") != "8" {
		http.Error(rw, "Version 8 required", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) serveTest(rw http.ResponseWriter, r *http.Request) {
	if !requireVersion8(rw, r) {
		return
	}
	q := r.URL.Query()

	if q.Get("MODE") == "init" {
		h.serveTestInit(rw)
		return
	}

	framing := ParseFramingType(q.Get("TYPE"))
	domain := q.Get("DOMAIN")
	w := newBackChannelWriter(rw, framing, domain)

	w.writeHead()
	w.writeRaw("11111")
	w.flush()

	// The 2-second gap lets clients distinguish a buffering proxy (which
	// delays delivery of the first chunk until the response completes)
	// from a clean path. net/http already serves this request on its own
	// goroutine, so a direct sleep here doesn't block anything else.
	time.Sleep(2 * time.Second)

	w.writeRaw("2")
	w.end()
}

func (h *Handler) serveTestInit(rw http.ResponseWriter) {
	var hostPrefix any
	if len(h.hostPrefixes) > 0 {
		hostPrefix = h.hostPrefixes[rand.Intn(len(h.hostPrefixes))]
	}

	rw.Header().Set("X-Accept", "application/json; application/x-www-form-urlencoded")
	rw.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(rw, "[%s,null]", jsonQuoteOrNull(hostPrefix))
}

func jsonQuoteOrNull(v any) string {
	if v == nil {
		return "null"
	}
	s, _ := v.(string)
	b := strings.Builder{}
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

func (h *Handler) serveBind(rw http.ResponseWriter, r *http.Request) {
	if !requireVersion8(rw, r) {
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.serveBindPost(rw, r)
	case http.MethodGet:
		h.serveBindGet(rw, r)
	default:
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) serveBindPost(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid := q.Get("SID")

	if sid == "" {
		h.serveBindPostNewSession(rw, r, q)
		return
	}

	s, ok := h.registry.Lookup(sid)
	if !ok {
		http.Error(rw, ErrUnknownSID.Error(), http.StatusBadRequest)
		return
	}

	if aid := q.Get("AID"); aid != "" {
		if n, err := strconv.Atoi(aid); err == nil {
			s.AcknowledgedArrays(n)
		}
	}

	batch, err := decodeForwardPayload(rw, r)
	if err != nil {
		http.Error(rw, "Bad data", http.StatusBadRequest)
		return
	}
	if batch != nil {
		s.ReceivedData(batch.offset, *batch)
	}

	backPresent := 0
	if s.HasBackChannel() {
		backPresent = 1
	}
	body := fmt.Sprintf("[%d,%d,%d]", backPresent, s.LastSentArrayID(), s.OutstandingBytes())
	writeLengthPrefixedJSON(rw, body)
}

func (h *Handler) serveBindPostNewSession(rw http.ResponseWriter, r *http.Request, q map[string][]string) {
	getQ := func(k string) string {
		if v, ok := q[k]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}

	if osid := getQ("OSID"); osid != "" {
		if old, ok := h.registry.Lookup(osid); ok {
			if oaid := getQ("OAID"); oaid != "" {
				if n, err := strconv.Atoi(oaid); err == nil {
					old.AcknowledgedArrays(n)
				}
			}
			old.Close("Reconnected")
		}
	}

	hostPrefix := ""
	if len(h.hostPrefixes) > 0 {
		hostPrefix = h.hostPrefixes[rand.Intn(len(h.hostPrefixes))]
	}

	var obs SessionObserver
	s, err := h.registry.Create(r.RemoteAddr, getQ("CVER"), hostPrefix, obs, nil)
	if err != nil {
		if errors.Is(err, ErrTooManySessions) {
			http.Error(rw, "Too many sessions", http.StatusTooManyRequests)
			return
		}
		h.log.Errorw("failed to create session", "error", err)
		http.Error(rw, "Internal error", http.StatusInternalServerError)
		return
	}

	s.Send([]any{"c", s.ID(), nullable(hostPrefix), SupportedProtocolVersion}, nil)

	if h.onConnect != nil {
		h.onConnect(s)
	}

	batch, err := decodeForwardPayload(rw, r)
	if err != nil {
		http.Error(rw, "Bad data", http.StatusBadRequest)
		return
	}
	if batch != nil {
		s.ReceivedData(batch.offset, *batch)
	}

	w := newBackChannelWriter(rw, FramingXHR, "")
	if _, err := s.SetBackChannel(w, FramingXHR, false, "rpc"); err != nil {
		h.log.Errorw("failed to bind initial back channel", "error", err, "session_id", s.ID())
		return
	}
	s.FlushNow()
	s.markOK()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (h *Handler) serveBindGet(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid := q.Get("SID")
	if sid == "" {
		http.Error(rw, ErrUnknownSID.Error(), http.StatusBadRequest)
		return
	}
	s, ok := h.registry.Lookup(sid)
	if !ok {
		http.Error(rw, ErrUnknownSID.Error(), http.StatusBadRequest)
		return
	}

	if aid := q.Get("AID"); aid != "" {
		if n, err := strconv.Atoi(aid); err == nil {
			s.AcknowledgedArrays(n)
		}
	}

	framing := ParseFramingType(q.Get("TYPE"))
	domain := q.Get("DOMAIN")
	w := newBackChannelWriter(rw, framing, domain)
	w.writeHead()

	chunked := q.Get("CI") == "0"
	done, err := s.SetBackChannel(w, framing, chunked, q.Get("RID"))
	if err != nil {
		w.writeError(http.StatusBadRequest, err.Error())
		return
	}

	// Block the handler goroutine for as long as this binding is live: an
	// http.Handler returning finalizes its ResponseWriter, which would
	// otherwise terminate the long poll the instant it starts.
	select {
	case <-done:
	case <-r.Context().Done():
		s.ClearBackChannel(w)
	}
}

func writeLengthPrefixedJSON(rw http.ResponseWriter, body string) {
	setProtocolHeaders(rw, FramingXHR)
	fmt.Fprintf(rw, "%d\n%s", len([]byte(body)), body)
	if f, ok := rw.(flusher); ok {
		f.Flush()
	}
}
