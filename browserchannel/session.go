package browserchannel

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionState is a Session's position in its init -> ok -> closed
// lifecycle. The zero value is StateInit.
type SessionState int

const (
	StateInit SessionState = iota
	StateOK
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOK:
		return "ok"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SentFunc is invoked once an array has been written to a back channel
// (not necessarily acknowledged).
type SentFunc func()

// ConfirmedFunc is invoked once an array has been acknowledged by the
// client (err == nil), or once the session closes with it still
// unacknowledged (err != nil).
type ConfirmedFunc func(err error)

// SessionObserver receives session lifecycle and message events. All
// methods are called synchronously, with the session's internal lock
// held; implementations must not call back into the Session from within
// an observer method.
type SessionObserver interface {
	// OnMap is called once per forward-channel map, in offset order, as
	// soon as its offset becomes contiguous with what's already been
	// delivered.
	OnMap(m map[string]string)
	// OnMessage is called once per forward-channel JSON message -- either
	// an item from a JSON-encoded batch, or the parsed _JSON field of a
	// map-encoded one -- in the same order as OnMap.
	OnMessage(msg any)
	// OnStateChanged is called whenever Session.State() transitions.
	OnStateChanged(newState, oldState SessionState)
	// OnClose is called exactly once, when the session transitions to
	// StateClosed.
	OnClose(reason string)
}

// NopObserver implements SessionObserver with no-op methods, useful to
// embed in partial observer implementations.
type NopObserver struct{}

func (NopObserver) OnMap(map[string]string)                      {}
func (NopObserver) OnMessage(any)                                 {}
func (NopObserver) OnStateChanged(newState, oldState SessionState) {}
func (NopObserver) OnClose(string)                                {}

type outgoingArray struct {
	id          int
	data        any
	sentCb      SentFunc
	confirmedCb ConfirmedFunc
}

// SessionConfig carries the per-session tunables derived from Handler
// configuration; every Session shares these, so they're passed once at
// construction rather than duplicated per field.
type SessionConfig struct {
	KeepAliveInterval      time.Duration
	SessionTimeoutInterval time.Duration
	MaxBufferedOffsets     int
}

// DefaultSessionConfig mirrors spec.md's defaults: 20s heartbeat, 30s
// session timeout, 100 buffered offsets.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		KeepAliveInterval:      20 * time.Second,
		SessionTimeoutInterval: 30 * time.Second,
		MaxBufferedOffsets:     100,
	}
}

// Session is the per-client BrowserChannel state machine: the outgoing
// queue, the incoming reorder buffer, the single bound back channel, and
// the heartbeat/timeout timers. All exported methods are safe for
// concurrent use: those that touch mutable state take the session's lock
// for their duration, while ID, Address, AppVersion and HostPrefix read
// fields fixed at construction.
type Session struct {
	id         string
	address    string
	appVersion string
	hostPrefix string
	createdAt  time.Time

	cfg   SessionConfig
	clock Clock
	obs   SessionObserver
	log   *zap.SugaredLogger

	mu              sync.Mutex
	state           SessionState
	outgoing        []outgoingArray
	lastArrayID     int
	lastSentArrayID int

	nextMapID    int
	bufferedData map[int]forwardBatch

	back            backChannelWriter
	backFraming     FramingType
	backChunked     bool
	backDone        chan struct{}
	flushScheduled  bool

	heartbeatTimer Timer
	timeoutTimer   Timer

	onRemove func(id string)
	metrics  *sessionMetricsSink
}

// sessionMetricsSink is the narrow interface Session needs from
// internal/metrics, kept here to avoid the core protocol package
// importing the metrics package's concrete Prometheus types directly.
type sessionMetricsSink struct {
	RecordCreated    func()
	RecordClosed     func(reason string, lifetime time.Duration)
	RecordArraySent  func()
	RecordArrayAcked func()
	RecordHeartbeat  func()
}

// NewMetricsSink adapts a set of plain callbacks into the narrow interface
// Session and Registry use for instrumentation. It exists so the core
// protocol package never imports a concrete metrics backend directly;
// callers (typically cmd/ wiring) pass in methods bound to their own
// internal/metrics.SessionMetrics instance.
func NewMetricsSink(created func(), closed func(reason string, lifetime time.Duration), arraySent, arrayAcked, heartbeat func()) *sessionMetricsSink {
	return &sessionMetricsSink{
		RecordCreated:    created,
		RecordClosed:     closed,
		RecordArraySent:  arraySent,
		RecordArrayAcked: arrayAcked,
		RecordHeartbeat:  heartbeat,
	}
}

func newSession(id, address, appVersion, hostPrefix string, cfg SessionConfig, clock Clock, obs SessionObserver, log *zap.SugaredLogger, onRemove func(string), metrics *sessionMetricsSink) *Session {
	if obs == nil {
		obs = NopObserver{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Session{
		id:              id,
		address:         address,
		appVersion:      appVersion,
		hostPrefix:      hostPrefix,
		createdAt:       clock.Now(),
		cfg:             cfg,
		clock:           clock,
		obs:             obs,
		log:             log.With("session_id", id),
		state:           StateInit,
		lastArrayID:     -1,
		lastSentArrayID: -1,
		bufferedData:    make(map[int]forwardBatch),
		onRemove:        onRemove,
		metrics:         metrics,
	}
	if metrics != nil && metrics.RecordCreated != nil {
		metrics.RecordCreated()
	}
	s.mu.Lock()
	s.armTimeoutLocked()
	s.mu.Unlock()
	return s
}

// ID returns the session's opaque, process-unique identifier.
func (s *Session) ID() string { return s.id }

// Address returns the client address captured at session creation.
func (s *Session) Address() string { return s.address }

// AppVersion returns the client-supplied CVER from session creation, or
// "" if none was given.
func (s *Session) AppVersion() string { return s.appVersion }

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetObserver installs obs as the receiver of the session's events,
// replacing the previous observer. A nil obs installs NopObserver.
func (s *Session) SetObserver(obs SessionObserver) {
	if obs == nil {
		obs = NopObserver{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obs = obs
}

func (s *Session) setState(newState SessionState) {
	old := s.state
	if old == newState {
		return
	}
	s.state = newState
	s.obs.OnStateChanged(newState, old)
}

// Send enqueues data as a new outgoing array and schedules a flush to the
// bound back channel, if any. It returns the assigned array id.
//
// Delivery is at-least-once on back-channel replacement: if a back
// channel is evicted before the client acknowledges an array, that array
// is retransmitted on the next one (see SetBackChannel's rewind rule).
// confirmedCb, not sentCb, is the callback applications should treat as
// the delivery guarantee; sentCb only means a write was attempted.
func (s *Session) Send(data any, confirmedCb ConfirmedFunc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueArrayLocked(data, nil, confirmedCb)
}

// Stop queues a ["stop"] array with the given sent-callback and flushes.
// It does not change the session's state; per spec, the embedding
// application is expected to call Close once the client has called back
// after receiving the stop array. Forward-channel batches that arrive
// after Stop but before Close are still delivered to the observer.
func (s *Session) Stop(sentCb SentFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.queueArrayLocked([]any{"stop"}, sentCb, nil)
	return err
}

func (s *Session) queueArrayLocked(data any, sentCb SentFunc, confirmedCb ConfirmedFunc) (int, error) {
	if s.state == StateClosed {
		return 0, ErrSessionClosed
	}
	s.lastArrayID++
	s.outgoing = append(s.outgoing, outgoingArray{
		id:          s.lastArrayID,
		data:        data,
		sentCb:      sentCb,
		confirmedCb: confirmedCb,
	})
	s.scheduleFlushLocked()
	return s.lastArrayID, nil
}

// scheduleFlushLocked defers delivery to the next goroutine scheduling
// point rather than sending synchronously, so that a caller enqueueing
// several arrays in a row only triggers one write. Must be called with
// s.mu held.
func (s *Session) scheduleFlushLocked() {
	if s.flushScheduled {
		return
	}
	s.flushScheduled = true
	go s.flush()
}

func (s *Session) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushScheduled = false
	s.flushLocked()
}

func (s *Session) flushLocked() {
	if s.back == nil {
		return
	}
	sent := s.sendToLocked(s.back)
	if sent && !s.backChunked {
		s.clearBackChannelLocked()
	}
}

// FlushNow synchronously writes any queued arrays to the bound back
// channel, if one is bound. Unlike the deferred flush triggered by Send,
// this runs on the caller's goroutine -- required when the back channel
// being written to is the very HTTP response the caller is about to
// return from, since writing to it from a separately scheduled goroutine
// could race the handler's return.
func (s *Session) FlushNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// sendToLocked writes every array queued since lastSentArrayID to writer
// and advances lastSentArrayID. Must be called with s.mu held. Returns
// whether anything was written.
func (s *Session) sendToLocked(w backChannelWriter) bool {
	n := s.lastArrayID - s.lastSentArrayID
	if n <= 0 {
		return false
	}
	toSend := s.outgoing[len(s.outgoing)-n:]

	wire := make([][2]any, len(toSend))
	for i, a := range toSend {
		wire[i] = [2]any{a.id, a.data}
	}
	encoded, err := json.Marshal(wire)
	if err != nil {
		s.log.Errorw("failed to encode outgoing arrays", "error", err)
		return false
	}
	if err := w.write(string(encoded) + "\n"); err != nil {
		s.log.Debugw("back channel write failed", "error", err)
	}

	s.lastSentArrayID = s.lastArrayID
	for i := range toSend {
		if toSend[i].sentCb != nil {
			cb := toSend[i].sentCb
			toSend[i].sentCb = nil
			cb()
		}
		if s.metrics != nil && s.metrics.RecordArraySent != nil {
			s.metrics.RecordArraySent()
		}
	}
	return true
}

// AcknowledgedArrays drops every outgoing array with id <= aid, invoking
// each one's confirmed callback with a nil error.
func (s *Session) AcknowledgedArrays(aid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acknowledgedArraysLocked(aid)
}

func (s *Session) acknowledgedArraysLocked(aid int) {
	i := 0
	for i < len(s.outgoing) && s.outgoing[i].id <= aid {
		a := s.outgoing[i]
		if a.confirmedCb != nil {
			a.confirmedCb(nil)
		}
		if s.metrics != nil && s.metrics.RecordArrayAcked != nil {
			s.metrics.RecordArrayAcked()
		}
		i++
	}
	s.outgoing = s.outgoing[i:]
}

// SetBackChannel binds writer as the session's back channel. query must
// carry RID=rpc. Any previously bound back channel is cleared first (its
// writer sees end()). The outgoing queue is rewound so that anything
// unacknowledged on the prior back channel is retransmitted on this one.
//
// It returns a channel that's closed once this particular binding ends
// (flushed-and-unchunked, replaced by a later SetBackChannel/ClearBackChannel
// call, or the session closing). The HTTP handler that owns writer must
// block on this channel (selecting against its request context for
// client-initiated disconnects) before returning, since returning from an
// http.Handler finalizes its ResponseWriter.
func (s *Session) SetBackChannel(w backChannelWriter, framing FramingType, chunked bool, rid string) (<-chan struct{}, error) {
	if rid != "rpc" {
		return nil, ErrBackChannelRIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, ErrSessionClosed
	}

	if s.back != nil {
		s.clearBackChannelLocked()
	}

	s.back = w
	s.backFraming = framing
	s.backChunked = chunked
	done := make(chan struct{})
	s.backDone = done

	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
		s.timeoutTimer = nil
	}
	s.armHeartbeatLocked()

	if len(s.outgoing) > 0 {
		s.lastSentArrayID = s.outgoing[0].id - 1
	}

	s.scheduleFlushLocked()
	return done, nil
}

// clearBackChannelLocked idempotently unbinds the current back channel,
// if any: it signals end(), stops the heartbeat, closes its done channel,
// and arms the session timeout. Must be called with s.mu held.
func (s *Session) clearBackChannelLocked() {
	if s.back == nil {
		return
	}
	s.back.end()
	s.back = nil
	close(s.backDone)
	s.backDone = nil

	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}
	s.armTimeoutLocked()
}

// ClearBackChannel unbinds the current back channel if w is still the one
// bound -- called when the underlying HTTP connection closes out from
// under a hanging GET, so a stale writer from a since-replaced channel
// can't spuriously clear the new one.
func (s *Session) ClearBackChannel(w backChannelWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.back != w {
		return
	}
	s.clearBackChannelLocked()
}

func (s *Session) armHeartbeatLocked() {
	s.heartbeatTimer = s.clock.AfterFunc(s.cfg.KeepAliveInterval, s.onHeartbeat)
}

func (s *Session) onHeartbeat() {
	s.mu.Lock()
	if s.state == StateClosed || s.back == nil {
		s.mu.Unlock()
		return
	}
	s.queueArrayLocked([]any{"noop"}, nil, nil)
	s.armHeartbeatLocked()
	if s.metrics != nil && s.metrics.RecordHeartbeat != nil {
		s.metrics.RecordHeartbeat()
	}
	s.mu.Unlock()
}

func (s *Session) armTimeoutLocked() {
	s.timeoutTimer = s.clock.AfterFunc(s.cfg.SessionTimeoutInterval, s.onTimeout)
}

func (s *Session) onTimeout() {
	s.Close("Timed out")
}

// ReceivedData processes one decoded forward-channel batch: it drops
// duplicates/already-seen offsets, buffers out-of-order ones, and
// delivers every contiguous batch starting at nextMapID to the observer
// in order.
func (s *Session) ReceivedData(offset int, b forwardBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	if offset < s.nextMapID {
		return
	}
	if _, dup := s.bufferedData[offset]; dup {
		return
	}
	if len(s.bufferedData) >= s.cfg.MaxBufferedOffsets {
		s.closeLocked(ErrTooManyBufferedOffsets.Error())
		return
	}
	s.bufferedData[offset] = b

	for {
		batch, ok := s.bufferedData[s.nextMapID]
		if !ok {
			break
		}
		delete(s.bufferedData, s.nextMapID)
		s.nextMapID += batch.len()
		s.emitBatchLocked(batch)
		if s.state == StateClosed {
			return
		}
	}
}

// emitBatchLocked delivers one decoded batch to the observer. Must be
// called with s.mu held; the observer is expected not to re-enter the
// session synchronously.
func (s *Session) emitBatchLocked(b forwardBatch) {
	if b.maps != nil {
		for _, m := range b.maps {
			s.obs.OnMap(m)
			if raw, ok := m["_JSON"]; ok {
				var msg any
				if err := json.Unmarshal([]byte(raw), &msg); err == nil {
					s.obs.OnMessage(msg)
				} else {
					s.log.Debugw("failed to parse _JSON field", "error", err)
				}
			}
		}
		return
	}
	for _, item := range b.items {
		s.obs.OnMessage(item)
	}
}

// Close transitions the session to StateClosed exactly once: it emits
// OnClose(reason), clears the back channel, cancels all timers, and
// invokes every outstanding confirmed-callback with an error carrying
// reason (or "Client closed" if reason is empty). It then removes the
// session from its registry via the onRemove hook supplied at
// construction.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	s.closeLocked(reason)
	s.mu.Unlock()
}

func (s *Session) closeLocked(reason string) {
	if s.state == StateClosed {
		return
	}
	if reason == "" {
		reason = "Client closed"
	}

	s.setState(StateClosed)
	s.obs.OnClose(reason)

	s.clearBackChannelLocked()
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
		s.timeoutTimer = nil
	}

	err := fmt.Errorf("browserchannel: %s", reason)
	for _, a := range s.outgoing {
		if a.confirmedCb != nil {
			a.confirmedCb(err)
		}
	}
	s.outgoing = nil

	if s.metrics != nil && s.metrics.RecordClosed != nil {
		s.metrics.RecordClosed(reason, s.clock.Now().Sub(s.createdAt))
	}
	if s.onRemove != nil {
		s.onRemove(s.id)
	}
}

// markOK transitions the session from StateInit to StateOK. It's called
// by the dispatcher once the initial forward POST has been processed and
// the initial back channel flushed.
func (s *Session) markOK() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInit {
		s.setState(StateOK)
	}
}

// LastSentArrayID returns the id of the most recently written array, or
// -1 if none has been sent. Used by the dispatcher to build the forward
// POST's session-status reply.
func (s *Session) LastSentArrayID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSentArrayID
}

// HasBackChannel reports whether a back channel is currently bound.
func (s *Session) HasBackChannel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.back != nil
}

// OutstandingBytes returns the JSON-serialized byte length of the data
// fields of arrays that have been sent but not yet acknowledged.
func (s *Session) OutstandingBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, a := range s.outgoing {
		if a.id > s.lastSentArrayID {
			continue
		}
		if b, err := json.Marshal(a.data); err == nil {
			total += len(b)
		}
	}
	return total
}

// HostPrefix returns the prefix assigned at creation, sent as part of the
// initial "c" array.
func (s *Session) HostPrefix() string { return s.hostPrefix }
