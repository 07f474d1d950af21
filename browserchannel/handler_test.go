package browserchannel

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler() *Handler {
	cfg := DefaultConfig()
	cfg.Base = "/channel"
	cfg.HostPrefixes = []string{"a.example.com"}
	return NewHandler(cfg, nil, nil, nil)
}

func TestHandlerRequiresProtocolVersion(t *testing.T) {
	h := newTestHandler()
	req := httptest.NewRequest("GET", "/channel/test?MODE=init", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code, "VER is missing")
}

func TestHandlerTestModeInit(t *testing.T) {
	h := newTestHandler()
	req := httptest.NewRequest("GET", "/channel/test?VER=8&MODE=init", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.Contains(t, body, "a.example.com")
	assert.True(t, strings.HasSuffix(body, ",null]"), "body = %q, want [\"a.example.com\",null]-shaped", body)
	assert.NotEmpty(t, rec.Header().Get("X-Accept"), "MODE=init response should advertise X-Accept")
}

func TestHandlerUnknownPathUnderBaseIs404(t *testing.T) {
	h := newTestHandler()
	req := httptest.NewRequest("GET", "/channel/nope?VER=8", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 404, rec.Code)
}

func TestHandlerPathOutsideBaseIs404WithoutFallback(t *testing.T) {
	h := newTestHandler()
	req := httptest.NewRequest("GET", "/elsewhere", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 404, rec.Code)
}

func TestHandlerBindUnsupportedMethod(t *testing.T) {
	h := newTestHandler()
	req := httptest.NewRequest("PUT", "/channel/bind?VER=8", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 405, rec.Code)
}

func TestHandlerBindPostUnknownSID(t *testing.T) {
	h := newTestHandler()
	req := httptest.NewRequest("POST", "/channel/bind?VER=8&SID=nope", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestHandlerBindPostNewSessionCreatesAndSendsCArray(t *testing.T) {
	h := newTestHandler()
	req := httptest.NewRequest("POST", "/channel/bind?VER=8&CVER=1.0", strings.NewReader("count=0&ofs=0"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"c"`, "body should contain the initial c array")
	assert.Equal(t, 1, h.Registry().Len())
}

func TestHandlerBindGetBlocksUntilClientDisconnects(t *testing.T) {
	h := newTestHandler()

	var sessionID string
	h.onConnect = func(s *Session) { sessionID = s.ID() }

	postReq := httptest.NewRequest("POST", "/channel/bind?VER=8", strings.NewReader("count=0&ofs=0"))
	postReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	postRec := httptest.NewRecorder()
	h.ServeHTTP(postRec, postReq)

	if sessionID == "" {
		t.Fatal("onConnect should have been called with the new session")
	}

	ctx, cancel := context.WithCancel(context.Background())
	getReq := httptest.NewRequest("GET", "/channel/bind?VER=8&SID="+sessionID+"&RID=rpc&CI=0&TYPE=xmlhttp", nil)
	getReq = getReq.WithContext(ctx)
	getRec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(getRec, getReq)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		s, ok := h.Registry().Lookup(sessionID)
		if ok && s.HasBackChannel() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("back channel was never bound")
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case <-done:
		t.Fatal("handler returned before the request context was canceled")
	default:
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after context cancellation")
	}
}

func TestHandlerBindPostWithOSIDClosesPriorSessionAsReconnected(t *testing.T) {
	h := newTestHandler()

	var old *Session
	h.onConnect = func(s *Session) {
		if old == nil {
			old = s
		}
	}

	firstReq := httptest.NewRequest("POST", "/channel/bind?VER=8", strings.NewReader("count=0&ofs=0"))
	firstReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	firstRec := httptest.NewRecorder()
	h.ServeHTTP(firstRec, firstReq)
	require.NotNil(t, old, "onConnect should have fired for the first session")

	obs := &capturingObserver{}
	old.obs = obs

	secondReq := httptest.NewRequest("POST", "/channel/bind?VER=8&OSID="+old.ID(), strings.NewReader("count=0&ofs=0"))
	secondReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	secondRec := httptest.NewRecorder()
	h.ServeHTTP(secondRec, secondReq)

	require.Equal(t, 200, secondRec.Code, secondRec.Body.String())
	assert.Equal(t, "Reconnected", obs.closeMsg, "prior session should be ghosted with the documented reason")
}

func TestHandlerBindGetChunkedDefaultsFalseWhenCIAbsent(t *testing.T) {
	h := newTestHandler()

	var sessionID string
	h.onConnect = func(s *Session) { sessionID = s.ID() }

	postReq := httptest.NewRequest("POST", "/channel/bind?VER=8", strings.NewReader("count=0&ofs=0"))
	postReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	postRec := httptest.NewRecorder()
	h.ServeHTTP(postRec, postReq)
	require.NotEmpty(t, sessionID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// AID=0 acknowledges the initial "c" array, so nothing is pending and
	// the unchunked binding stays open until the request is canceled.
	getReq := httptest.NewRequest("GET", "/channel/bind?VER=8&SID="+sessionID+"&RID=rpc&TYPE=xmlhttp&AID=0", nil)
	getReq = getReq.WithContext(ctx)
	getRec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(getRec, getReq)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	var s *Session
	for {
		var ok bool
		s, ok = h.Registry().Lookup(sessionID)
		if ok && s.HasBackChannel() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("back channel was never bound")
		}
		time.Sleep(time.Millisecond)
	}

	assert.False(t, s.backChunked, "CI absent should bind a non-chunked (single-flush) back channel")

	cancel()
	<-done
}

func TestHandlerBindGetRejectsMissingRID(t *testing.T) {
	h := newTestHandler()
	postReq := httptest.NewRequest("POST", "/channel/bind?VER=8", strings.NewReader("count=0&ofs=0"))
	postReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	postRec := httptest.NewRecorder()
	h.ServeHTTP(postRec, postReq)

	var sid string
	h.Registry().mu.RLock()
	for id := range h.Registry().sessions {
		sid = id
	}
	h.Registry().mu.RUnlock()

	getReq := httptest.NewRequest("GET", "/channel/bind?VER=8&SID="+sid, nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)

	assert.Equal(t, 400, getRec.Code, "RID != rpc")
}
