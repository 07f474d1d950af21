package browserchannel

import (
	"errors"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestDecodeFormForwardPayload(t *testing.T) {
	body := "count=2&ofs=5&req0_foo=bar&req1_baz=qux"
	req := httptest.NewRequest("POST", "/channel/bind", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	batch, err := decodeForwardPayload(rec, req)
	if err != nil {
		t.Fatalf("decodeForwardPayload: %v", err)
	}
	if batch == nil {
		t.Fatal("expected a non-nil batch")
	}
	if batch.offset != 5 {
		t.Errorf("offset = %d, want 5", batch.offset)
	}
	if len(batch.maps) != 2 {
		t.Fatalf("len(maps) = %d, want 2", len(batch.maps))
	}
	if batch.maps[0]["foo"] != "bar" {
		t.Errorf("maps[0][foo] = %q, want bar", batch.maps[0]["foo"])
	}
	if batch.maps[1]["baz"] != "qux" {
		t.Errorf("maps[1][baz] = %q, want qux", batch.maps[1]["baz"])
	}
}

func TestDecodeFormForwardPayloadBadMapMarker(t *testing.T) {
	body := "count=1&ofs=0&req0_a=1&reqtype_badmap=1"
	req := httptest.NewRequest("POST", "/channel/bind", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	batch, err := decodeForwardPayload(rec, req)
	if err != nil {
		t.Fatalf("decodeForwardPayload: %v", err)
	}
	if len(batch.maps) != 1 {
		t.Fatalf("len(maps) = %d, want 1", len(batch.maps))
	}
	if _, ok := batch.maps[0]["_badmap"]; ok {
		t.Error("the reqtype_ marker should not populate a _badmap field")
	}
	if batch.maps[0]["a"] != "1" {
		t.Errorf("maps[0][a] = %q, want 1", batch.maps[0]["a"])
	}
}

func TestDecodeFormForwardPayloadNoData(t *testing.T) {
	req := httptest.NewRequest("POST", "/channel/bind", strings.NewReader("count=0&ofs=0"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	batch, err := decodeForwardPayload(rec, req)
	if err != nil {
		t.Fatalf("decodeForwardPayload: %v", err)
	}
	if batch != nil {
		t.Errorf("count=0 should yield a nil batch, got %+v", batch)
	}
}

func TestDecodeFormForwardPayloadMissingOfs(t *testing.T) {
	req := httptest.NewRequest("POST", "/channel/bind", strings.NewReader("count=1&req0_a=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	_, err := decodeForwardPayload(rec, req)
	if !errors.Is(err, ErrBadData) {
		t.Errorf("err = %v, want ErrBadData", err)
	}
}

func TestDecodeJSONForwardPayload(t *testing.T) {
	body := `{"ofs":3,"data":[1,"two",{"three":3}]}`
	req := httptest.NewRequest("POST", "/channel/bind", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	batch, err := decodeForwardPayload(rec, req)
	if err != nil {
		t.Fatalf("decodeForwardPayload: %v", err)
	}
	if batch.offset != 3 {
		t.Errorf("offset = %d, want 3", batch.offset)
	}
	if len(batch.items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(batch.items))
	}
}

func TestDecodeJSONForwardPayloadNull(t *testing.T) {
	req := httptest.NewRequest("POST", "/channel/bind", strings.NewReader("null"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()

	batch, err := decodeForwardPayload(rec, req)
	if err != nil {
		t.Fatalf("decodeForwardPayload: %v", err)
	}
	if batch != nil {
		t.Errorf("null body should yield a nil batch, got %+v", batch)
	}
}

func TestDecodeJSONForwardPayloadMalformed(t *testing.T) {
	req := httptest.NewRequest("POST", "/channel/bind", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	_, err := decodeForwardPayload(rec, req)
	if !errors.Is(err, ErrBadData) {
		t.Errorf("err = %v, want ErrBadData", err)
	}
}

func TestForwardBatchLen(t *testing.T) {
	mapsBatch := forwardBatch{maps: []map[string]string{{}, {}}}
	if mapsBatch.len() != 2 {
		t.Errorf("maps batch len = %d, want 2", mapsBatch.len())
	}
	itemsBatch := forwardBatch{items: []any{1, 2, 3}}
	if itemsBatch.len() != 3 {
		t.Errorf("items batch len = %d, want 3", itemsBatch.len())
	}
}

func TestReqKeyPatternMatchesTypeMarker(t *testing.T) {
	m := reqKeyPattern.FindStringSubmatch("reqtype_badmap")
	if m == nil || m[1] != "type" || m[2] != "badmap" {
		t.Errorf("unexpected submatches: %v", m)
	}
}

func TestDecodeFormForwardPayloadMergesQueryParams(t *testing.T) {
	req := httptest.NewRequest("POST", "/channel/bind?ofs=7", strings.NewReader("count=1&req0_a=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	batch, err := decodeForwardPayload(rec, req)
	if err != nil {
		t.Fatalf("decodeForwardPayload: %v", err)
	}
	if batch.offset != 7 {
		t.Errorf("offset = %d, want 7 (from query string)", batch.offset)
	}
}

func init() {
	// sanity check that url.ParseQuery decodes a plain key=value body the
	// way the decoder assumes.
	v, _ := url.ParseQuery("a=body")
	if v.Get("a") != "body" {
		panic("url.ParseQuery sanity check failed")
	}
}
