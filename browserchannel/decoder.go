package browserchannel

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// forwardBatch is the normalized result of decoding one forward-channel
// POST body: either a dense array of string-keyed maps (URL-encoded
// wire format) or a slice of arbitrary JSON values (application/json wire
// format).
type forwardBatch struct {
	offset int
	maps   []map[string]string
	items  []any
}

// len returns the number of logical entries the batch advances nextMapId
// by.
func (b forwardBatch) len() int {
	if b.maps != nil {
		return len(b.maps)
	}
	return len(b.items)
}

// reqKeyPattern matches both numeric forward-map keys (req0_foo) and the
// client's self-reported encoding-failure marker (reqtype_badmap), which
// carries the literal index token "type" instead of a number.
var reqKeyPattern = regexp.MustCompile(`^req(\d+|type)_(.+)$`)

// decodeForwardPayload parses an incoming POST body per spec.md 4.2: JSON
// when Content-Type is application/json, URL-encoded form otherwise. A nil
// *forwardBatch with a nil error means "no data" (count==0 or JSON null
// body) -- there is nothing to feed to Session.ReceivedData.
func decodeForwardPayload(rw http.ResponseWriter, r *http.Request) (*forwardBatch, error) {
	contentType := r.Header.Get("Content-Type")
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadData, err)
	}

	if isJSONContentType(contentType) {
		return decodeJSONForwardPayload(body)
	}
	return decodeFormForwardPayload(r, body)
}

func isJSONContentType(contentType string) bool {
	return strings.HasPrefix(contentType, "application/json")
}

func decodeJSONForwardPayload(body []byte) (*forwardBatch, error) {
	if len(body) == 0 {
		return nil, nil
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	if raw == nil {
		return nil, nil
	}

	var payload struct {
		Ofs  int   `json:"ofs"`
		Data []any `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	return &forwardBatch{offset: payload.Ofs, items: payload.Data}, nil
}

func decodeFormForwardPayload(r *http.Request, body []byte) (*forwardBatch, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	// Query-string parameters (VER, SID, RID, ...) live alongside form
	// fields on some clients; merge them in without letting them collide
	// with reqN_ keys, which only ever come from the body.
	for k, v := range r.URL.Query() {
		if _, ok := values[k]; !ok {
			values[k] = v
		}
	}

	countStr := values.Get("count")
	if countStr == "" {
		return nil, nil
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad count", ErrBadData)
	}
	if count == 0 {
		return nil, nil
	}

	ofsStr := values.Get("ofs")
	if ofsStr == "" {
		return nil, fmt.Errorf("%w: missing ofs", ErrBadData)
	}
	offset, err := strconv.Atoi(ofsStr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ofs", ErrBadData)
	}

	maps := make([]map[string]string, count)
	for i := range maps {
		maps[i] = map[string]string{}
	}

	for key, vals := range values {
		m := reqKeyPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		field := m[2]
		if m[1] == "type" {
			// The client's own self-reported encoding failure; it isn't
			// tied to a numeric index and carries no usable field data.
			continue
		}
		index, err := strconv.Atoi(m[1])
		if err != nil || index < 0 || index >= count {
			continue
		}
		if len(vals) > 0 {
			maps[index][field] = vals[0]
		}
	}

	return &forwardBatch{offset: offset, maps: maps}, nil
}
