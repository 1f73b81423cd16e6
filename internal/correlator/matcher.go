// internal/correlator/matcher.go
package correlator

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/YaganovValera/live-bidding/internal/auction"
)

// BidMatcher сверяет bidCarId и userId ответа с запросом, если сервер
// их прислал (на верхнем уровне или в "data"). Без этих полей - FIFO.
func BidMatcher(payload any, response json.RawMessage) bool {
	var req auction.BidRequest
	switch p := payload.(type) {
	case auction.BidRequest:
		req = p
	case *auction.BidRequest:
		if p == nil {
			return true
		}
		req = *p
	default:
		return true
	}

	ids, ok := responseIDs(response)
	if !ok {
		return true
	}
	if ids.car != "" && ids.car != strconv.FormatInt(req.BidCarID, 10) {
		return false
	}
	if ids.user != "" && ids.user != req.UserID {
		return false
	}
	return true
}

type bidIDs struct{ car, user string }

func responseIDs(raw json.RawMessage) (bidIDs, bool) {
	var top struct {
		BidCarID json.RawMessage `json:"bidCarId"`
		UserID   json.RawMessage `json:"userId"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &top); err != nil {
		return bidIDs{}, false
	}
	ids := bidIDs{car: scalar(top.BidCarID), user: scalar(top.UserID)}
	if ids.car == "" && ids.user == "" && len(top.Data) > 0 && top.Data[0] == '{' {
		return responseIDs(top.Data)
	}
	return ids, ids.car != "" || ids.user != ""
}

// scalar приводит JSON-строку или число к строке; иначе "".
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return x.String()
	}
	return ""
}
