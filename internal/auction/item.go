// internal/auction/item.go
package auction

import (
	"encoding/json"
)

// Item - каноническая запись лота живого аукциона.
// Поля, которых нет среди канонических, сохраняются в Extra без изменений.
type Item struct {
	ID          string
	ImageURL    string
	City        string
	Make        string
	Model       string
	CurrentBid  float64
	StartingBid float64
	ClosingTime string // "" - поле отсутствует

	Extra map[string]json.RawMessage
}

// MarshalJSON отдаёт Extra, поверх которого записаны канонические поля.
func (it Item) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(it.Extra)+8)
	for k, v := range it.Extra {
		out[k] = v
	}
	out["id"] = it.ID
	out["imageUrl"] = it.ImageURL
	out["city"] = it.City
	out["make"] = it.Make
	out["model"] = it.Model
	out["currentBid"] = it.CurrentBid
	out["startingBid"] = it.StartingBid
	if it.ClosingTime != "" {
		out["closingTime"] = it.ClosingTime
	}
	return json.Marshal(out)
}

// Clone возвращает глубокую копию (Extra копируется).
func (it Item) Clone() Item {
	if it.Extra == nil {
		return it
	}
	extra := make(map[string]json.RawMessage, len(it.Extra))
	for k, v := range it.Extra {
		extra[k] = append(json.RawMessage(nil), v...)
	}
	it.Extra = extra
	return it
}
