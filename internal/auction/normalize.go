// internal/auction/normalize.go
package auction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
)

// fieldRule: первое "истинное" значение среди aliases (по порядку),
// иначе значение по умолчанию. Истинность как в JavaScript:
// "", 0, false и null считаются отсутствующими.
type fieldRule struct {
	name     string
	aliases  []string
	kind     fieldKind
	defStr   string
	defNum   float64
	optional bool // без значения по умолчанию
}

var rules = []fieldRule{
	{name: "id", aliases: []string{"id", "carId", "bidCarId"}, kind: kindString},
	{name: "imageUrl", aliases: []string{"imageUrl", "image", "carImage"}, kind: kindString},
	{name: "city", aliases: []string{"city"}, kind: kindString, defStr: "Unknown"},
	{name: "make", aliases: []string{"make"}, kind: kindString, defStr: "Car"},
	{name: "model", aliases: []string{"model"}, kind: kindString, defStr: "Model"},
	{name: "currentBid", aliases: []string{"currentBid", "highestBid"}, kind: kindNumber},
	{name: "startingBid", aliases: []string{"startingBid"}, kind: kindNumber},
	{name: "closingTime", aliases: []string{"closingTime"}, kind: kindString, optional: true},
}

// canonical - выходные имена полей; они не попадают в Extra.
var canonical = func() map[string]struct{} {
	m := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		m[r.name] = struct{}{}
	}
	return m
}()

// now подменяется в тестах.
var now = time.Now

// Normalize превращает сырой payload liveCars в список Item.
// Массив - по элементу на каждый объект, одиночный объект - один элемент,
// всё остальное - пустой список. Никогда не паникует.
func Normalize(raw json.RawMessage) []Item {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []Item{}
	}

	var records []json.RawMessage
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &records); err != nil {
			return []Item{}
		}
	case '{':
		records = []json.RawMessage{raw}
	default:
		return []Item{}
	}

	stamp := now().UnixMilli()
	items := make([]Item, 0, len(records))
	for i, rec := range records {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(rec, &fields); err != nil || fields == nil {
			continue
		}
		items = append(items, normalizeRecord(fields, i, stamp))
	}
	return items
}

// NormalizeValue - то же, что Normalize, для уже декодированного значения.
func NormalizeValue(v any) []Item {
	raw, err := json.Marshal(v)
	if err != nil {
		return []Item{}
	}
	return Normalize(raw)
}

func normalizeRecord(fields map[string]json.RawMessage, index int, stamp int64) Item {
	it := Item{}
	for _, r := range rules {
		switch r.kind {
		case kindString:
			v, ok := resolveString(fields, r.aliases)
			if !ok {
				v = r.defStr
			}
			if r.name == "id" && v == "" {
				v = fmt.Sprintf("car-%d-%d", stamp, index)
			}
			it.setString(r.name, v)
		case kindNumber:
			v, ok := resolveNumber(fields, r.aliases)
			if !ok {
				v = r.defNum
			}
			it.setNumber(r.name, v)
		}
	}

	for k, v := range fields {
		if _, ok := canonical[k]; ok {
			continue
		}
		if it.Extra == nil {
			it.Extra = make(map[string]json.RawMessage)
		}
		it.Extra[k] = v
	}
	return it
}

func (it *Item) setString(name, v string) {
	switch name {
	case "id":
		it.ID = v
	case "imageUrl":
		it.ImageURL = v
	case "city":
		it.City = v
	case "make":
		it.Make = v
	case "model":
		it.Model = v
	case "closingTime":
		it.ClosingTime = v
	}
}

func (it *Item) setNumber(name string, v float64) {
	switch name {
	case "currentBid":
		it.CurrentBid = v
	case "startingBid":
		it.StartingBid = v
	}
}

func decode(raw json.RawMessage) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0 && !math.IsNaN(f)
	default:
		return true
	}
}

// resolveString: строки берутся как есть, числа форматируются без экспоненты.
// Прочие истинные значения (объекты, true) пропускаются.
func resolveString(fields map[string]json.RawMessage, aliases []string) (string, bool) {
	for _, a := range aliases {
		raw, ok := fields[a]
		if !ok {
			continue
		}
		v, ok := decode(raw)
		if !ok || !truthy(v) {
			continue
		}
		switch x := v.(type) {
		case string:
			return x, true
		case json.Number:
			return formatNumber(x), true
		}
	}
	return "", false
}

// resolveNumber: числа и числовые строки; нечисловые строки пропускаются.
func resolveNumber(fields map[string]json.RawMessage, aliases []string) (float64, bool) {
	for _, a := range aliases {
		raw, ok := fields[a]
		if !ok {
			continue
		}
		v, ok := decode(raw)
		if !ok || !truthy(v) {
			continue
		}
		switch x := v.(type) {
		case json.Number:
			if f, err := x.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, err := strconv.ParseFloat(x, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return f, true
			}
		}
	}
	return 0, false
}

func formatNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if f, err := n.Float64(); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return n.String()
}
