package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/oarkflow/abac"
)

// takeOwnership replaces the map fields of e with deep copies so later
// changes by the caller cannot alter a signed event. Values JSON cannot
// encode are replaced by a string form so the event can still be hashed.
func takeOwnership(e *abac.AuditEvent) {
	e.Details = ownMap(e.Details)
	e.Location = ownMap(e.Location)
	e.DeviceInfo = ownMap(e.DeviceInfo)
	e.Metadata = ownMap(e.Metadata)
	if e.PolicyID != nil {
		id := *e.PolicyID
		e.PolicyID = &id
	}
}

func ownMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = ownValue(v)
	}
	return out
}

func ownValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool, json.Number, time.Time,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Sprint(x)
		}
		return x
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Sprint(x)
		}
		return x
	case *int64:
		if x == nil {
			return nil
		}
		return *x
	case map[string]any:
		return ownMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = ownValue(item)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	case map[string]string:
		out := make(map[string]string, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out
	}
	// anything else is copied through its JSON form
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("unserializable %T", v)
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return fmt.Sprintf("unserializable %T", v)
	}
	return out
}
