package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/scrypster/crmsync/internal/recordstore"
	"github.com/scrypster/crmsync/internal/schema"
)

// Placeholder is an unresolved reference emitted by the model.
type Placeholder struct {
	TargetObject string
	LookupValue  string
}

func (p Placeholder) value() map[string]interface{} {
	return map[string]interface{}{
		"target_object":    p.TargetObject,
		"target_record_id": schema.ReferencePlaceholder,
		"lookup_value":     p.LookupValue,
	}
}

// asPlaceholder reports whether v is a reference still needing resolution.
func asPlaceholder(v interface{}) (Placeholder, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return Placeholder{}, false
	}
	target, _ := m["target_object"].(string)
	if target == "" {
		return Placeholder{}, false
	}
	id, _ := m["target_record_id"].(string)
	if recordstore.IsValidRecordID(id) {
		return Placeholder{}, false
	}
	lookup, _ := m["lookup_value"].(string)
	return Placeholder{TargetObject: target, LookupValue: strings.TrimSpace(lookup)}, true
}

// toReference converts a model value into a reference targeting target.
// Bare strings become placeholders unless they already are record ids.
// nil is returned when the value carries nothing to resolve.
func toReference(v interface{}, target string) interface{} {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		if recordstore.IsValidRecordID(s) {
			return map[string]interface{}{"target_object": target, "target_record_id": s}
		}
		return Placeholder{TargetObject: target, LookupValue: s}.value()
	case map[string]interface{}:
		obj, _ := t["target_object"].(string)
		if obj == "" {
			obj = target
		}
		id, _ := t["target_record_id"].(string)
		if recordstore.IsValidRecordID(id) {
			return map[string]interface{}{"target_object": obj, "target_record_id": id}
		}
		lookup, _ := t["lookup_value"].(string)
		if strings.TrimSpace(lookup) == "" {
			lookup = candidateName(t)
		}
		if strings.TrimSpace(lookup) == "" {
			return nil
		}
		return Placeholder{TargetObject: obj, LookupValue: lookup}.value()
	default:
		return nil
	}
}

// coerceKind shapes a scalar into the structured value a kind expects.
func coerceKind(kind schema.Kind, v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	switch kind {
	case schema.KindEmail:
		return map[string]interface{}{"email_address": s}
	case schema.KindPhone:
		return map[string]interface{}{"original_phone_number": s}
	case schema.KindPersonName:
		parts := strings.Fields(s)
		first, last := "", ""
		if len(parts) > 0 {
			first = parts[0]
			last = strings.Join(parts[1:], " ")
		}
		return map[string]interface{}{"first_name": first, "last_name": last, "full_name": s}
	case schema.KindLocation:
		return map[string]interface{}{"line_1": s}
	case schema.KindText, schema.KindReference, schema.KindSelect, schema.KindOther:
		return v
	}
	return v
}

var dateOnly = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// normalizeDeadline turns YYYY-MM-DD into midnight UTC.
func normalizeDeadline(v interface{}) interface{} {
	if s, ok := v.(string); ok && dateOnly.MatchString(s) {
		return s + "T00:00:00Z"
	}
	return v
}

// stringify renders a scalar or structured value for matching and keys.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]interface{}:
		if n := nameFromObject(t); n != "" {
			return n
		}
		for _, key := range []string{"email_address", "domain", "original_phone_number", "title", "value"} {
			if s, ok := t[key].(string); ok && s != "" {
				return s
			}
		}
		return ""
	case []interface{}:
		if len(t) == 0 {
			return ""
		}
		return stringify(t[0])
	default:
		return fmt.Sprint(t)
	}
}

func copyValues(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
