package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/scrypster/crmsync/internal/recordstore"
)

// CreationMap records the records touched during one run, keyed by
// "object:searchKey" in insertion order. It is not safe for concurrent use;
// each run owns its own.
type CreationMap struct {
	keys []string
	ids  map[string]string
}

// NewCreationMap returns an empty map.
func NewCreationMap() *CreationMap {
	return &CreationMap{ids: map[string]string{}}
}

// Put records id under object and key.
func (m *CreationMap) Put(object, key, id string) {
	k := object + ":" + strings.ToLower(strings.TrimSpace(key))
	if _, ok := m.ids[k]; !ok {
		m.keys = append(m.keys, k)
	}
	m.ids[k] = id
}

// Lookup finds an id whose key contains value or is contained in it,
// case-insensitively, scanning in insertion order.
func (m *CreationMap) Lookup(object, value string) (string, bool) {
	needle := strings.ToLower(strings.TrimSpace(value))
	if needle == "" {
		return "", false
	}
	prefix := object + ":"
	if id, ok := m.ids[prefix+needle]; ok {
		return id, true
	}
	for _, k := range m.keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		key := strings.TrimPrefix(k, prefix)
		if key == "" {
			continue
		}
		if strings.Contains(key, needle) || strings.Contains(needle, key) {
			return m.ids[k], true
		}
	}
	return "", false
}

// Len returns the number of entries.
func (m *CreationMap) Len() int {
	return len(m.keys)
}

// Resolver turns reference placeholders into record ids.
type Resolver struct {
	rc *Context
}

// NewResolver creates a resolver.
func NewResolver(rc *Context) *Resolver {
	return &Resolver{rc: rc}
}

func resolutionKey(object, value string) string {
	return object + ":" + strings.ToLower(strings.TrimSpace(value))
}

// Remember caches id for object and value across runs.
func (r *Resolver) Remember(object, value, id string) {
	if strings.TrimSpace(value) == "" || !recordstore.IsValidRecordID(id) {
		return
	}
	r.rc.Resolutions.Set(resolutionKey(object, value), id)
}

// Recall looks an id up in the resolution cache: the direct key first,
// then containment either way against keys of the same object.
func (r *Resolver) Recall(object, value string) (string, bool) {
	key := resolutionKey(object, value)
	if id, ok := r.rc.Resolutions.Get(key); ok {
		return id, true
	}
	needle := strings.TrimPrefix(key, object+":")
	if needle == "" {
		return "", false
	}
	prefix := object + ":"
	var found string
	r.rc.Resolutions.Range(func(k, id string) bool {
		if !strings.HasPrefix(k, prefix) {
			return true
		}
		cached := strings.TrimPrefix(k, prefix)
		if cached != "" && (strings.Contains(cached, needle) || strings.Contains(needle, cached)) {
			found = id
			return false
		}
		return true
	})
	return found, found != ""
}

// Resolve finds the record a placeholder refers to: the run's creation map,
// then the resolution cache, then a live search. Only well-formed record ids
// are returned.
func (r *Resolver) Resolve(ctx context.Context, p Placeholder, cm *CreationMap) (string, bool) {
	if p.LookupValue == "" {
		return "", false
	}
	log := r.rc.Log.With("target", p.TargetObject, "lookup", p.LookupValue)

	id, ok := "", false
	if cm != nil {
		id, ok = cm.Lookup(p.TargetObject, p.LookupValue)
	}
	if !ok {
		id, ok = r.Recall(p.TargetObject, p.LookupValue)
	}
	if !ok {
		found, err := r.SearchByTerms(ctx, p.TargetObject, []string{p.LookupValue})
		if err != nil {
			log.Warn("reference search failed", "error", err)
		}
		if found != "" {
			id, ok = found, true
			r.Remember(p.TargetObject, p.LookupValue, found)
		}
	}
	if !ok || !recordstore.IsValidRecordID(id) {
		log.Warn("could not resolve reference")
		return "", false
	}
	log.Debug("reference resolved", "record_id", id)
	return id, true
}

// ResolvePayload replaces every placeholder in values. Unresolvable
// references are omitted; a reference list left empty drops the field.
func (r *Resolver) ResolvePayload(ctx context.Context, values map[string]interface{}, cm *CreationMap) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for field, v := range values {
		if p, ok := asPlaceholder(v); ok {
			if ref, ok := r.resolveRef(ctx, p, cm); ok {
				out[field] = ref
			} else {
				r.rc.Log.Warn("dropping unresolved reference", "field", field)
			}
			continue
		}

		list, ok := v.([]interface{})
		if !ok || !containsPlaceholder(list) {
			out[field] = v
			continue
		}
		resolved := make([]interface{}, 0, len(list))
		for _, item := range list {
			p, ok := asPlaceholder(item)
			if !ok {
				resolved = append(resolved, item)
				continue
			}
			if ref, ok := r.resolveRef(ctx, p, cm); ok {
				resolved = append(resolved, ref)
			} else {
				r.rc.Log.Warn("dropping unresolved reference", "field", field)
			}
		}
		if len(resolved) > 0 || field == "linked_records" {
			out[field] = resolved
		}
	}
	return out
}

func (r *Resolver) resolveRef(ctx context.Context, p Placeholder, cm *CreationMap) (map[string]interface{}, bool) {
	id, ok := r.Resolve(ctx, p, cm)
	if !ok {
		return nil, false
	}
	return map[string]interface{}{"target_object": p.TargetObject, "target_record_id": id}, true
}

func containsPlaceholder(list []interface{}) bool {
	for _, item := range list {
		if _, ok := asPlaceholder(item); ok {
			return true
		}
	}
	return false
}

// SearchByTerms scans up to SearchPageSize records of object and returns
// the first whose searchable fields equal one of terms, falling back to
// partial matches.
func (r *Resolver) SearchByTerms(ctx context.Context, object string, terms []string) (string, error) {
	records, err := r.rc.Store.QueryRecords(ctx, object, recordstore.QueryOptions{Limit: r.rc.Config.SearchPageSize})
	if err != nil {
		return "", fmt.Errorf("search %s: %w", object, err)
	}
	fields := r.rc.Catalog.SearchableFields(object)

	for _, exact := range []bool{true, false} {
		for _, term := range terms {
			t := strings.ToLower(strings.TrimSpace(term))
			if t == "" {
				continue
			}
			for _, rec := range records {
				if recordMatches(rec.Values, fields, t, exact) {
					return rec.ID, nil
				}
			}
		}
	}
	return "", nil
}

func recordMatches(values map[string]interface{}, fields []string, term string, exact bool) bool {
	match := func(s string) bool {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return false
		}
		if exact {
			return s == term
		}
		return strings.Contains(s, term) || strings.Contains(term, s)
	}
	for _, f := range fields {
		switch v := values[f].(type) {
		case string:
			if match(v) {
				return true
			}
		case map[string]interface{}:
			if match(nameFromObject(v)) {
				return true
			}
		case []interface{}:
			for _, item := range v {
				switch it := item.(type) {
				case string:
					if match(it) {
						return true
					}
				case map[string]interface{}:
					if match(nameFromObject(it)) {
						return true
					}
				}
			}
		}
	}
	return false
}
