package attio

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/scrypster/crmsync/internal/recordstore"
)

type apiObject struct {
	ID struct {
		ObjectID string `json:"object_id"`
	} `json:"id"`
	APISlug      string `json:"api_slug"`
	SingularNoun string `json:"singular_noun"`
	PluralNoun   string `json:"plural_noun"`
	Name         string `json:"name"`
	Description  string `json:"description"`
}

func (o apiObject) toObject() recordstore.Object {
	name := o.Name
	if name == "" {
		name = o.PluralNoun
	}
	if name == "" {
		name = o.APISlug
	}
	return recordstore.Object{
		ID:          o.ID.ObjectID,
		Slug:        o.APISlug,
		Name:        name,
		Description: o.Description,
		Kind:        recordstore.KindSchema,
	}
}

type apiAttribute struct {
	ID struct {
		AttributeID string `json:"attribute_id"`
	} `json:"id"`
	APISlug       string `json:"api_slug"`
	Title         string `json:"title"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	IsRequired    bool   `json:"is_required"`
	IsMultiselect bool   `json:"is_multiselect"`
	IsMultivalue  bool   `json:"is_multivalue"`
	Config        struct {
		TargetObject    string `json:"target_object"`
		ObjectID        string `json:"object_id"`
		RecordReference struct {
			AllowedObjectIDs []string `json:"allowed_object_ids"`
		} `json:"record_reference"`
	} `json:"config"`
	Options []recordstore.Option `json:"options"`
}

func (a apiAttribute) toAttribute() recordstore.Attribute {
	name := a.Title
	if name == "" {
		name = a.Name
	}
	if name == "" {
		name = a.APISlug
	}
	typ := a.Type
	if typ == "" {
		typ = "text"
	}

	cfg := recordstore.AttributeConfig{
		TargetObject:   a.Config.TargetObject,
		TargetObjectID: a.Config.ObjectID,
	}
	if allowed := a.Config.RecordReference.AllowedObjectIDs; len(allowed) > 0 {
		// allowed_object_ids holds slugs for standard objects and ids for custom ones
		if recordstore.IsValidRecordID(allowed[0]) {
			cfg.TargetObjectID = allowed[0]
		} else if cfg.TargetObject == "" {
			cfg.TargetObject = allowed[0]
		}
	}

	return recordstore.Attribute{
		ID:         a.ID.AttributeID,
		Slug:       a.APISlug,
		Name:       name,
		Type:       typ,
		Required:   a.IsRequired,
		Multivalue: a.IsMultiselect || a.IsMultivalue,
		Config:     cfg,
		Options:    a.Options,
	}
}

// metaKeys are bookkeeping fields on Attio value wrappers.
var metaKeys = map[string]bool{
	"active_from":      true,
	"active_until":     true,
	"created_by_actor": true,
	"attribute_type":   true,
}

// decodeRecord turns a schema record ({id:{record_id}, values:{slug:[...]}})
// or an auxiliary resource ({id:{task_id}, content_plaintext, ...}) into a
// Record with plain values.
func decodeRecord(object string, raw json.RawMessage) (recordstore.Record, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return recordstore.Record{}, err
	}

	rec := recordstore.Record{Object: object, ID: extractID(body["id"])}
	if rec.ID == "" {
		return rec, errors.New("record has no id")
	}

	if values, ok := body["values"].(map[string]interface{}); ok {
		rec.Values = make(map[string]interface{}, len(values))
		for slug, v := range values {
			rec.Values[slug] = unwrapValues(v)
		}
		return rec, nil
	}

	rec.Values = make(map[string]interface{}, len(body))
	for k, v := range body {
		if k == "id" {
			continue
		}
		rec.Values[k] = v
	}
	if content, ok := rec.Values["content_plaintext"]; ok {
		if _, has := rec.Values["content"]; !has {
			rec.Values["content"] = content
		}
	}
	return rec, nil
}

// extractID reads record_id, or the first *_id that is not the workspace id.
func extractID(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case map[string]interface{}:
		if s, ok := id["record_id"].(string); ok {
			return s
		}
		for k, inner := range id {
			if k == "workspace_id" || !strings.HasSuffix(k, "_id") {
				continue
			}
			if s, ok := inner.(string); ok {
				return s
			}
		}
	}
	return ""
}

// unwrapValues converts Attio's [{"value": x, ...meta}] lists into plain
// lists. Structured values (names, emails, references) keep their fields.
func unwrapValues(v interface{}) interface{} {
	items, ok := v.([]interface{})
	if !ok {
		return v
	}
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			out = append(out, item)
			continue
		}
		if inner, ok := m["value"]; ok {
			out = append(out, inner)
			continue
		}
		if d, ok := m["domain"].(string); ok {
			out = append(out, d)
			continue
		}
		if opt, ok := m["option"].(map[string]interface{}); ok {
			out = append(out, opt["title"])
			continue
		}
		if st, ok := m["status"].(map[string]interface{}); ok {
			out = append(out, st["title"])
			continue
		}
		clean := make(map[string]interface{}, len(m))
		for k, inner := range m {
			if !metaKeys[k] {
				clean[k] = inner
			}
		}
		out = append(out, clean)
	}
	return out
}
