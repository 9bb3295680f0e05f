package schema

import (
	"strings"
)

// Kind classifies a template field by how its value must be shaped.
type Kind int

const (
	KindText Kind = iota
	KindEmail
	KindPhone
	KindPersonName
	KindLocation
	KindReference
	KindSelect
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindEmail:
		return "email"
	case KindPhone:
		return "phone"
	case KindPersonName:
		return "person_name"
	case KindLocation:
		return "location"
	case KindReference:
		return "reference"
	case KindSelect:
		return "select"
	default:
		return "other"
	}
}

// Field describes one attribute as presented to the language model.
type Field struct {
	Kind        Kind        `json:"-"`
	Type        string      `json:"type"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required"`
	Multivalue  bool        `json:"multivalue"`
	Target      string      `json:"target_object,omitempty"`
	Options     []string    `json:"options,omitempty"`
	Format      interface{} `json:"format,omitempty"`
}

// Template maps attribute slugs to their fields.
type Template map[string]Field

// ReferencePlaceholder is the record id the model is told to emit for
// references. The resolver replaces it before anything reaches the store.
const ReferencePlaceholder = "PLACEHOLDER_UUID"

var protectedFields = map[string]bool{
	"id":           true,
	"record_id":    true,
	"object_id":    true,
	"workspace_id": true,
	"created_at":   true,
	"updated_at":   true,
	"created_by":   true,
	"updated_by":   true,
}

// IsProtected reports whether a field is system-managed and must never be
// written.
func IsProtected(slug string) bool {
	return protectedFields[slug]
}

func normalizeType(t string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(t)), "-", "_")
}

// IsActorReference reports whether t references workspace members (owners,
// assignees) rather than records.
func IsActorReference(t string) bool {
	return strings.Contains(normalizeType(t), "actor")
}

// IsReferenceType reports whether t points at another record.
func IsReferenceType(t string) bool {
	n := normalizeType(t)
	if strings.Contains(n, "actor") {
		return false
	}
	return strings.Contains(n, "reference") || strings.Contains(n, "relation")
}

// KindOf classifies a store attribute type.
func KindOf(attrType string) Kind {
	t := normalizeType(attrType)
	switch {
	case IsReferenceType(t):
		return KindReference
	case strings.Contains(t, "actor"):
		return KindOther
	case strings.Contains(t, "email"):
		return KindEmail
	case strings.Contains(t, "phone"):
		return KindPhone
	case t == "person_name" || t == "personal_name":
		return KindPersonName
	case t == "location":
		return KindLocation
	case t == "select" || t == "status":
		return KindSelect
	case t == "text" || t == "string":
		return KindText
	default:
		return KindOther
	}
}

// FormatHint returns the value shape the model should emit for a field of
// kind k, or nil when plain values are fine.
func FormatHint(k Kind, multivalue bool, target string) interface{} {
	var hint map[string]interface{}
	switch k {
	case KindEmail:
		hint = map[string]interface{}{"email_address": "email@domain.com"}
	case KindPhone:
		hint = map[string]interface{}{"original_phone_number": "+1234567890", "country_code": "US"}
	case KindPersonName:
		hint = map[string]interface{}{"first_name": "First", "last_name": "Last", "full_name": "First Last"}
	case KindLocation:
		hint = map[string]interface{}{"line_1": "Street Address", "city": "City", "country_code": "US"}
	case KindReference:
		if target == "" {
			target = "object_slug"
		}
		hint = map[string]interface{}{
			"target_object":    target,
			"target_record_id": ReferencePlaceholder,
			"lookup_value":     "entity_name",
		}
	case KindText, KindSelect, KindOther:
		return nil
	}
	if multivalue {
		return []interface{}{hint}
	}
	return hint
}

// fallbackTemplate is used for auxiliary resources without a published
// creation schema.
func fallbackTemplate() Template {
	text := func(name string) Field {
		return Field{Kind: KindText, Type: "text", Name: name}
	}
	return Template{
		"title":       text("Title"),
		"subject":     text("Subject"),
		"content":     text("Content"),
		"body":        text("Body"),
		"description": text("Description"),
		"due_date":    text("Due date"),
		"related_record": {
			Kind:   KindReference,
			Type:   "reference",
			Name:   "Related",
			Target: "deals",
			Format: FormatHint(KindReference, false, "deals"),
		},
	}
}

// auxiliarySearchFields are searched when an object has no attributes.
var auxiliarySearchFields = []string{"name", "title", "subject", "content", "body", "description", "full_name"}
