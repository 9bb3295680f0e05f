package schema

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/crmsync/internal/recordstore"
)

// OpenAPIDoc is a parsed OpenAPI document used to source creation templates.
// Both the JSON and YAML encodings are accepted.
type OpenAPIDoc struct {
	root map[string]interface{}
}

// LoadOpenAPI reads and parses an OpenAPI document from disk.
func LoadOpenAPI(path string) (*OpenAPIDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: failed to read openapi document: %w", err)
	}
	return ParseOpenAPI(data)
}

// ParseOpenAPI parses an OpenAPI document.
func ParseOpenAPI(data []byte) (*OpenAPIDoc, error) {
	var root map[string]interface{}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("schema: failed to parse openapi document: %w", err)
	}
	if root == nil {
		return nil, fmt.Errorf("schema: empty openapi document")
	}
	return &OpenAPIDoc{root: root}, nil
}

// ValuesProperties returns the property schemas of the record values accepted
// by the creation endpoint of slug. The operation request body wins over a
// components.schemas entry named after the object.
func (d *OpenAPIDoc) ValuesProperties(slug string, kind recordstore.ObjectKind) (map[string]interface{}, bool) {
	if d == nil {
		return nil, false
	}

	path := "/objects/" + slug + "/records"
	if kind == recordstore.KindAuxiliary {
		path = "/" + slug
	}
	if paths, ok := asMap(d.root["paths"]); ok {
		if op, ok := asMap(paths[path]); ok {
			if props, ok := dig(op, "post", "requestBody", "content", "application/json", "schema",
				"properties", "data", "properties", "values", "properties"); ok {
				return props, true
			}
		}
	}

	schemas, ok := dig(d.root, "components", "schemas")
	if !ok {
		return nil, false
	}
	keys := make([]string, 0, len(schemas))
	for k := range schemas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	needle := strings.ToLower(slug)
	for _, k := range keys {
		if !strings.Contains(strings.ToLower(k), needle) {
			continue
		}
		obj, ok := asMap(schemas[k])
		if !ok {
			continue
		}
		if props, ok := dig(obj, "properties", "values", "properties"); ok {
			return props, true
		}
		return nil, false
	}
	return nil, false
}

func dig(m map[string]interface{}, keys ...string) (map[string]interface{}, bool) {
	cur := m
	for _, k := range keys {
		next, ok := asMap(cur[k])
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, inner := range m {
			out[fmt.Sprint(k)] = inner
		}
		return out, true
	default:
		return nil, false
	}
}

// templateFromProperties converts OpenAPI property schemas into a template.
// Known attributes contribute their kind, target and options.
func templateFromProperties(props map[string]interface{}, attrs map[string]Field) Template {
	tmpl := make(Template, len(props))
	for name, raw := range props {
		prop, _ := asMap(raw)
		typ, _ := prop["type"].(string)
		desc, _ := prop["description"].(string)

		if f, ok := attrs[name]; ok {
			if desc != "" {
				f.Description = desc
			}
			tmpl[name] = f
			continue
		}

		f := Field{Type: typ, Description: desc}
		if typ == "array" {
			f.Multivalue = true
			if items, ok := asMap(prop["items"]); ok {
				if it, ok := items["type"].(string); ok {
					f.Type = it
				}
			}
		}
		f.Kind = KindOf(f.Type)
		f.Format = FormatHint(f.Kind, f.Multivalue, "")
		tmpl[name] = f
	}
	return tmpl
}
