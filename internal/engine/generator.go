package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/scrypster/crmsync/internal/llm"
	"github.com/scrypster/crmsync/internal/recordstore"
	"github.com/scrypster/crmsync/internal/schema"
)

// rawAction is an action as the model writes it. Numbers and strings are
// accepted loosely and normalized afterwards.
type rawAction struct {
	ActionType     string                 `json:"action_type"`
	Action         string                 `json:"action"`
	ObjectSlug     string                 `json:"object_slug"`
	SearchCriteria map[string]interface{} `json:"search_criteria"`
	SearchTerms    []interface{}          `json:"search_terms"`
	Payload        map[string]interface{} `json:"payload"`
	Values         map[string]interface{} `json:"values"`
	UpdateIfExists *bool                  `json:"update_if_exists"`
	Priority       interface{}            `json:"priority"`
	Reasoning      string                 `json:"reasoning"`
}

type actionsEnvelope struct {
	Actions []rawAction `json:"actions"`
}

// Generator asks the model for the actions of one entity and enforces the
// schema on whatever comes back.
type Generator struct {
	rc *Context
}

// NewGenerator creates a generator.
func NewGenerator(rc *Context) *Generator {
	return &Generator{rc: rc}
}

// Generate returns the actions for entity. Model failures yield no actions.
func (g *Generator) Generate(ctx context.Context, text string, entity EntityCandidate, deps map[string]Dependency) []Action {
	log := g.rc.Log.With("phase", "generate", "object", entity.ObjectSlug)

	system, err := g.systemPrompt(entity, deps)
	if err != nil {
		log.Warn("failed to build generation prompt", "error", err)
		return nil
	}
	raw, err := g.rc.Model.Complete(ctx, llm.Request{
		Purpose:     "action_generation",
		System:      system,
		User:        text,
		Temperature: g.rc.Config.Temperature,
		JSONMode:    true,
	})
	if err != nil {
		log.Warn("action generation failed", "error", err)
		return nil
	}

	parsed, err := parseActions(raw)
	if err != nil {
		log.Warn("unparseable action generation response", "error", err)
		return nil
	}

	actions := make([]Action, 0, len(parsed))
	for _, ra := range parsed {
		a, err := g.normalize(ra, entity)
		if err != nil {
			log.Warn("dropping action", "error", err)
			continue
		}
		actions = append(actions, a)
	}
	log.Debug("actions generated", "count", len(actions))
	return actions
}

// parseActions accepts {"actions": [...]} or a bare array.
func parseActions(raw string) ([]rawAction, error) {
	body := llm.ExtractJSON(raw)
	if body == "" {
		return nil, llm.ErrNoJSON
	}
	if strings.HasPrefix(body, "[") {
		var list []rawAction
		if err := llm.DecodeJSON(body, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var env actionsEnvelope
	if err := llm.DecodeJSON(body, &env); err != nil {
		return nil, err
	}
	return env.Actions, nil
}

func (g *Generator) normalize(ra rawAction, entity EntityCandidate) (Action, error) {
	kindName := ra.ActionType
	if kindName == "" {
		kindName = ra.Action
	}
	kind, err := ParseActionKind(kindName)
	if err != nil {
		return Action{}, err
	}

	a := Action{
		Kind:           kind,
		ObjectSlug:     entity.ObjectSlug,
		SearchCriteria: ra.SearchCriteria,
		UpdateIfExists: ra.UpdateIfExists,
		Priority:       toPriority(ra.Priority),
		Reasoning:      ra.Reasoning,
	}
	for _, t := range ra.SearchTerms {
		if s := strings.TrimSpace(stringify(t)); s != "" {
			a.SearchTerms = append(a.SearchTerms, s)
		}
	}

	switch kind {
	case ActionCheckExisting, ActionSmartCheckExisting:
		if len(a.SearchCriteria) == 0 {
			a.SearchCriteria = g.deriveCriteria(entity.ObjectSlug, entity.ExtractedInfo)
		}
		return a, nil
	case ActionCreateRecord:
		values := extractValues(ra.Payload)
		if values == nil {
			values = ra.Values
		}
		a.Values = g.conform(entity.ObjectSlug, values)
		if entity.ObjectSlug == "tasks" {
			normalizeTask(a.Values, entity)
		}
		if a.UpdateIfExists == nil {
			t := true
			a.UpdateIfExists = &t
		}
		if len(a.SearchCriteria) == 0 {
			a.SearchCriteria = g.deriveCriteria(entity.ObjectSlug, a.Values)
		}
		if len(a.SearchCriteria) == 0 {
			a.SearchCriteria = g.deriveCriteria(entity.ObjectSlug, entity.ExtractedInfo)
		}
		return a, nil
	}
	return Action{}, fmt.Errorf("unhandled action kind %s", kind)
}

// extractValues finds record values in the payload shapes the model uses:
// {"data":{"values":{...}}}, {"data":{...}} or the values themselves.
func extractValues(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	data, ok := payload["data"].(map[string]interface{})
	if !ok {
		if v, ok := payload["values"].(map[string]interface{}); ok {
			return v
		}
		return payload
	}
	if v, ok := data["values"].(map[string]interface{}); ok {
		return v
	}
	return data
}

// conform enforces the object's template on values: protected and
// actor-reference fields go, references become placeholders, structured
// kinds are shaped, select values are mapped to options and multivalue
// fields are wrapped in arrays. Unknown fields are dropped for
// schema-backed objects.
func (g *Generator) conform(object string, values map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	tmpl := g.rc.Catalog.Template(object)
	auxiliary := recordstore.IsAuxiliary(object)

	for k, v := range values {
		if schema.IsProtected(k) || v == nil {
			continue
		}
		f, known := tmpl[k]
		if !known {
			if auxiliary || len(tmpl) == 0 {
				out[k] = v
			} else {
				g.rc.Log.Debug("dropping unknown attribute", "object", object, "attribute", k)
			}
			continue
		}
		if schema.IsActorReference(f.Type) {
			continue
		}

		if c := g.conformField(f, v); c != nil {
			out[k] = c
		}
	}
	return out
}

func (g *Generator) conformField(f schema.Field, v interface{}) interface{} {
	apply := func(item interface{}) interface{} {
		switch f.Kind {
		case schema.KindReference:
			return toReference(item, f.Target)
		case schema.KindSelect:
			s, ok := item.(string)
			if !ok {
				return item
			}
			if mapped, ok := MapOption(s, f.Options); ok {
				return mapped
			}
			return s
		case schema.KindEmail, schema.KindPhone, schema.KindPersonName, schema.KindLocation:
			return coerceKind(f.Kind, item)
		case schema.KindText, schema.KindOther:
			return item
		}
		return item
	}

	if list, ok := v.([]interface{}); ok {
		out := make([]interface{}, 0, len(list))
		for _, item := range list {
			if c := apply(item); c != nil {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			return nil
		}
		if !f.Multivalue && f.Kind != schema.KindOther && f.Kind != schema.KindText {
			return out[0]
		}
		return out
	}

	c := apply(v)
	if c == nil {
		return nil
	}
	if f.Multivalue {
		return []interface{}{c}
	}
	return c
}

// deriveCriteria picks the first searchable field with a usable value.
func (g *Generator) deriveCriteria(object string, values map[string]interface{}) map[string]interface{} {
	for _, field := range g.rc.Catalog.SearchableFields(object) {
		if s := strings.TrimSpace(stringify(values[field])); s != "" {
			return map[string]interface{}{field: s}
		}
	}
	return nil
}

// normalizeTask fills the fields the tasks resource requires.
func normalizeTask(values map[string]interface{}, entity EntityCandidate) {
	if content, _ := values["content"].(string); strings.TrimSpace(content) == "" {
		values["content"] = taskContent(values, entity)
	}
	if _, ok := values["deadline_at"]; !ok {
		if due, ok := values["due_date"]; ok {
			values["deadline_at"] = due
			delete(values, "due_date")
		} else if due, ok := entity.ExtractedInfo["due_date"]; ok {
			values["deadline_at"] = due
		}
	}
	if d, ok := values["deadline_at"]; ok {
		values["deadline_at"] = normalizeDeadline(d)
	}
	values["format"] = "plaintext"
	if _, ok := values["is_completed"].(bool); !ok {
		values["is_completed"] = false
	}
	links := []interface{}{}
	if list, ok := values["linked_records"].([]interface{}); ok {
		for _, item := range list {
			if m, ok := item.(map[string]interface{}); ok {
				if target, _ := m["target_object"].(string); target != "" {
					if ref := toReference(m, target); ref != nil {
						links = append(links, ref)
					}
				}
			}
		}
	}
	values["linked_records"] = links
	if _, ok := values["assignees"].([]interface{}); !ok {
		values["assignees"] = []interface{}{}
	}
}

func taskContent(values map[string]interface{}, entity EntityCandidate) string {
	for _, src := range []map[string]interface{}{values, entity.ExtractedInfo} {
		for _, key := range []string{"title", "name", "description", "subject", "body"} {
			if s := strings.TrimSpace(stringify(src[key])); s != "" {
				return s
			}
		}
	}
	if entity.Reason != "" {
		return entity.Reason
	}
	return "Follow up"
}

func toPriority(v interface{}) *int {
	var n int
	switch t := v.(type) {
	case float64:
		n = int(math.Round(t))
	case string:
		p, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return nil
		}
		n = p
	default:
		return nil
	}
	return &n
}

func (g *Generator) systemPrompt(entity EntityCandidate, deps map[string]Dependency) (string, error) {
	tmpl, err := json.MarshalIndent(g.rc.Catalog.FilteredTemplate(entity.ObjectSlug), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal template: %w", err)
	}
	info, err := json.Marshal(entity.ExtractedInfo)
	if err != nil {
		return "", fmt.Errorf("marshal extracted info: %w", err)
	}
	depJSON, err := json.Marshal(deps)
	if err != nil {
		return "", fmt.Errorf("marshal dependencies: %w", err)
	}

	var b strings.Builder
	b.WriteString("You are a CRM intelligence assistant. Generate CRM actions for one object using the attribute template below. The user message is the input text.\n\n")
	fmt.Fprintf(&b, "CURRENT DATE: %s\n\n", g.rc.Config.Now().Format("2006-01-02"))
	fmt.Fprintf(&b, "OBJECT: %s\nEXTRACTED INFO: %s\nREASON: %s\nDEPENDENCIES: %s\n\n",
		entity.ObjectSlug, info, entity.Reason, depJSON)
	b.WriteString(`RULES:
1. Do not create person records for teams, roles or departments.
2. Use "update_if_exists": true and give search_criteria with the most unique identifier.
3. Never include system fields such as id, created_at or updated_at.
4. Use only attribute names from the template and match their formats. Wrap values of multivalue attributes in arrays.
5. For reference attributes emit {"target_object": "<slug>", "target_record_id": "PLACEHOLDER_UUID", "lookup_value": "<entity name from the input text>"}. Do not invent ids.

ATTRIBUTE TEMPLATE:
`)
	b.Write(tmpl)
	b.WriteString("\n\n")
	if entity.ObjectSlug == "tasks" {
		b.WriteString(`TASK VALUES must be: {"content": "<non-empty task text>", "format": "plaintext", "deadline_at": "YYYY-MM-DDThh:mm:ssZ", "is_completed": false, "linked_records": [{"target_object": "people|companies|deals", "target_record_id": "PLACEHOLDER_UUID", "lookup_value": "<name>"}], "assignees": []}

`)
	}
	fmt.Fprintf(&b, `Respond with ONLY a JSON object:
{
  "actions": [
    {"action_type": "smart_check_existing", "object_slug": %[1]q, "search_criteria": {"name": "value"}, "search_terms": ["names", "from", "input"], "priority": 1},
    {"action_type": "create_record", "object_slug": %[1]q, "update_if_exists": true, "search_criteria": {"name": "value"}, "payload": {"data": {"values": {"attribute": "value"}}}, "priority": 2}
  ]
}`, entity.ObjectSlug)
	return b.String(), nil
}
