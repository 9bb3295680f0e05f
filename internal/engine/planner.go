package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/scrypster/crmsync/internal/cache"
	"github.com/scrypster/crmsync/internal/llm"
)

// detectedField is one extracted attribute. Strict structured output does
// not allow open maps, so the schema asks for name/value pairs; models
// answering in plain JSON mode may use extracted_info instead.
type detectedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type detectedEntity struct {
	ObjectSlug    string                 `json:"object_slug"`
	Reason        string                 `json:"reason"`
	Confidence    Confidence             `json:"confidence"`
	Fields        []detectedField        `json:"fields"`
	ExtractedInfo map[string]interface{} `json:"extracted_info,omitempty" jsonschema:"-"`
}

type detectionResponse struct {
	Entities        []detectedEntity `json:"entities"`
	Sentiment       string           `json:"sentiment" jsonschema:"enum=positive,enum=neutral,enum=negative"`
	Urgency         string           `json:"urgency" jsonschema:"enum=high,enum=medium,enum=low"`
	FollowUpNeeded  bool             `json:"follow_up_needed"`
	BusinessContext string           `json:"business_context"`
}

var detectionSchema = &llm.ResponseSchema{
	Name:        "entity_detection",
	Description: "CRM objects mentioned in business text",
	Schema:      llm.GenerateSchema[detectionResponse](),
}

// Planner detects which CRM objects a text is about.
type Planner struct {
	rc *Context
}

// NewPlanner creates a planner.
func NewPlanner(rc *Context) *Planner {
	return &Planner{rc: rc}
}

// DetectionKey is the model cache key for a text.
func DetectionKey(text string) string {
	return "entity_detection:" + cache.HashKey(strings.ToLower(strings.TrimSpace(text)))
}

// Detect returns the entity plan for text. It never fails: model errors and
// unparseable output yield an empty plan.
func (p *Planner) Detect(ctx context.Context, text string) EntityPlan {
	log := p.rc.Log.With("phase", "detect")
	key := DetectionKey(text)

	if p.rc.ModelCache != nil {
		if raw, ok := p.rc.ModelCache.Get(key); ok {
			if plan, err := p.parse(raw); err == nil {
				log.Debug("using cached entity detection")
				return plan
			}
		}
	}

	raw, err := p.rc.Model.Complete(ctx, llm.Request{
		Purpose:     "entity_detection",
		System:      p.systemPrompt(),
		User:        text,
		Temperature: p.rc.Config.Temperature,
		JSONMode:    true,
		Schema:      detectionSchema,
	})
	if err != nil {
		log.Warn("entity detection failed", "error", err)
		return EntityPlan{Entities: []EntityCandidate{}}
	}

	plan, err := p.parse(raw)
	if err != nil {
		log.Warn("unparseable entity detection response", "error", err)
		return EntityPlan{Entities: []EntityCandidate{}}
	}
	if p.rc.ModelCache != nil {
		p.rc.ModelCache.Set(key, raw)
	}
	log.Info("entities detected", "count", len(plan.Entities))
	return plan
}

func (p *Planner) parse(raw string) (EntityPlan, error) {
	var resp detectionResponse
	if err := llm.DecodeJSON(raw, &resp); err != nil {
		return EntityPlan{}, err
	}

	plan := EntityPlan{
		Entities:        []EntityCandidate{},
		Sentiment:       resp.Sentiment,
		Urgency:         resp.Urgency,
		FollowUpNeeded:  resp.FollowUpNeeded,
		BusinessContext: resp.BusinessContext,
	}
	for _, e := range resp.Entities {
		if _, ok := p.rc.Catalog.Object(e.ObjectSlug); !ok {
			p.rc.Log.Debug("dropping entity for unknown object", "object", e.ObjectSlug)
			continue
		}
		info := map[string]interface{}{}
		for k, v := range e.ExtractedInfo {
			info[k] = v
		}
		for _, f := range e.Fields {
			if f.Name == "" || f.Value == "" {
				continue
			}
			if _, exists := info[f.Name]; !exists {
				info[f.Name] = f.Value
			}
		}
		if p.rc.Catalog.IsPersonObject(e.ObjectSlug) {
			if label, skip := notAnIndividual(info); skip {
				p.rc.Log.Info("skipping team, role or unnamed person", "name", label)
				continue
			}
		}
		plan.Entities = append(plan.Entities, EntityCandidate{
			ObjectSlug:    e.ObjectSlug,
			ExtractedInfo: info,
			Reason:        e.Reason,
			Confidence:    e.Confidence,
		})
	}
	return plan, nil
}

// catalogLines lists at most MaxCatalogObjects objects as "slug: name (description)".
func (p *Planner) catalogLines() []string {
	objects := p.rc.Catalog.Objects()
	if len(objects) > p.rc.Config.MaxCatalogObjects {
		objects = objects[:p.rc.Config.MaxCatalogObjects]
	}
	lines := make([]string, 0, len(objects))
	for _, o := range objects {
		lines = append(lines, fmt.Sprintf("%s: %s (%s)", o.Slug, o.Name, o.Description))
	}
	return lines
}

func (p *Planner) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a CRM intelligence assistant. Identify which CRM objects the user's business text is about and extract their details.\n\n")
	fmt.Fprintf(&b, "CURRENT DATE: %s\n\n", p.rc.Config.Now().Format("2006-01-02"))
	b.WriteString(`EXTRACTION RULES:
1. Do NOT suggest person objects for teams, roles or departments ("Engineering Team", "CTO", "VP Sales"). Only named individuals become people.
2. For existing people, include identifying info (email preferred).
3. Valid deal stages: "Lead", "In Progress", "Won", "Lost".
4. Link deals to companies and decision makers when possible.
5. Suggest tasks or notes when follow-ups, to-dos or annotations are implied.

Be conservative with deals. Only suggest one when there is a clear buying signal: a budget, a purchase timeline, an active negotiation or proposal, an evaluation, or contract discussions. Contact updates, introductions and general relationship conversations are not deals.

Only suggest companies when a specific company is named.

AVAILABLE CRM OBJECTS:
`)
	for _, line := range p.catalogLines() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString(`
Respond with ONLY a JSON object like this:
{
  "entities": [
    {
      "object_slug": "companies",
      "reason": "Mentioned specific company name",
      "confidence": "high",
      "fields": [{"name": "name", "value": "Acme Corp"}]
    },
    {
      "object_slug": "tasks",
      "reason": "Implied follow-up",
      "confidence": "medium",
      "fields": [{"name": "title", "value": "Send proposal to Acme"}, {"name": "due_date", "value": "YYYY-MM-DD"}]
    }
  ],
  "sentiment": "positive|neutral|negative",
  "urgency": "high|medium|low",
  "follow_up_needed": true,
  "business_context": "contact_update|deal_opportunity|relationship_building|support"
}`)
	return b.String()
}

