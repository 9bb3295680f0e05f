// Package engine turns free-form business text into reconciled CRM records.
// A run detects entities with the language model, orders them by reference
// dependencies, generates schema-conformant actions per entity and executes
// them against the record store, resolving references along the way.
package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
)

// Confidence is a detection score in [0,1]. The model may answer with a
// number or one of high, medium, low.
type Confidence float64

const (
	ConfidenceHigh   Confidence = 0.9
	ConfidenceMedium Confidence = 0.6
	ConfidenceLow    Confidence = 0.3
)

// UnmarshalJSON accepts numbers, numeric strings and high|medium|low.
func (c *Confidence) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*c = Confidence(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("confidence: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		*c = ConfidenceHigh
	case "medium", "med":
		*c = ConfidenceMedium
	case "low":
		*c = ConfidenceLow
	case "":
		*c = 0
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("confidence: unrecognized value %q", s)
		}
		*c = Confidence(f)
	}
	return nil
}

// JSONSchema describes the value the model is asked to produce.
func (Confidence) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "string",
		Enum: []interface{}{"high", "medium", "low"},
	}
}

// EntityCandidate is one object the model believes the text is about.
type EntityCandidate struct {
	ObjectSlug    string                 `json:"object_slug"`
	ExtractedInfo map[string]interface{} `json:"extracted_info"`
	Reason        string                 `json:"reason,omitempty"`
	Confidence    Confidence             `json:"confidence"`
}

// EntityPlan is the result of entity detection.
type EntityPlan struct {
	Entities        []EntityCandidate `json:"entities"`
	Sentiment       string            `json:"sentiment,omitempty"`
	Urgency         string            `json:"urgency,omitempty"`
	FollowUpNeeded  bool              `json:"follow_up_needed"`
	BusinessContext string            `json:"business_context,omitempty"`
}

// ActionKind is the closed set of executable actions.
type ActionKind int

const (
	ActionCheckExisting ActionKind = iota
	ActionSmartCheckExisting
	ActionCreateRecord
)

func (k ActionKind) String() string {
	switch k {
	case ActionCheckExisting:
		return "check_existing"
	case ActionSmartCheckExisting:
		return "smart_check_existing"
	case ActionCreateRecord:
		return "create_record"
	default:
		return "unknown"
	}
}

// ParseActionKind maps a wire name to an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "check_existing":
		return ActionCheckExisting, nil
	case "smart_check_existing":
		return ActionSmartCheckExisting, nil
	case "create_record", "create", "update_record", "upsert_record":
		return ActionCreateRecord, nil
	default:
		return 0, fmt.Errorf("unknown action type %q", s)
	}
}

func (k ActionKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *ActionKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseActionKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MissingPriority orders actions without a priority last.
const MissingPriority = 999

// Action is one step of an action plan.
type Action struct {
	Kind           ActionKind             `json:"action_type"`
	ObjectSlug     string                 `json:"object_slug"`
	SearchCriteria map[string]interface{} `json:"search_criteria,omitempty"`
	SearchTerms    []string               `json:"search_terms,omitempty"`
	Values         map[string]interface{} `json:"values,omitempty"`
	UpdateIfExists *bool                  `json:"update_if_exists,omitempty"`
	Priority       *int                   `json:"priority,omitempty"`
	Reasoning      string                 `json:"reasoning,omitempty"`

	// Index is the position assigned when the plan was assembled.
	Index int `json:"index"`
}

// EffectivePriority is Priority, or MissingPriority when unset.
func (a Action) EffectivePriority() int {
	if a.Priority == nil {
		return MissingPriority
	}
	return *a.Priority
}

// Analysis summarizes the entity plan alongside the actions.
type Analysis struct {
	EntitiesFound  []string `json:"entities_found"`
	Sentiment      string   `json:"sentiment,omitempty"`
	Urgency        string   `json:"urgency,omitempty"`
	FollowUpNeeded bool     `json:"follow_up_needed"`
}

// ActionPlan is every action generated for a run.
type ActionPlan struct {
	Analysis Analysis `json:"analysis"`
	Actions  []Action `json:"actions"`
}

// ActionResult is the outcome of one executed action.
type ActionResult struct {
	Action    string      `json:"action"`
	Object    string      `json:"object"`
	Success   bool        `json:"success"`
	Skipped   bool        `json:"skipped,omitempty"`
	RecordID  string      `json:"record_id,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Reasoning string      `json:"reasoning,omitempty"`
}

// Summary aggregates a run's results.
type Summary struct {
	Total      int    `json:"total"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Actions    string `json:"actions"`
	Message    string `json:"message"`
}

// ProcessResult is returned by Engine.ProcessText.
type ProcessResult struct {
	Success    bool           `json:"success"`
	RunID      string         `json:"run_id"`
	EntityPlan *EntityPlan    `json:"entity_plan,omitempty"`
	ActionPlan *ActionPlan    `json:"action_plan,omitempty"`
	Results    []ActionResult `json:"results,omitempty"`
	Summary    *Summary       `json:"summary,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Summarize counts results.
func Summarize(results []ActionResult) Summary {
	s := Summary{Total: len(results)}
	names := make([]string, 0, len(results))
	for _, r := range results {
		switch {
		case r.Skipped:
			s.Skipped++
		case r.Success:
			s.Successful++
		default:
			s.Failed++
		}
		names = append(names, r.Action+" on "+r.Object)
	}
	s.Actions = strings.Join(names, ", ")
	s.Message = fmt.Sprintf("Processed %d/%d actions successfully", s.Successful, s.Total)
	return s
}
