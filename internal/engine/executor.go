package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/scrypster/crmsync/internal/recordstore"
)

// CheckResult is the outcome of a check action.
type CheckResult struct {
	Found     bool     `json:"found"`
	Count     int      `json:"count"`
	RecordIDs []string `json:"record_ids"`
	Method    string   `json:"method,omitempty"`
}

// WriteResult is the outcome of a create action.
type WriteResult struct {
	Operation string `json:"operation"`
	RecordID  string `json:"record_id"`
}

// Executor runs actions against the record store.
type Executor struct {
	rc       *Context
	resolver *Resolver
}

// NewExecutor creates an executor.
func NewExecutor(rc *Context, resolver *Resolver) *Executor {
	return &Executor{rc: rc, resolver: resolver}
}

// SortActions orders actions by priority, missing priorities last. Ties
// keep their generation order.
func SortActions(actions []Action) []Action {
	sorted := append([]Action(nil), actions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EffectivePriority() < sorted[j].EffectivePriority()
	})
	return sorted
}

// Execute runs actions in order. A failing action is recorded and the rest
// still run. observe, when set, sees every result as it is produced.
func (x *Executor) Execute(ctx context.Context, actions []Action, cm *CreationMap, observe func(ActionResult)) []ActionResult {
	results := make([]ActionResult, 0, len(actions))
	for _, a := range actions {
		r := x.execute(ctx, a, cm)
		outcome := "ok"
		switch {
		case r.Skipped:
			outcome = "skipped"
		case !r.Success:
			outcome = "error"
		}
		x.rc.Metrics.Action(a.Kind.String(), outcome)
		results = append(results, r)
		if observe != nil {
			observe(r)
		}
	}
	return results
}

func (x *Executor) execute(ctx context.Context, a Action, cm *CreationMap) ActionResult {
	log := x.rc.Log.With("action", a.Kind.String(), "object", a.ObjectSlug)
	r := ActionResult{Action: a.Kind.String(), Object: a.ObjectSlug, Reasoning: a.Reasoning}

	var (
		result interface{}
		err    error
	)
	switch a.Kind {
	case ActionCheckExisting:
		var cr CheckResult
		cr, err = x.check(ctx, a)
		if err == nil && cr.Found {
			x.resolver.Remember(a.ObjectSlug, searchKey(a.SearchCriteria), cr.RecordIDs[0])
			r.RecordID = cr.RecordIDs[0]
		}
		result = cr
	case ActionSmartCheckExisting:
		var cr CheckResult
		cr, err = x.smartCheck(ctx, a)
		if err == nil && cr.Found {
			id := cr.RecordIDs[0]
			x.resolver.Remember(a.ObjectSlug, searchKey(a.SearchCriteria), id)
			for _, term := range a.SearchTerms {
				x.resolver.Remember(a.ObjectSlug, term, id)
			}
			r.RecordID = id
		}
		result = cr
	case ActionCreateRecord:
		if x.rc.Catalog.IsPersonObject(a.ObjectSlug) {
			if label, skip := notAnIndividual(a.Values); skip {
				log.Info("skipping team, role or unnamed person", "name", label)
				r.Skipped = true
				if label == "" {
					r.Reasoning = "no personal name given"
				} else {
					r.Reasoning = fmt.Sprintf("%q is a team or role, not a person", label)
				}
				return r
			}
		}
		var wr WriteResult
		wr, err = x.createOrUpdate(ctx, a, cm)
		if err == nil {
			r.RecordID = wr.RecordID
		}
		result = wr
	default:
		err = fmt.Errorf("unsupported action kind %d", a.Kind)
	}

	if err != nil {
		log.Warn("action failed", "error", err)
		r.Error = err.Error()
		if r.Reasoning == "" {
			r.Reasoning = "Action failed"
		}
		return r
	}
	r.Success = true
	r.Result = result
	if r.Reasoning == "" {
		r.Reasoning = "Action completed"
	}
	return r
}

// check scans the object's records for any search criterion matching.
func (x *Executor) check(ctx context.Context, a Action) (CheckResult, error) {
	cr := CheckResult{RecordIDs: []string{}, Method: "search_criteria"}
	if len(a.SearchCriteria) == 0 {
		return cr, nil
	}
	records, err := x.rc.Store.QueryRecords(ctx, a.ObjectSlug, recordstore.QueryOptions{Limit: x.rc.Config.SearchPageSize})
	if err != nil {
		return cr, fmt.Errorf("check %s: %w", a.ObjectSlug, err)
	}
	for _, rec := range records {
		for field, want := range a.SearchCriteria {
			if valueContains(rec.Values[field], stringify(want)) {
				cr.RecordIDs = append(cr.RecordIDs, rec.ID)
				break
			}
		}
	}
	cr.Count = len(cr.RecordIDs)
	cr.Found = cr.Count > 0
	return cr, nil
}

func (x *Executor) smartCheck(ctx context.Context, a Action) (CheckResult, error) {
	cr, err := x.check(ctx, a)
	if err != nil || cr.Found || len(a.SearchTerms) == 0 {
		return cr, err
	}
	id, err := x.resolver.SearchByTerms(ctx, a.ObjectSlug, a.SearchTerms)
	if err != nil {
		return cr, err
	}
	if id == "" {
		cr.Method = "smart_check"
		return cr, nil
	}
	return CheckResult{Found: true, Count: 1, RecordIDs: []string{id}, Method: "smart_name_search"}, nil
}

// createOrUpdate patches the record matching the action's search criteria
// when one exists (and updates are allowed), otherwise creates it.
func (x *Executor) createOrUpdate(ctx context.Context, a Action, cm *CreationMap) (WriteResult, error) {
	key := searchKey(a.SearchCriteria)
	log := x.rc.Log.With("object", a.ObjectSlug, "search_key", key)

	existing := ""
	if len(a.SearchCriteria) > 0 {
		if id, ok := x.rc.Resolutions.Get(resolutionKey(a.ObjectSlug, key)); ok {
			existing = id
		} else {
			cr, err := x.check(ctx, a)
			if err != nil {
				log.Warn("existence check failed, creating", "error", err)
			} else if cr.Found {
				existing = cr.RecordIDs[0]
				x.resolver.Remember(a.ObjectSlug, key, existing)
			}
		}
	}

	values := x.resolver.ResolvePayload(ctx, a.Values, cm)
	if recordstore.IsAuxiliary(a.ObjectSlug) {
		values = normalizeAuxiliary(a.ObjectSlug, values)
	}

	if existing != "" && (a.UpdateIfExists == nil || *a.UpdateIfExists) {
		if _, err := x.rc.Store.PatchRecord(ctx, a.ObjectSlug, existing, recordstore.WriteRequest{Values: values}); err != nil {
			return WriteResult{}, fmt.Errorf("update %s %s: %w", a.ObjectSlug, existing, err)
		}
		cm.Put(a.ObjectSlug, key, existing)
		log.Info("record updated", "record_id", existing)
		return WriteResult{Operation: "updated", RecordID: existing}, nil
	}

	rec, err := x.rc.Store.CreateRecord(ctx, a.ObjectSlug, recordstore.WriteRequest{Values: values})
	if err != nil {
		return WriteResult{}, fmt.Errorf("create %s: %w", a.ObjectSlug, err)
	}
	if recordstore.IsValidRecordID(rec.ID) {
		if len(a.SearchCriteria) > 0 {
			cm.Put(a.ObjectSlug, key, rec.ID)
			x.resolver.Remember(a.ObjectSlug, key, rec.ID)
		}
		for _, field := range x.rc.Catalog.SearchableFields(a.ObjectSlug) {
			if s := stringify(values[field]); s != "" {
				x.resolver.Remember(a.ObjectSlug, s, rec.ID)
			}
		}
	} else {
		log.Warn("store returned malformed record id", "record_id", rec.ID)
	}
	log.Info("record created", "record_id", rec.ID)
	return WriteResult{Operation: "created", RecordID: rec.ID}, nil
}

// normalizeAuxiliary keeps only resolved links on auxiliary bodies.
func normalizeAuxiliary(object string, values map[string]interface{}) map[string]interface{} {
	if object != "tasks" {
		return values
	}
	out := copyValues(values)
	links := []interface{}{}
	if list, ok := values["linked_records"].([]interface{}); ok {
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			target, _ := m["target_object"].(string)
			id, _ := m["target_record_id"].(string)
			if target != "" && recordstore.IsValidRecordID(id) {
				links = append(links, map[string]interface{}{"target_object": target, "target_record_id": id})
			}
		}
	}
	out["linked_records"] = links
	return out
}

// searchKey joins criteria values in key order, "unknown" when empty.
func searchKey(criteria map[string]interface{}) string {
	if len(criteria) == 0 {
		return "unknown"
	}
	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, stringify(criteria[k]))
	}
	return strings.Join(parts, "|")
}

// valueContains reports whether a stored value contains want,
// case-insensitively, looking into arrays and structured values.
func valueContains(have interface{}, want string) bool {
	w := strings.ToLower(strings.TrimSpace(want))
	if w == "" {
		return false
	}
	switch h := have.(type) {
	case string:
		return strings.Contains(strings.ToLower(h), w)
	case []interface{}:
		for _, item := range h {
			if valueContains(item, want) {
				return true
			}
		}
	case map[string]interface{}:
		for _, v := range h {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), w) {
				return true
			}
		}
	}
	return false
}
