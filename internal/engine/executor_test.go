package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/crmsync/internal/recordstore"
	"github.com/scrypster/crmsync/internal/recordstore/sqlstore"
)

func intPtr(n int) *int { return &n }

func newTestExecutor(t *testing.T) (*Executor, *testEnv) {
	t.Helper()
	env := newTestEnv(t, sqlstore.DefaultSeed(), newScriptedModel("", nil))
	return NewExecutor(env.rc, NewResolver(env.rc)), env
}

func TestSortActions_StableByPriority(t *testing.T) {
	in := []Action{
		{Index: 0, Priority: nil},
		{Index: 1, Priority: intPtr(2)},
		{Index: 2, Priority: intPtr(1)},
		{Index: 3, Priority: intPtr(2)},
		{Index: 4, Priority: intPtr(MissingPriority + 1)},
	}
	got := SortActions(in)

	var order []int
	for _, a := range got {
		order = append(order, a.Index)
	}
	assert.Equal(t, []int{2, 1, 3, 0, 4}, order)
	assert.Equal(t, 0, in[0].Index, "input is not reordered")
}

func TestExecute_ContinuesAfterFailure(t *testing.T) {
	x, env := newTestExecutor(t)

	results := x.Execute(context.Background(), []Action{
		{Kind: ActionCreateRecord, ObjectSlug: "companies", Values: map[string]interface{}{"name": "Broken", "bogus": true}},
		{Kind: ActionCreateRecord, ObjectSlug: "companies", SearchCriteria: map[string]interface{}{"name": "Initech"}, Values: map[string]interface{}{"name": "Initech"}},
	}, NewCreationMap(), nil)

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "bogus")
	assert.True(t, results[1].Success)
	assert.True(t, recordstore.IsValidRecordID(results[1].RecordID))

	s := Summarize(results)
	assert.Equal(t, 1, s.Successful)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, "Processed 1/2 actions successfully", s.Message)
	assert.Equal(t, "create_record on companies, create_record on companies", s.Actions)
	assert.NotNil(t, findRecord(env.records(t, "companies"), "name", "Initech"))
}

func TestExecute_SkipsTeamsAsPeople(t *testing.T) {
	x, env := newTestExecutor(t)

	var observed []ActionResult
	results := x.Execute(context.Background(), []Action{
		{Kind: ActionCreateRecord, ObjectSlug: "people", Values: map[string]interface{}{
			"name": map[string]interface{}{"full_name": "Sales Team"},
		}},
	}, NewCreationMap(), func(r ActionResult) { observed = append(observed, r) })

	require.Len(t, results, 1)
	assert.True(t, results[0].Skipped)
	assert.False(t, results[0].Success)
	assert.Empty(t, results[0].Error)
	assert.Len(t, observed, 1)
	assert.Empty(t, env.records(t, "people"))

	s := Summarize(results)
	assert.Equal(t, Summary{Total: 1, Skipped: 1, Actions: "create_record on people", Message: "Processed 0/1 actions successfully"}, s)
}

func TestExecute_SkipsUnnamedPeople(t *testing.T) {
	x, env := newTestExecutor(t)

	results := x.Execute(context.Background(), []Action{
		{Kind: ActionCreateRecord, ObjectSlug: "people", Values: map[string]interface{}{"job_title": "CTO"}},
		{Kind: ActionCreateRecord, ObjectSlug: "people", Values: map[string]interface{}{"role": "Legal Department"}},
		{Kind: ActionCreateRecord, ObjectSlug: "people", Values: map[string]interface{}{
			"company": map[string]interface{}{"target_object": "companies", "lookup_value": "Globex"},
		}},
	}, NewCreationMap(), nil)

	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Skipped)
		assert.False(t, r.Success)
	}
	assert.Equal(t, `"CTO" is a team or role, not a person`, results[0].Reasoning)
	assert.Equal(t, "no personal name given", results[2].Reasoning)
	assert.Empty(t, env.records(t, "people"))
}

func TestExecute_RemembersSearchableValuesOfCreatedRecords(t *testing.T) {
	x, env := newTestExecutor(t)
	r := NewResolver(env.rc)

	results := x.Execute(context.Background(), []Action{{
		Kind:           ActionCreateRecord,
		ObjectSlug:     "tasks",
		SearchCriteria: map[string]interface{}{"content": "Send proposal to Initech"},
		Values: map[string]interface{}{
			"title":   "Proposal follow-up",
			"content": "Send proposal to Initech",
			"format":  "plaintext",
		},
	}}, NewCreationMap(), nil)
	require.True(t, results[0].Success, results[0].Error)

	byTitle, ok := r.Recall("tasks", "Proposal follow-up")
	require.True(t, ok)
	assert.Equal(t, results[0].RecordID, byTitle)

	byContent, ok := r.Recall("tasks", "send proposal to initech")
	require.True(t, ok)
	assert.Equal(t, results[0].RecordID, byContent)
}

func TestExecute_EmptyCriteriaStayOutOfCreationMap(t *testing.T) {
	x, env := newTestExecutor(t)
	cm := NewCreationMap()

	results := x.Execute(context.Background(), []Action{{
		Kind:       ActionCreateRecord,
		ObjectSlug: "companies",
		Values:     map[string]interface{}{"name": "Initech"},
	}}, cm, nil)
	require.True(t, results[0].Success, results[0].Error)

	assert.Zero(t, cm.Len())
	for _, short := range []string{"no", "own", "unknown"} {
		_, ok := cm.Lookup("companies", short)
		assert.False(t, ok, short)
	}
	id, ok := NewResolver(env.rc).Recall("companies", "Initech")
	require.True(t, ok)
	assert.Equal(t, results[0].RecordID, id)
}

func TestExecute_CheckExisting(t *testing.T) {
	x, env := newTestExecutor(t)
	globex := findRecord(env.records(t, "companies"), "name", "Globex")
	require.NotNil(t, globex)

	results := x.Execute(context.Background(), []Action{
		{Kind: ActionCheckExisting, ObjectSlug: "companies", SearchCriteria: map[string]interface{}{"name": "globex"}},
		{Kind: ActionCheckExisting, ObjectSlug: "companies", SearchCriteria: map[string]interface{}{"name": "Umbrella"}},
	}, NewCreationMap(), nil)

	require.Len(t, results, 2)
	found := results[0].Result.(CheckResult)
	assert.True(t, found.Found)
	assert.Equal(t, []string{globex.ID}, found.RecordIDs)
	assert.Equal(t, globex.ID, results[0].RecordID)

	missing := results[1].Result.(CheckResult)
	assert.True(t, results[1].Success, "a miss is not a failure")
	assert.False(t, missing.Found)
	assert.Equal(t, []string{}, missing.RecordIDs)

	id, ok := env.rc.Resolutions.Get(resolutionKey("companies", "globex"))
	require.True(t, ok)
	assert.Equal(t, globex.ID, id)
}

func TestExecute_SmartCheckFallsBackToTerms(t *testing.T) {
	x, env := newTestExecutor(t)
	globex := findRecord(env.records(t, "companies"), "name", "Globex")
	require.NotNil(t, globex)

	results := x.Execute(context.Background(), []Action{{
		Kind:           ActionSmartCheckExisting,
		ObjectSlug:     "companies",
		SearchCriteria: map[string]interface{}{"name": "Globex Corporation"},
		SearchTerms:    []string{"Globex Corporation", "Globex"},
	}}, NewCreationMap(), nil)

	cr := results[0].Result.(CheckResult)
	assert.True(t, cr.Found)
	assert.Equal(t, "smart_name_search", cr.Method)
	assert.Equal(t, globex.ID, results[0].RecordID)

	id, ok := NewResolver(env.rc).Recall("companies", "Globex Corporation")
	require.True(t, ok)
	assert.Equal(t, globex.ID, id)
}

func TestExecute_UpdateIfExists(t *testing.T) {
	x, env := newTestExecutor(t)
	globex := findRecord(env.records(t, "companies"), "name", "Globex")
	require.NotNil(t, globex)
	no := false

	cm := NewCreationMap()
	results := x.Execute(context.Background(), []Action{
		{Kind: ActionCreateRecord, ObjectSlug: "companies", SearchCriteria: map[string]interface{}{"name": "Globex"},
			Values: map[string]interface{}{"name": "Globex", "description": "Widgets"}},
		{Kind: ActionCreateRecord, ObjectSlug: "companies", SearchCriteria: map[string]interface{}{"name": "Globex"},
			UpdateIfExists: &no, Values: map[string]interface{}{"name": "Globex"}},
	}, cm, nil)

	require.Len(t, results, 2)
	assert.Equal(t, WriteResult{Operation: "updated", RecordID: globex.ID}, results[0].Result)
	assert.Equal(t, "created", results[1].Result.(WriteResult).Operation)

	updated := findRecord(env.records(t, "companies"), "name", "Globex")
	require.NotNil(t, updated)
	assert.Equal(t, "Widgets", updated.Values["description"])
	assert.Len(t, env.records(t, "companies"), 2)
}

func TestExecute_TaskLinksKeepOnlyResolved(t *testing.T) {
	x, env := newTestExecutor(t)
	acme := recordstore.NewRecordID()
	cm := NewCreationMap()
	cm.Put("companies", "Acme", acme)

	results := x.Execute(context.Background(), []Action{{
		Kind:           ActionCreateRecord,
		ObjectSlug:     "tasks",
		SearchCriteria: map[string]interface{}{"content": "Call Acme"},
		Values: map[string]interface{}{
			"content": "Call Acme",
			"format":  "plaintext",
			"linked_records": []interface{}{
				Placeholder{TargetObject: "companies", LookupValue: "Acme"}.value(),
				Placeholder{TargetObject: "people", LookupValue: "Ghost"}.value(),
			},
		},
	}}, cm, nil)

	require.True(t, results[0].Success, results[0].Error)
	tasks := env.records(t, "tasks")
	require.Len(t, tasks, 1)
	assert.Equal(t, []interface{}{
		map[string]interface{}{"target_object": "companies", "target_record_id": acme},
	}, tasks[0].Values["linked_records"])
}

func TestSearchKey(t *testing.T) {
	assert.Equal(t, "unknown", searchKey(nil))
	assert.Equal(t, "acme.com|Acme", searchKey(map[string]interface{}{"name": "Acme", "domains": []interface{}{"acme.com"}}))
}

func TestValueContains(t *testing.T) {
	assert.True(t, valueContains("Acme Corp", "acme"))
	assert.True(t, valueContains([]interface{}{"x", "globex.com"}, "GLOBEX"))
	assert.True(t, valueContains(map[string]interface{}{"full_name": "Jane Doe"}, "jane"))
	assert.False(t, valueContains("Acme", ""))
	assert.False(t, valueContains(42, "42"))
}
