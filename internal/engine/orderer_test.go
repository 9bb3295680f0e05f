package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/crmsync/internal/recordstore/sqlstore"
)

const cycleSeed = `
objects:
  - slug: alphas
    name: Alphas
    attributes:
      - {slug: name, name: Name, type: text}
      - {slug: beta, name: Beta, type: record-reference, config: {target_object: betas}}
  - slug: betas
    name: Betas
    attributes:
      - {slug: name, name: Name, type: text}
      - {slug: alpha, name: Alpha, type: record-reference, config: {target_object: alphas}}
      - {slug: parent, name: Parent, type: record-reference, config: {target_object: betas}}
`

func slugsOf(entities []EntityCandidate) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.ObjectSlug)
	}
	return out
}

func candidate(slug, name string) EntityCandidate {
	return EntityCandidate{ObjectSlug: slug, ExtractedInfo: map[string]interface{}{"name": name}}
}

func TestOrder_ReferencedObjectsFirst(t *testing.T) {
	env := newTestEnv(t, sqlstore.DefaultSeed(), newScriptedModel("", nil))
	o := NewOrderer(env.rc)

	ordered := o.Order([]EntityCandidate{
		candidate("tasks", "Follow up"),
		candidate("deals", "Expansion"),
		candidate("people", "Jane Doe"),
		candidate("companies", "Acme"),
		candidate("people", "John Roe"),
	})
	assert.Equal(t, []string{"companies", "people", "people", "deals", "tasks"}, slugsOf(ordered))
}

func TestOrder_AbsentTargetsDoNotBlock(t *testing.T) {
	env := newTestEnv(t, sqlstore.DefaultSeed(), newScriptedModel("", nil))

	ordered := NewOrderer(env.rc).Order([]EntityCandidate{
		candidate("deals", "Expansion"),
		candidate("people", "Jane Doe"),
	})
	assert.Equal(t, []string{"people", "deals"}, slugsOf(ordered))
}

func TestOrder_CycleKeepsOriginalOrder(t *testing.T) {
	env := newTestEnv(t, []byte(cycleSeed), newScriptedModel("", nil))

	in := []EntityCandidate{candidate("betas", "b"), candidate("alphas", "a")}
	ordered := NewOrderer(env.rc).Order(in)
	require.Len(t, ordered, 2)
	assert.Equal(t, []string{"betas", "alphas"}, slugsOf(ordered))
}

func TestOrder_Empty(t *testing.T) {
	env := newTestEnv(t, sqlstore.DefaultSeed(), newScriptedModel("", nil))
	assert.Empty(t, NewOrderer(env.rc).Order(nil))
}

func TestDependencies(t *testing.T) {
	env := newTestEnv(t, sqlstore.DefaultSeed(), newScriptedModel("", nil))
	batch := []EntityCandidate{
		candidate("companies", "Acme"),
		candidate("people", "Jane Doe"),
		candidate("deals", "Expansion"),
	}

	deps := NewOrderer(env.rc).Dependencies(batch[2], batch)
	require.Len(t, deps, 2)
	assert.Equal(t, "companies", deps["associated_company"].TargetObject)
	assert.Equal(t, "Acme", deps["associated_company"].ExtractedInfo["name"])
	assert.Equal(t, "people", deps["associated_people"].TargetObject)
}
