package engine

import (
	"sort"
)

// Orderer sorts detected entities so that referenced objects are handled
// before the objects that reference them.
type Orderer struct {
	rc *Context
}

// NewOrderer creates an orderer.
func NewOrderer(rc *Context) *Orderer {
	return &Orderer{rc: rc}
}

// Dependency is a reference from an entity to another candidate in the batch.
type Dependency struct {
	TargetObject  string                 `json:"target_object"`
	ExtractedInfo map[string]interface{} `json:"extracted_info"`
}

// referencedSlugs returns the objects slug references that are present in
// the batch, excluding slug itself.
func (o *Orderer) referencedSlugs(slug string, present map[string]int) []string {
	var deps []string
	seen := map[string]bool{}
	for _, target := range o.rc.Catalog.ReferenceTargets(slug) {
		if target == slug || seen[target] || present[target] == 0 {
			continue
		}
		seen[target] = true
		deps = append(deps, target)
	}
	sort.Strings(deps)
	return deps
}

// Order places every candidate once all candidates of the objects it
// references are placed. When a pass places nothing (a reference cycle) the
// remaining candidates are appended in their original order.
func (o *Orderer) Order(entities []EntityCandidate) []EntityCandidate {
	total := map[string]int{}
	for _, e := range entities {
		total[e.ObjectSlug]++
	}

	deps := make([][]string, len(entities))
	for i, e := range entities {
		deps[i] = o.referencedSlugs(e.ObjectSlug, total)
	}

	ordered := make([]EntityCandidate, 0, len(entities))
	placed := make([]bool, len(entities))
	placedCount := map[string]int{}

	for len(ordered) < len(entities) {
		progress := false
		for i, e := range entities {
			if placed[i] {
				continue
			}
			ready := true
			for _, d := range deps[i] {
				if placedCount[d] < total[d] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			ordered = append(ordered, e)
			placed[i] = true
			placedCount[e.ObjectSlug]++
			progress = true
		}
		if !progress {
			o.rc.Log.Warn("reference cycle between detected entities, keeping original order")
			for i, e := range entities {
				if !placed[i] {
					ordered = append(ordered, e)
				}
			}
			break
		}
	}
	return ordered
}

// Dependencies maps each reference attribute of entity to the batch
// candidate of its target object, for the generation prompt.
func (o *Orderer) Dependencies(entity EntityCandidate, batch []EntityCandidate) map[string]Dependency {
	out := map[string]Dependency{}
	for attr, target := range o.rc.Catalog.ReferenceTargets(entity.ObjectSlug) {
		for _, other := range batch {
			if other.ObjectSlug == target {
				out[attr] = Dependency{TargetObject: target, ExtractedInfo: other.ExtractedInfo}
				break
			}
		}
	}
	return out
}
