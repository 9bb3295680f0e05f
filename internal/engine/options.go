package engine

import (
	"strings"
)

// stageIndicators maps canonical deal stages to phrases that imply them.
var stageIndicators = []struct {
	stage      string
	indicators []string
}{
	{"lead", []string{"lead", "qualified", "first call", "initial discussion", "introduction", "prospect"}},
	{"in progress", []string{"in progress", "discovery", "demo", "demonstration", "presentation", "proposal", "negotiation", "contract", "terms"}},
	{"won", []string{"won", "closed won", "signed", "closed", "deal done", "approved"}},
	{"lost", []string{"lost", "closed lost", "went with", "chose", "not moving forward", "lost to"}},
}

// MapOption maps free text to one of options: exact match, then partial
// containment either way, then stage indicator phrases, then an option
// mentioning discovery or qualified. ok is false when nothing fits.
func MapOption(input string, options []string) (string, bool) {
	in := strings.ToLower(strings.TrimSpace(input))
	if in == "" || len(options) == 0 {
		return "", false
	}

	for _, o := range options {
		if strings.ToLower(strings.TrimSpace(o)) == in {
			return o, true
		}
	}

	for _, o := range options {
		lo := strings.ToLower(strings.TrimSpace(o))
		if lo == "" {
			continue
		}
		if strings.Contains(lo, in) || strings.Contains(in, lo) {
			return o, true
		}
	}

	for _, s := range stageIndicators {
		matched := false
		for _, ind := range s.indicators {
			if strings.Contains(in, ind) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		for _, o := range options {
			lo := strings.ToLower(o)
			if lo == s.stage || strings.HasPrefix(lo, s.stage+" ") {
				return o, true
			}
		}
	}

	for _, o := range options {
		lo := strings.ToLower(o)
		if strings.Contains(lo, "discovery") || strings.Contains(lo, "qualified") {
			return o, true
		}
	}
	return "", false
}
