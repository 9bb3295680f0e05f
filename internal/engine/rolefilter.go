package engine

import (
	"strings"
	"unicode"
)

var teamIndicators = map[string]bool{
	"team": true, "teams": true, "department": true, "group": true, "division": true,
	"unit": true, "committee": true, "board": true, "panel": true, "squad": true,
	"crew": true, "staff": true, "workforce": true,
}

var roleTitles = map[string]bool{
	"cto": true, "ceo": true, "cfo": true, "cmo": true, "coo": true, "cpo": true,
	"ciso": true, "vp": true, "svp": true, "evp": true, "director": true,
	"manager": true, "lead": true, "head": true, "president": true,
	"founder": true, "owner": true, "chief": true, "officer": true,
}

// roleQualifiers may accompany a role title without naming anyone,
// as in "VP Sales" or "Head of Engineering".
var roleQualifiers = map[string]bool{
	"of": true, "the": true, "our": true, "their": true, "and": true, "new": true,
	"sales": true, "marketing": true, "engineering": true, "product": true,
	"finance": true, "operations": true, "legal": true, "procurement": true,
	"hr": true, "people": true, "technology": true, "technical": true,
	"executive": true, "financial": true, "operating": true, "security": true,
	"information": true, "design": true, "support": true, "success": true,
	"customer": true, "it": true, "vice": true, "senior": true, "general": true,
	"account": true, "project": true, "program": true, "business": true,
	"development": true, "revenue": true, "growth": true, "data": true,
}

// IsTeamOrRole reports whether name refers to a group or a bare job title
// rather than a named individual.
func IsTeamOrRole(name string) bool {
	words := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return false
	}

	for _, w := range words {
		if teamIndicators[w] {
			return true
		}
	}

	hasTitle := false
	for _, w := range words {
		switch {
		case roleTitles[w]:
			hasTitle = true
		case roleQualifiers[w]:
		default:
			return false
		}
	}
	return hasTitle
}

// notAnIndividual reports whether person values describe a team, a bare
// role or nobody in particular. label is what to log. Without a name, an
// email address still identifies someone; a job title alone does not.
func notAnIndividual(values map[string]interface{}) (label string, skip bool) {
	if name := candidateName(values); name != "" {
		return name, IsTeamOrRole(name)
	}
	for _, key := range []string{"email_addresses", "email", "email_address"} {
		if s := strings.TrimSpace(stringify(values[key])); s != "" {
			return s, false
		}
	}
	for _, key := range []string{"job_title", "role", "title"} {
		if s := strings.TrimSpace(stringify(values[key])); s != "" {
			return s, true
		}
	}
	return "", true
}

// candidateName returns the display name carried by extracted info or a
// record payload.
func candidateName(values map[string]interface{}) string {
	for _, key := range []string{"name", "full_name"} {
		switch v := values[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case map[string]interface{}:
			if n := nameFromObject(v); n != "" {
				return n
			}
		case []interface{}:
			for _, item := range v {
				if m, ok := item.(map[string]interface{}); ok {
					if n := nameFromObject(m); n != "" {
						return n
					}
				}
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s)
				}
			}
		}
	}
	first, _ := values["first_name"].(string)
	last, _ := values["last_name"].(string)
	return strings.TrimSpace(first + " " + last)
}

func nameFromObject(m map[string]interface{}) string {
	if full, ok := m["full_name"].(string); ok && strings.TrimSpace(full) != "" {
		return strings.TrimSpace(full)
	}
	first, _ := m["first_name"].(string)
	last, _ := m["last_name"].(string)
	return strings.TrimSpace(first + " " + last)
}
