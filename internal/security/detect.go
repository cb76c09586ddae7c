package security

import "strings"

// Detect runs the catalogue over text and returns every hit. Input is
// lower-cased first; matching is substring/regex, not exact.
func Detect(text string) []Finding {
	if text == "" {
		return nil
	}
	lowered := strings.ToLower(text)

	var findings []Finding
	for _, p := range catalogue {
		if m := p.re.FindString(lowered); m != "" {
			findings = append(findings, Finding{Category: p.Category, Label: p.Label, Match: m})
		}
	}
	return findings
}

// Categories returns the deduplicated category names of findings, in first-
// seen order.
func Categories(findings []Finding) []string {
	seen := make(map[Category]bool, len(findings))
	var out []string
	for _, f := range findings {
		if !seen[f.Category] {
			seen[f.Category] = true
			out = append(out, string(f.Category))
		}
	}
	return out
}
