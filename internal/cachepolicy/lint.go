package cachepolicy

import (
	"fmt"
	"strings"
)

// Finding reports an invalidation pattern that can never remove a cached entry.
type Finding struct {
	Rule    string
	Pattern string
}

func (f Finding) String() string {
	return fmt.Sprintf("rule %q: pattern %q matches no retrieval key template", f.Rule, f.Pattern)
}

// Lint checks every invalidation pattern against the retrieval key templates.
// A pattern is covered when, with placeholders stripped, its literal prefix is
// a prefix of a stripped template, or when it matches a template whose
// placeholders are filled with sample values. Dangling patterns do not stop
// the engine from serving.
func Lint(engine *Engine) []Finding {
	var findings []Finding
	check := func(rule Rule, patterns []string) {
		for _, pattern := range patterns {
			if !covered(engine.retrieval, pattern) {
				findings = append(findings, Finding{Rule: rule.Name(), Pattern: pattern})
			}
		}
	}
	for _, rule := range engine.updates {
		check(rule, rule.Invalidate)
	}
	for _, rule := range engine.deletes {
		check(rule, rule.Invalidate)
	}
	return findings
}

func covered(retrieval []*RetrievalRule, pattern string) bool {
	prefix := literalPrefix(stripPlaceholders(pattern))
	wildcard, err := compileGlob(placeholderRE.ReplaceAllString(pattern, "*"))
	if err != nil {
		return false
	}
	for _, rule := range retrieval {
		if strings.HasPrefix(stripPlaceholders(rule.Key), prefix) {
			return true
		}
		if wildcard.Match(placeholderRE.ReplaceAllString(rule.Key, "x")) {
			return true
		}
	}
	return false
}
