package cachepolicy

import (
	"regexp"
	"strconv"
	"strings"
)

var placeholderRE = regexp.MustCompile(`\{([a-z_]+)\}`)

// Params holds the values placeholders resolve to. Empty strings and zero
// page/limit are unresolved.
type Params struct {
	UID string
	PID string
	AID string
	EID string

	Page  int
	Limit int
	Sort  string
	// Search and Activities hold digests, never the raw query text.
	Search     string
	Activities string
	Read       string
	Type       string
	// Requester is the requester id in decimal, "0" for anonymous.
	Requester string

	// Named holds values bound by named capture groups that are not one of the
	// fields above.
	Named map[string]string
}

// Lookup resolves one placeholder name.
func (p Params) Lookup(name string) (string, bool) {
	var value string
	switch name {
	case "uid":
		value = p.UID
	case "pid":
		value = p.PID
	case "aid":
		value = p.AID
	case "eid":
		value = p.EID
	case "page":
		if p.Page > 0 {
			value = strconv.Itoa(p.Page)
		}
	case "limit":
		if p.Limit > 0 {
			value = strconv.Itoa(p.Limit)
		}
	case "sort":
		value = p.Sort
	case "search":
		value = p.Search
	case "activities":
		value = p.Activities
	case "read":
		value = p.Read
	case "type":
		value = p.Type
	case "req_uid":
		value = p.Requester
	default:
		value = p.Named[name]
	}
	return value, value != ""
}

func (p *Params) bind(name, value string) {
	switch name {
	case "uid":
		p.UID = value
	case "pid":
		p.PID = value
	case "aid":
		p.AID = value
	case "eid":
		p.EID = value
	default:
		if p.Named == nil {
			p.Named = make(map[string]string)
		}
		p.Named[name] = value
	}
}

// BuildKey substitutes every {name} placeholder in template. Placeholders with
// no value are removed, so the result never contains literal braces.
func BuildKey(template string, p Params) string {
	return placeholderRE.ReplaceAllStringFunc(template, func(match string) string {
		value, _ := p.Lookup(match[1 : len(match)-1])
		return value
	})
}

// ResolvePattern substitutes placeholders in an invalidation pattern. Unlike
// BuildKey, unresolved placeholders become "*" so the pattern still covers
// every key the placeholder could have produced.
func ResolvePattern(pattern string, p Params) string {
	return placeholderRE.ReplaceAllStringFunc(pattern, func(match string) string {
		if value, ok := p.Lookup(match[1 : len(match)-1]); ok {
			return value
		}
		return "*"
	})
}

// stripPlaceholders removes every placeholder, used when comparing templates.
func stripPlaceholders(template string) string {
	return placeholderRE.ReplaceAllString(template, "")
}

// literalPrefix returns the text before the first wildcard.
func literalPrefix(pattern string) string {
	prefix, _, _ := strings.Cut(pattern, "*")
	return prefix
}
