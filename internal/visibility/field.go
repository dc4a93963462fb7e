// Package visibility decides which subject fields and entities a requester may see.
package visibility

import "strings"

// PrivacyLevel governs one field. Each level has its own rule; they are not
// compared numerically.
type PrivacyLevel string

const (
	Public  PrivacyLevel = "PUBLIC"
	Mutual  PrivacyLevel = "MUTUAL"
	Circle  PrivacyLevel = "CIRCLE"
	Private PrivacyLevel = "PRIVATE"
)

// ParseLevel normalises case and surrounding space. Unknown values are kept as-is.
func ParseLevel(raw string) PrivacyLevel {
	return PrivacyLevel(strings.ToUpper(strings.TrimSpace(raw)))
}

// KnownLevel reports whether level is one of the four defined levels.
func KnownLevel(level PrivacyLevel) bool {
	switch level {
	case Public, Mutual, Circle, Private:
		return true
	}
	return false
}

// DefaultPrivacy applies to governed fields the subject has not configured.
var DefaultPrivacy = map[string]PrivacyLevel{
	"name":         Public,
	"bio":          Public,
	"country":      Public,
	"activities":   Public,
	"email":        Mutual,
	"phone_number": Circle,
	"address":      Private,
}

// Party is a user as seen by the resolver: identity, role and relationship lists.
type Party struct {
	ID      int64
	Admin   bool
	Friends []int64
	Circle  []int64
}

// Subject is the user whose fields are being read.
type Subject struct {
	Party
	Privacy map[string]PrivacyLevel
}

// LevelFor returns the subject's level for field, falling back to the
// defaults. ok is false for fields that are not privacy-governed.
func (s Subject) LevelFor(field string) (PrivacyLevel, bool) {
	if level, ok := s.Privacy[field]; ok {
		return level, true
	}
	level, ok := DefaultPrivacy[field]
	return level, ok
}

// IsFieldVisible evaluates level for requester reading subject. A nil
// requester is anonymous. The checks run in a fixed order and the first
// match decides. Unknown levels are visible.
func IsFieldVisible(subject Party, requester *Party, level PrivacyLevel) bool {
	if level == Public {
		return true
	}
	if requester == nil {
		return false
	}
	if requester.ID == subject.ID {
		return true
	}
	if requester.Admin {
		return true
	}
	switch level {
	case Private:
		return false
	case Circle:
		return contains(subject.Circle, requester.ID)
	case Mutual:
		return intersects(subject.Friends, requester.Friends)
	default:
		return true
	}
}

// ResolveField returns value when field is visible and nil otherwise.
// Fields that are not privacy-governed are returned unchanged.
func ResolveField(subject Subject, requester *Party, field string, value any) any {
	level, governed := subject.LevelFor(field)
	if !governed {
		return value
	}
	if IsFieldVisible(subject.Party, requester, level) {
		return value
	}
	return nil
}

// Redact removes every governed field requester may not see from fields.
// Absence of a key is the only signal of a privacy denial.
func Redact(subject Subject, requester *Party, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		level, governed := subject.LevelFor(name)
		if governed && !IsFieldVisible(subject.Party, requester, level) {
			continue
		}
		out[name] = value
	}
	return out
}

func contains(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func intersects(a, b []int64) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	seen := make(map[int64]struct{}, len(a))
	for _, id := range a {
		seen[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := seen[id]; ok {
			return true
		}
	}
	return false
}
