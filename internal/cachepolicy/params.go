package cachepolicy

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultPage  = 1
	defaultLimit = 25
	defaultSort  = "desc"
)

// CurrentUser is the path segment that refers to the requester.
const CurrentUser = "current"

// UserLookup resolves usernames found in paths to user ids.
type UserLookup interface {
	UserIDByUsername(ctx context.Context, username string) (int64, bool, error)
}

var positionalSlots = []string{"uid", "pid", "aid", "eid"}

// ExtractPathParams runs pattern against path and binds its captures.
// Named groups bind to their own name. Unnamed numeric captures fill the first
// empty slot of uid, pid, aid, eid. Unnamed non-numeric captures are user
// references: "current" resolves to requesterID and anything else is looked up
// as a username, with an optional leading "@". A reference that resolves to no
// user stays unbound. requesterID is 0 for anonymous requests.
func ExtractPathParams(ctx context.Context, pattern *regexp.Regexp, path string, requesterID int64, users UserLookup) (Params, error) {
	var params Params
	match := pattern.FindStringSubmatch(path)
	if match == nil {
		return params, nil
	}
	names := pattern.SubexpNames()
	for i := 1; i < len(match); i++ {
		value := match[i]
		if value == "" {
			continue
		}
		if names[i] != "" {
			resolved, err := resolveReference(ctx, names[i], value, requesterID, users)
			if err != nil {
				return params, err
			}
			if resolved != "" {
				params.bind(names[i], resolved)
			}
			continue
		}
		if isNumeric(value) {
			for _, slot := range positionalSlots {
				if current, _ := params.Lookup(slot); current == "" {
					params.bind(slot, value)
					break
				}
			}
			continue
		}
		if params.UID != "" {
			continue
		}
		resolved, err := resolveReference(ctx, "uid", value, requesterID, users)
		if err != nil {
			return params, err
		}
		params.UID = resolved
	}
	return params, nil
}

// resolveReference turns a captured user reference into an id. Only the uid
// slot carries user references; other names are returned untouched.
func resolveReference(ctx context.Context, name, value string, requesterID int64, users UserLookup) (string, error) {
	if name != "uid" || isNumeric(value) {
		return value, nil
	}
	if value == CurrentUser {
		if requesterID <= 0 {
			return "", nil
		}
		return strconv.FormatInt(requesterID, 10), nil
	}
	if users == nil {
		return "", nil
	}
	username := strings.TrimPrefix(value, "@")
	id, ok, err := users.UserIDByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("cachepolicy: resolve username %q: %w", username, err)
	}
	if !ok {
		return "", nil
	}
	return strconv.FormatInt(id, 10), nil
}

// ApplyPlaceholders fills pagination, filters and the requester from the query
// string. Free-text filters are replaced by a fixed-length digest.
func ApplyPlaceholders(p Params, query url.Values, requesterID int64) Params {
	p.Page = positiveOr(query.Get("page"), defaultPage)
	p.Limit = positiveOr(query.Get("limit"), defaultLimit)
	p.Sort = strings.ToLower(strings.TrimSpace(query.Get("sort")))
	if p.Sort == "" {
		p.Sort = defaultSort
	}
	p.Search = digest(query.Get("search"))
	p.Activities = digest(query.Get("activities"))
	p.Read = strings.TrimSpace(query.Get("read"))
	p.Type = strings.TrimSpace(query.Get("type"))
	if requesterID > 0 {
		p.Requester = strconv.FormatInt(requesterID, 10)
	} else {
		p.Requester = "0"
	}
	return p
}

func digest(value string) string {
	if value == "" {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(value))
}

func positiveOr(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func isNumeric(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
