package cachepolicy

import (
	"strconv"
	"strings"
	"time"
)

// Directives are the Cache-Control directives a handler can use to steer the
// response cache. The rule TTL is an upper bound; handlers can only shorten it.
type Directives struct {
	NoStore bool
	MaxAge  *time.Duration
	SMaxAge *time.Duration
}

// ParseCacheControl reads the directives relevant to the response cache.
// Unknown directives are ignored.
func ParseCacheControl(header string) Directives {
	var d Directives
	for _, part := range strings.Split(header, ",") {
		name, value, hasValue := strings.Cut(strings.TrimSpace(part), "=")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "no-store", "no-cache":
			d.NoStore = true
		case "max-age":
			if hasValue {
				d.MaxAge = seconds(value)
			}
		case "s-maxage":
			if hasValue {
				d.SMaxAge = seconds(value)
			}
		}
	}
	return d
}

func seconds(raw string) *time.Duration {
	n, err := strconv.Atoi(strings.Trim(strings.TrimSpace(raw), `"`))
	if err != nil || n < 0 {
		return nil
	}
	ttl := time.Duration(n) * time.Second
	return &ttl
}

// StoreTTL returns how long to keep a response matched by a rule with ttl.
// Zero means the response must not be stored.
func (d Directives) StoreTTL(ttl time.Duration) time.Duration {
	if d.NoStore {
		return 0
	}
	limit := d.SMaxAge
	if limit == nil {
		limit = d.MaxAge
	}
	if limit != nil && *limit < ttl {
		return *limit
	}
	return ttl
}
