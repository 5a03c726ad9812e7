package config

import "strings"

// Wildcard is the CORS_ORIGINS value that allows every origin.
const Wildcard = "*"

// Origins is the parsed CORS allow-list. Any is set for the wildcard;
// otherwise List holds the allowed origins in configured order.
type Origins struct {
	Any  bool
	List []string
}

// ParseOrigins parses a CORS_ORIGINS value. Exactly "*" (after trimming)
// yields the wildcard. Anything else is split on commas; entries are
// trimmed, blanks dropped, order and duplicates kept.
func ParseOrigins(raw string) Origins {
	if strings.TrimSpace(raw) == Wildcard {
		return Origins{Any: true}
	}
	list := []string{}
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			list = append(list, o)
		}
	}
	return Origins{List: list}
}

// Allows reports whether origin may connect.
func (o Origins) Allows(origin string) bool {
	if o.Any {
		return true
	}
	for _, allowed := range o.List {
		if allowed == origin {
			return true
		}
	}
	return false
}

// String renders the allow-list the way it was configured.
func (o Origins) String() string {
	if o.Any {
		return Wildcard
	}
	return "[" + strings.Join(o.List, ", ") + "]"
}
