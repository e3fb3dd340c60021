package dispatch

import "strings"

// SplitList parses a comma-separated filter list, trimming whitespace
// around each entry and dropping empties.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ShouldProcessTeam reports whether a team passes the allow-list: an empty
// list allows everything, otherwise the name must match an entry exactly
// (case-sensitive, no globbing).
func ShouldProcessTeam(name string, allow []string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, a := range allow {
		if name == a {
			return true
		}
	}
	return false
}

// ShouldProcessPolicy reports whether a policy passes the deny-list: an
// empty list denies nothing, otherwise any exact match excludes the
// policy.
func ShouldProcessPolicy(name string, deny []string) bool {
	for _, d := range deny {
		if name == d {
			return false
		}
	}
	return true
}
