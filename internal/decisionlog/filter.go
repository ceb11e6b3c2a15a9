package decisionlog

import "strings"

// Class selects which santad decisions a scrape returns.
type Class int

const (
	ClassAllowed Class = iota
	ClassDenied
)

// String returns the lowercase class name.
func (c Class) String() string {
	switch c {
	case ClassAllowed:
		return "allowed"
	case ClassDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Marker returns the literal text a line must contain to belong to the class.
func (c Class) Marker() string {
	if c == ClassDenied {
		return "decision=DENY"
	}
	return "decision=ALLOW"
}

// Matches reports whether line belongs to the class.
//
// This is a substring test on the raw line, not a comparison against the
// parsed decision field: a path or argument that happens to contain the
// marker text is a false positive.
func (c Class) Matches(line string) bool {
	return strings.Contains(line, c.Marker())
}
