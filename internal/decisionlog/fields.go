package decisionlog

import "strings"

// LogEntryPreface marks where santad's key=value section begins in a log line.
const LogEntryPreface = "santad: "

// ParseStatus reports how much of a log line could be understood.
type ParseStatus int

const (
	ParseUnparseable ParseStatus = iota // neither timestamp nor key=value pairs
	ParsePartial                        // timestamp or pairs, not both
	ParseFull                           // timestamp and at least one pair
)

// String returns the lowercase status name.
func (s ParseStatus) String() string {
	switch s {
	case ParseFull:
		return "full"
	case ParsePartial:
		return "partial"
	default:
		return "unparseable"
	}
}

// Fields is the flat field map extracted from one log line.
type Fields struct {
	Values map[string]string
	Status ParseStatus
}

// Get returns the value for key, or "" when the line did not carry it.
func (f Fields) Get(key string) string {
	return f.Values[key]
}

// ExtractFields parses one raw santad log line. It never fails: malformed
// lines yield a partial or empty field map, reported through Status.
//
// The timestamp is the text inside the first [...] span. Pairs are read after
// LogEntryPreface as key=value|key=value|...; a value runs to the next '|' or
// the end of the line, and a key with no value stops the scan. The first
// occurrence of a key wins.
func ExtractFields(line string) Fields {
	values := make(map[string]string)

	hasTimestamp := false
	if start := strings.IndexByte(line, '['); start >= 0 {
		if end := strings.IndexByte(line, ']'); end > start {
			values["timestamp"] = line[start+1 : end]
			hasTimestamp = true
		}
	}

	pairs := 0
	if idx := strings.Index(line, LogEntryPreface); idx >= 0 {
		rest := line[idx+len(LogEntryPreface):]
		for {
			keyEnd := strings.IndexByte(rest, '=')
			if keyEnd < 0 {
				break
			}
			valStart := keyEnd
			for valStart < len(rest) && rest[valStart] == '=' {
				valStart++
			}
			if valStart == len(rest) {
				break
			}

			key := rest[:keyEnd]
			value := rest[valStart:]
			next := ""
			last := true
			if valEnd := strings.IndexByte(value, '|'); valEnd >= 0 {
				next = value[valEnd+1:]
				value = value[:valEnd]
				last = false
			}

			if _, seen := values[key]; !seen {
				values[key] = value
				pairs++
			}
			if last {
				break
			}
			rest = next
		}
	}

	status := ParseUnparseable
	switch {
	case hasTimestamp && pairs > 0:
		status = ParseFull
	case hasTimestamp || pairs > 0:
		status = ParsePartial
	}

	return Fields{Values: values, Status: status}
}
