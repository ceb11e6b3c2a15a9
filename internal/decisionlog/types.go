package decisionlog

// DecisionEvent is one allow/deny outcome reconstructed from a log line.
type DecisionEvent struct {
	Timestamp string
	Path      string
	Reason    string
	SHA256    string
	Parse     ParseStatus
}

// eventFromLine builds a DecisionEvent from a raw line. Missing fields are
// left empty; callers must tolerate partial events.
func eventFromLine(line string) DecisionEvent {
	f := ExtractFields(line)
	return DecisionEvent{
		Timestamp: f.Get("timestamp"),
		Path:      f.Get("path"),
		Reason:    f.Get("reason"),
		SHA256:    f.Get("sha256"),
		Parse:     f.Status,
	}
}
