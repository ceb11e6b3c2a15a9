package storage

import "time"

// EventWriter is the interface for writing rule mutation audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *MutationEvent)
	Close()
}

// MutationEvent records one insert, delete or update request against the
// rules table and how it ended.
type MutationEvent struct {
	RequestID   string
	Timestamp   time.Time
	Operation   string // "insert", "delete" or "update"
	RowID       string
	Identifier  string
	RuleType    string
	RuleState   string
	Status      string // "success" or "failure"
	Message     string // failure reason or santactl output, truncated
	Provisional bool   // insert answered with a synthesized row
	LatencyMs   float32
}

// MessagePreviewLength is the max chars stored in message.
const MessagePreviewLength = 500

// TruncateMessage returns the first N characters (runes) of a message for
// storage. It never splits a multi-byte UTF-8 character.
func TruncateMessage(message string, maxLen int) string {
	runes := []rune(message)
	if len(runes) <= maxLen {
		return message
	}
	return string(runes[:maxLen])
}
