package sync

import (
	"strings"
	"time"
)

// Direction of a message relative to the mailbox owner
type Direction string

const (
	DirectionSent     Direction = "SENT"
	DirectionReceived Direction = "RECEIVED"
)

// Cursor is the stored change-log position of a user.
type Cursor struct {
	UserID    string
	Value     string
	UpdatedAt time.Time
}

// Message is an ingested message. It is never rewritten once stored.
type Message struct {
	MessageID    string
	ThreadID     string
	UserID       string
	Direction    Direction
	Sender       string
	Recipients   []string
	Subject      string
	BodyHTML     string
	BodyText     string
	ReceivedAt   time.Time
	SendRecordID string // empty when not linked
}

// Conversation aggregates the messages of one remote thread.
type Conversation struct {
	ID            string
	ThreadID      string
	UserID        string
	Subject       string
	LastMessageAt time.Time
	MessageCount  int
	UpdatedAt     time.Time
}

// ProcessedMessage describes a message the ingestion pipeline stored.
type ProcessedMessage struct {
	MessageID string
	ThreadID  string
	Direction Direction
}

// SyncType tags which strategy produced a SyncResult.
type SyncType string

const (
	SyncTypeIncremental SyncType = "incremental"
	SyncTypeFull        SyncType = "full"
	SyncTypeNone        SyncType = "none"
)

// Reason codes reported in SyncResult.Error
const (
	ReasonAuth        = "auth_error"
	ReasonRateLimited = "rate_limited"
	ReasonTransport   = "transport_error"
	ReasonStore       = "store_error"
	ReasonStaleCursor = "stale_cursor"
)

// SyncResult is the outcome of one SyncUserMailbox call.
type SyncResult struct {
	Success              bool     `json:"success"`
	MessagesProcessed    int      `json:"messages_processed"`
	ConversationsUpdated int      `json:"conversations_updated"`
	SyncType             SyncType `json:"sync_type"`
	TimedOut             bool     `json:"timed_out,omitempty"`
	Skipped              int      `json:"skipped,omitempty"`
	Error                string   `json:"error,omitempty"`
}

// DetectDirection reports SENT when sender is the mailbox owner.
func DetectDirection(sender, userEmail string) Direction {
	if userEmail != "" && strings.EqualFold(strings.TrimSpace(sender), strings.TrimSpace(userEmail)) {
		return DirectionSent
	}
	return DirectionReceived
}
