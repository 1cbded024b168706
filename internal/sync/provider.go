package sync

import (
	"context"
	"time"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// Account is the mailbox a local user has linked.
type Account struct {
	UserID   string
	Email    string
	Provider ProviderName
}

// ChangeRecord is one entry of the remote change log. Position is the
// change-log position a later walk can resume from once every message in
// the record has been handled.
type ChangeRecord struct {
	Position   string
	MessageIDs []string
}

// ChangePage is one page of "message added" change records.
type ChangePage struct {
	Records        []ChangeRecord
	NextPageToken  string
	LatestPosition string
}

// MessagePage is one page of a windowed message listing.
type MessagePage struct {
	MessageIDs    []string
	NextPageToken string
}

// RawMessage is a message as fetched from the provider, before parsing.
type RawMessage struct {
	ID           string
	ThreadID     string
	InternalDate time.Time
	Raw          []byte // RFC 5322
}

// ParsedMessage holds the structured fields extracted from a RawMessage.
type ParsedMessage struct {
	Sender     string
	Recipients []string
	Subject    string
	BodyHTML   string
	BodyText   string
	ReceivedAt time.Time
}

// MailboxClient is the provider-agnostic view of a remote mailbox.
//
// Implementations must classify failures: a rejected change-log position
// wraps ErrStaleCursor, throttling wraps ErrRateLimited, an unknown message
// wraps ErrNotFound and revoked credentials wrap ErrAuth.
type MailboxClient interface {
	// ListChangesSince returns message-added records after cursor.
	ListChangesSince(ctx context.Context, cursor, pageToken string) (*ChangePage, error)

	// ListMessagesInWindow lists messages received after the given time.
	ListMessagesInWindow(ctx context.Context, after time.Time, pageToken string, pageSize int) (*MessagePage, error)

	GetMessage(ctx context.Context, id string) (*RawMessage, error)

	// CurrentPosition returns the newest change-log position.
	CurrentPosition(ctx context.Context) (string, error)
}

// ProviderFactory creates a MailboxClient for a linked account
type ProviderFactory func(ctx context.Context, account *Account) (MailboxClient, error)

// Parser turns raw provider content into structured fields.
type Parser interface {
	Parse(raw *RawMessage) (*ParsedMessage, error)
}

// SendRecords is the read-only view of the outreach send log.
type SendRecords interface {
	ThreadHasSendRecord(ctx context.Context, userID, threadID string) (bool, error)
	// FindByRemoteMessageID returns the send record id for a provider message id.
	FindByRemoteMessageID(ctx context.Context, userID, messageID string) (string, bool, error)
}

// Accounts resolves the linked mailbox for a user. Unknown users yield ErrNotFound.
type Accounts interface {
	Account(ctx context.Context, userID string) (*Account, error)
}

// ResponseNotifier is told that a RECEIVED message was committed on a thread.
// Implementations must not block the caller.
type ResponseNotifier interface {
	ResponseObserved(userID, threadID string)
}

// Store is the local replica.
type Store interface {
	// LoadCursor returns nil when the user has never synced.
	LoadCursor(ctx context.Context, userID string) (*Cursor, error)
	SaveCursor(ctx context.Context, userID, value string) error
	MessageExists(ctx context.Context, messageID string) (bool, error)
	// SaveMessage writes the message and bumps its conversation in one
	// transaction. It reports false when the message id was already stored.
	// With notify set, a response-observed event is queued in the same transaction.
	SaveMessage(ctx context.Context, msg *Message, notify bool) (bool, error)
}
