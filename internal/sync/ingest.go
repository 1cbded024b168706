package sync

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// DefaultMaxBodyBytes caps each stored body (text and html separately).
const DefaultMaxBodyBytes = 10 * 1024 * 1024

// TruncationMarker is appended to bodies cut at the size ceiling.
const TruncationMarker = "\n\n[message truncated]"

// Identity is the mailbox owner a message is ingested for.
type Identity struct {
	UserID string
	Email  string
}

// Ingester turns one remote message reference into a local write.
type Ingester struct {
	store        Store
	parser       Parser
	sendRecords  SendRecords
	notifier     ResponseNotifier
	maxBodyBytes int
}

// NewIngester creates the per-message ingestion pipeline. notifier may be nil.
func NewIngester(store Store, parser Parser, sendRecords SendRecords, notifier ResponseNotifier, maxBodyBytes int) *Ingester {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Ingester{
		store:        store,
		parser:       parser,
		sendRecords:  sendRecords,
		notifier:     notifier,
		maxBodyBytes: maxBodyBytes,
	}
}

// Ingest stores the message if it is new and belongs to a thread the
// application started. A nil result with a nil error means the message was
// skipped: already stored, irrelevant, or written concurrently by another run.
func (in *Ingester) Ingest(ctx context.Context, client MailboxClient, id Identity, messageID string) (*ProcessedMessage, error) {
	exists, err := in.store.MessageExists(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("%w: check message %s: %v", ErrStore, messageID, err)
	}
	if exists {
		return nil, nil
	}

	raw, err := client.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", messageID, err)
	}

	relevant, err := in.sendRecords.ThreadHasSendRecord(ctx, id.UserID, raw.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("%w: check send record for thread %s: %v", ErrStore, raw.ThreadID, err)
	}
	if !relevant {
		return nil, nil
	}

	parsed, err := in.parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse message %s: %w", messageID, err)
	}

	msg := &Message{
		MessageID:  raw.ID,
		ThreadID:   raw.ThreadID,
		UserID:     id.UserID,
		Direction:  DetectDirection(parsed.Sender, id.Email),
		Sender:     parsed.Sender,
		Recipients: parsed.Recipients,
		Subject:    parsed.Subject,
		BodyHTML:   capBody(parsed.BodyHTML, in.maxBodyBytes),
		BodyText:   capBody(parsed.BodyText, in.maxBodyBytes),
		ReceivedAt: parsed.ReceivedAt,
	}
	if msg.MessageID == "" {
		msg.MessageID = messageID
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = raw.InternalDate
	}

	if msg.Direction == DirectionSent {
		recordID, ok, err := in.sendRecords.FindByRemoteMessageID(ctx, id.UserID, msg.MessageID)
		if err != nil {
			log.Warn().Err(err).Str("message_id", msg.MessageID).Msg("send record lookup failed, storing unlinked")
		} else if ok {
			msg.SendRecordID = recordID
		}
	}

	received := msg.Direction == DirectionReceived
	inserted, err := in.store.SaveMessage(ctx, msg, received)
	if err != nil {
		return nil, fmt.Errorf("%w: save message %s: %v", ErrStore, msg.MessageID, err)
	}
	if !inserted {
		return nil, nil
	}

	if received && in.notifier != nil {
		in.notifier.ResponseObserved(id.UserID, msg.ThreadID)
	}

	return &ProcessedMessage{
		MessageID: msg.MessageID,
		ThreadID:  msg.ThreadID,
		Direction: msg.Direction,
	}, nil
}

// isRunFatal reports ingestion errors that must stop the run instead of
// skipping the message.
func isRunFatal(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrAuth) || errors.Is(err, ErrStore)
}

// capBody truncates s to at most max bytes on a rune boundary and appends TruncationMarker.
func capBody(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}
