package trigger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	mailsync "github.com/Martian-dev/mailbox-sync/internal/sync"
)

// GmailNotification is the payload Gmail publishes for a watched mailbox.
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// PushEnvelope is the body of a Pub/Sub push delivery.
type PushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// ErrMalformed marks notifications that can never be processed.
var ErrMalformed = errors.New("malformed gmail notification")

// Decode parses the notification carried in a Pub/Sub message body.
func Decode(data []byte) (GmailNotification, error) {
	var n GmailNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return n, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if n.EmailAddress == "" {
		return n, fmt.Errorf("%w: missing emailAddress", ErrMalformed)
	}
	return n, nil
}

// DecodePush unwraps a push envelope and decodes its notification.
func DecodePush(body []byte) (GmailNotification, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return GmailNotification{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(env.Message.Data)
		if err != nil {
			return GmailNotification{}, fmt.Errorf("%w: message data: %w", ErrMalformed, err)
		}
	}
	return Decode(data)
}

// AccountResolver finds the local owner of a mailbox address.
type AccountResolver interface {
	AccountByEmail(ctx context.Context, email string) (*mailsync.Account, error)
}

// Syncer starts a sync for a user.
type Syncer interface {
	Trigger(ctx context.Context, userID string) (mailsync.SyncResult, error)
}

// Handler turns Gmail notifications into mailbox syncs.
type Handler struct {
	accounts AccountResolver
	syncer   Syncer

	// last historyId handled per user, to drop redelivered notifications
	lastHistoryID map[string]uint64
	mu            sync.Mutex
}

func NewHandler(accounts AccountResolver, syncer Syncer) *Handler {
	return &Handler{
		accounts:      accounts,
		syncer:        syncer,
		lastHistoryID: make(map[string]uint64),
	}
}

// Handle syncs the mailbox named by n. It reports whether a sync ran.
// Unknown mailboxes and already handled history ids are ignored.
func (h *Handler) Handle(ctx context.Context, n GmailNotification) (bool, error) {
	email := strings.TrimSpace(n.EmailAddress)
	acct, err := h.accounts.AccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, mailsync.ErrNotFound) {
			log.Debug().Str("email", email).Msg("notification for unknown mailbox")
			return false, nil
		}
		return false, fmt.Errorf("resolve %s: %w", email, err)
	}

	if h.seen(acct.UserID, n.HistoryID) {
		log.Debug().
			Str("user_id", acct.UserID).
			Uint64("history_id", n.HistoryID).
			Msg("skipping duplicate notification")
		return false, nil
	}

	res, err := h.syncer.Trigger(ctx, acct.UserID)
	if errors.Is(err, mailsync.ErrSyncInProgress) {
		log.Debug().Str("user_id", acct.UserID).Msg("sync already running, notification not recorded")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	h.record(acct.UserID, n.HistoryID)

	log.Info().
		Str("user_id", acct.UserID).
		Uint64("history_id", n.HistoryID).
		Bool("success", res.Success).
		Int("messages_processed", res.MessagesProcessed).
		Msg("gmail notification handled")
	return true, nil
}

func (h *Handler) seen(userID string, historyID uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	last, ok := h.lastHistoryID[userID]
	return ok && historyID != 0 && historyID <= last
}

func (h *Handler) record(userID string, historyID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if historyID > h.lastHistoryID[userID] {
		h.lastHistoryID[userID] = historyID
	}
}
