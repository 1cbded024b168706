package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	mailsync "github.com/Martian-dev/mailbox-sync/internal/sync"
)

// history.list page size; Gmail caps it at 500
const historyPageSize = 500

// Client implements mailsync.MailboxClient on the Gmail API. Positions are
// decimal history ids.
type Client struct {
	svc  *gmail.Service
	user string
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker returns the circuit breaker shared by every Gmail client in the
// process. Only throttling, server errors and transport failures count
// against it.
func NewBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !tripsBreaker(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}

// New creates a Gmail client for the mailbox behind ts. The token is
// resolved eagerly so revoked credentials surface as mailsync.ErrAuth
// before any sync work starts. cb may be nil.
func New(ctx context.Context, ts oauth2.TokenSource, cb *gobreaker.CircuitBreaker, opts ...option.ClientOption) (*Client, error) {
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("gmail token: %w: %w", mailsync.ErrAuth, err)
	}

	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Client{svc: svc, user: "me", cb: cb}, nil
}

// ListChangesSince lists messageAdded history records after cursor.
func (c *Client) ListChangesSince(ctx context.Context, cursor, pageToken string) (*mailsync.ChangePage, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid history id %q", mailsync.ErrStaleCursor, cursor)
	}

	call := c.svc.Users.History.List(c.user).
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		MaxResults(historyPageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	var resp *gmail.ListHistoryResponse
	err = c.execute(func() (err error) {
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return nil, classify(err, "history.list", true)
	}

	page := &mailsync.ChangePage{NextPageToken: resp.NextPageToken}
	if resp.HistoryId != 0 {
		page.LatestPosition = strconv.FormatUint(resp.HistoryId, 10)
	}
	for _, h := range resp.History {
		rec := mailsync.ChangeRecord{Position: strconv.FormatUint(h.Id, 10)}
		for _, added := range h.MessagesAdded {
			if added.Message != nil && added.Message.Id != "" {
				rec.MessageIDs = append(rec.MessageIDs, added.Message.Id)
			}
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// ListMessagesInWindow lists messages received after the given time,
// excluding spam and trash.
func (c *Client) ListMessagesInWindow(ctx context.Context, after time.Time, pageToken string, pageSize int) (*mailsync.MessagePage, error) {
	call := c.svc.Users.Messages.List(c.user).
		Q(fmt.Sprintf("after:%d", after.Unix())).
		IncludeSpamTrash(false).
		MaxResults(int64(pageSize)).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	var resp *gmail.ListMessagesResponse
	err := c.execute(func() (err error) {
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return nil, classify(err, "messages.list", false)
	}

	page := &mailsync.MessagePage{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.MessageIDs = append(page.MessageIDs, m.Id)
	}
	return page, nil
}

// GetMessage fetches the full RFC 5322 source of a message.
func (c *Client) GetMessage(ctx context.Context, id string) (*mailsync.RawMessage, error) {
	call := c.svc.Users.Messages.Get(c.user, id).Format("raw").Context(ctx)

	var m *gmail.Message
	err := c.execute(func() (err error) {
		m, err = call.Do()
		return err
	})
	if err != nil {
		return nil, classify(err, "messages.get", false)
	}

	raw, err := decodeRaw(m.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}

	return &mailsync.RawMessage{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		InternalDate: time.UnixMilli(m.InternalDate).UTC(),
		Raw:          raw,
	}, nil
}

// CurrentPosition returns the mailbox's current history id.
func (c *Client) CurrentPosition(ctx context.Context) (string, error) {
	call := c.svc.Users.GetProfile(c.user).Context(ctx)

	var profile *gmail.Profile
	err := c.execute(func() (err error) {
		profile, err = call.Do()
		return err
	})
	if err != nil {
		return "", classify(err, "getProfile", false)
	}
	if profile.HistoryId == 0 {
		return "", errors.New("gmail getProfile: empty history id")
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

func (c *Client) execute(fn func() error) error {
	if c.cb == nil {
		return fn()
	}
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// decodeRaw accepts base64url with or without padding.
func decodeRaw(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// classify maps Gmail failures onto the mailsync sentinels. history marks
// calls where a missing resource means the start history id expired.
func classify(err error, op string, history bool) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("gmail %s: %w: %w", op, mailsync.ErrRateLimited, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return fmt.Errorf("gmail %s: %w: %w", op, mailsync.ErrAuth, err)
		case apiErr.Code == 429 || (apiErr.Code == 403 && isRateLimit(apiErr)):
			return fmt.Errorf("gmail %s: %w: %w", op, mailsync.ErrRateLimited, err)
		case apiErr.Code == 403:
			return fmt.Errorf("gmail %s: %w: %w", op, mailsync.ErrAuth, err)
		case history && (apiErr.Code == 404 || apiErr.Code == 410):
			return fmt.Errorf("gmail %s: %w: %w", op, mailsync.ErrStaleCursor, err)
		case apiErr.Code == 404:
			return fmt.Errorf("gmail %s: %w: %w", op, mailsync.ErrNotFound, err)
		}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("gmail %s: %w: %w", op, mailsync.ErrAuth, err)
	}

	return fmt.Errorf("gmail %s: %w", op, err)
}

func isRateLimit(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return strings.Contains(apiErr.Message, "Rate Limit")
}

// tripsBreaker reports failures that indicate Gmail itself is unhealthy.
func tripsBreaker(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	var retrieveErr *oauth2.RetrieveError
	return !errors.As(err, &retrieveErr)
}
