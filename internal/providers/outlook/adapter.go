package outlook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	mailsync "github.com/Martian-dev/mailbox-sync/internal/sync"
)

// delta queries track the inbox; the window scan covers every folder
const deltaFolder = "inbox"

// Client implements mailsync.MailboxClient on Microsoft Graph. Positions
// are delta links (or next links for a partially walked delta round).
type Client struct {
	client *msgraphsdk.GraphServiceClient
}

// New creates a Graph client acting with a delegated access token.
func New(accessToken string, expiry time.Time) (*Client, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("outlook: %w: empty access token", mailsync.ErrAuth)
	}
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	cred := &staticTokenCredential{token: accessToken, expiresOn: expiry}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &Client{client: client}, nil
}

// ListChangesSince follows the delta round starting at cursor. pageToken,
// when set, is the next link of the round in progress.
func (c *Client) ListChangesSince(ctx context.Context, cursor, pageToken string) (*mailsync.ChangePage, error) {
	link := cursor
	if pageToken != "" {
		link = pageToken
	}
	if !strings.HasPrefix(link, "https://") {
		return nil, fmt.Errorf("%w: not a delta link", mailsync.ErrStaleCursor)
	}

	resp, err := c.inboxDelta().WithUrl(link).GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		return nil, classify(err, "messages.delta", true)
	}
	return changePage(resp), nil
}

// changePage turns one delta response into a single change record. The
// record position is the link that resumes right after this page.
func changePage(resp users.ItemMailFoldersItemMessagesDeltaGetResponseable) *mailsync.ChangePage {
	next := deref(resp.GetOdataNextLink())
	delta := deref(resp.GetOdataDeltaLink())

	rec := mailsync.ChangeRecord{Position: next}
	if rec.Position == "" {
		rec.Position = delta
	}
	for _, m := range resp.GetValue() {
		if m == nil || isRemoved(m) {
			continue
		}
		if id := deref(m.GetId()); id != "" {
			rec.MessageIDs = append(rec.MessageIDs, id)
		}
	}

	page := &mailsync.ChangePage{NextPageToken: next, LatestPosition: delta}
	if rec.Position != "" || len(rec.MessageIDs) > 0 {
		page.Records = []mailsync.ChangeRecord{rec}
	}
	return page
}

// ListMessagesInWindow lists messages across all folders received after the
// given time, newest first.
func (c *Client) ListMessagesInWindow(ctx context.Context, after time.Time, pageToken string, pageSize int) (*mailsync.MessagePage, error) {
	var (
		resp models.MessageCollectionResponseable
		err  error
	)
	if pageToken != "" {
		resp, err = c.client.Me().Messages().WithUrl(pageToken).Get(ctx, nil)
	} else {
		filter := fmt.Sprintf("receivedDateTime ge %s", after.UTC().Format(time.RFC3339))
		top := int32(pageSize)
		resp, err = c.client.Me().Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Filter:  &filter,
				Top:     &top,
				Select:  []string{"id"},
				Orderby: []string{"receivedDateTime desc"},
			},
		})
	}
	if err != nil {
		return nil, classify(err, "messages.list", false)
	}

	page := &mailsync.MessagePage{NextPageToken: deref(resp.GetOdataNextLink())}
	for _, m := range resp.GetValue() {
		if id := deref(m.GetId()); id != "" {
			page.MessageIDs = append(page.MessageIDs, id)
		}
	}
	return page, nil
}

// GetMessage fetches the conversation id, receive time and MIME source.
func (c *Client) GetMessage(ctx context.Context, id string) (*mailsync.RawMessage, error) {
	item := c.client.Me().Messages().ByMessageId(id)

	meta, err := item.Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "conversationId", "receivedDateTime"},
		},
	})
	if err != nil {
		return nil, classify(err, "messages.get", false)
	}

	raw, err := item.Content().Get(ctx, nil)
	if err != nil {
		return nil, classify(err, "messages.content", false)
	}

	msg := &mailsync.RawMessage{
		ID:       id,
		ThreadID: deref(meta.GetConversationId()),
		Raw:      raw,
	}
	if rcvd := meta.GetReceivedDateTime(); rcvd != nil {
		msg.InternalDate = rcvd.UTC()
	}
	return msg, nil
}

// CurrentPosition drains a fresh delta round, selecting ids only, and
// returns its delta link.
func (c *Client) CurrentPosition(ctx context.Context) (string, error) {
	resp, err := c.inboxDelta().GetAsDeltaGetResponse(ctx, &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
			Select: []string{"id"},
		},
	})
	for {
		if err != nil {
			return "", classify(err, "messages.delta", false)
		}
		if delta := deref(resp.GetOdataDeltaLink()); delta != "" {
			return delta, nil
		}
		next := deref(resp.GetOdataNextLink())
		if next == "" {
			return "", errors.New("outlook messages.delta: round ended without a delta link")
		}
		resp, err = c.inboxDelta().WithUrl(next).GetAsDeltaGetResponse(ctx, nil)
	}
}

func (c *Client) inboxDelta() *users.ItemMailFoldersItemMessagesDeltaRequestBuilder {
	return c.client.Me().MailFolders().ByMailFolderId(deltaFolder).Messages().Delta()
}

// classify maps Graph failures onto the mailsync sentinels.
func classify(err error, op string, delta bool) error {
	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		return fmt.Errorf("outlook %s: %w", op, err)
	}

	code := ""
	if main := odataErr.GetErrorEscaped(); main != nil {
		code = deref(main.GetCode())
	}

	switch status := odataErr.ResponseStatusCode; {
	case status == 401 || status == 403:
		return fmt.Errorf("outlook %s: %w: %s", op, mailsync.ErrAuth, code)
	case status == 429:
		return fmt.Errorf("outlook %s: %w: %s", op, mailsync.ErrRateLimited, code)
	case delta && (status == 410 || code == "syncStateNotFound" || code == "resyncRequired"):
		return fmt.Errorf("outlook %s: %w: %s", op, mailsync.ErrStaleCursor, code)
	case status == 404:
		return fmt.Errorf("outlook %s: %w: %s", op, mailsync.ErrNotFound, code)
	default:
		return fmt.Errorf("outlook %s: status %d %s: %w", op, status, code, err)
	}
}

// isRemoved reports delta tombstones.
func isRemoved(m models.Messageable) bool {
	_, ok := m.GetAdditionalData()["@removed"]
	return ok
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token     string
	expiresOn time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: c.expiresOn,
	}, nil
}
