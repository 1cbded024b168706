package providers

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailbox-sync/internal/auth"
	"github.com/Martian-dev/mailbox-sync/internal/providers/gmail"
	"github.com/Martian-dev/mailbox-sync/internal/providers/outlook"
	mailsync "github.com/Martian-dev/mailbox-sync/internal/sync"
)

// TokenSource hands out the stored OAuth tokens of a user's linked mailbox.
type TokenSource interface {
	GetToken(ctx context.Context, userID string, provider auth.Provider) (*auth.Token, error)
}

// Factory builds mailbox clients for linked accounts.
type Factory struct {
	tokens      TokenSource
	googleOAuth *oauth2.Config
	gmailCB     *gobreaker.CircuitBreaker
	gmailOpts   []option.ClientOption
}

// NewFactory creates a client factory. Gmail access tokens are refreshed
// locally with the given OAuth client credentials.
func NewFactory(tokens TokenSource, googleClientID, googleClientSecret string, gmailOpts ...option.ClientOption) *Factory {
	return &Factory{
		tokens: tokens,
		googleOAuth: &oauth2.Config{
			ClientID:     googleClientID,
			ClientSecret: googleClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmailapi.GmailReadonlyScope},
		},
		gmailCB:   gmail.NewBreaker(),
		gmailOpts: gmailOpts,
	}
}

// Client implements mailsync.ProviderFactory. Every credential problem is
// reported as mailsync.ErrAuth.
func (f *Factory) Client(ctx context.Context, acct *mailsync.Account) (mailsync.MailboxClient, error) {
	switch acct.Provider {
	case mailsync.ProviderGoogle:
		tok, err := f.token(ctx, acct.UserID, auth.ProviderGoogle)
		if err != nil {
			return nil, err
		}
		if tok.RefreshToken == "" {
			return nil, fmt.Errorf("google account of %s: %w: %w", acct.UserID, mailsync.ErrAuth, auth.ErrMissingRefreshToken)
		}
		ts := f.googleOAuth.TokenSource(ctx, &oauth2.Token{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
		})
		c, err := gmail.New(ctx, ts, f.gmailCB, f.gmailOpts...)
		if err != nil {
			return nil, err
		}
		return c, nil

	case mailsync.ProviderMicrosoft:
		tok, err := f.token(ctx, acct.UserID, auth.ProviderMicrosoft)
		if err != nil {
			return nil, err
		}
		c, err := outlook.New(tok.AccessToken, tok.Expiry)
		if err != nil {
			return nil, err
		}
		return c, nil

	default:
		return nil, fmt.Errorf("%w: unsupported provider %q", mailsync.ErrAuth, acct.Provider)
	}
}

func (f *Factory) token(ctx context.Context, userID string, provider auth.Provider) (*auth.Token, error) {
	tok, err := f.tokens.GetToken(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s token for %s: %w", mailsync.ErrAuth, provider, userID, err)
	}
	return tok, nil
}
