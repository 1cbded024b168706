package trigger

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// Subscriber pulls Gmail watch notifications from a Pub/Sub subscription.
type Subscriber struct {
	client  *pubsub.Client
	subName string
	handler *Handler
}

// NewSubscriber connects to Pub/Sub. credentialsFile may be empty to use
// application default credentials.
func NewSubscriber(ctx context.Context, projectID, subscription, credentialsFile string, handler *Handler, opts ...option.ClientOption) (*Subscriber, error) {
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return &Subscriber{client: client, subName: subscription, handler: handler}, nil
}

// Run receives messages until ctx is cancelled. Malformed messages are
// acked and dropped; failed syncs are nacked for redelivery.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.client.Subscription(s.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check subscription %s: %w", s.subName, err)
	}
	if !exists {
		return fmt.Errorf("subscription %s does not exist", s.subName)
	}

	log.Info().Str("subscription", s.subName).Msg("listening for gmail notifications")
	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		n, err := Decode(msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("pubsub_id", msg.ID).Msg("dropping notification")
			msg.Ack()
			return
		}
		if _, err := s.handler.Handle(ctx, n); err != nil {
			log.Error().Err(err).Str("email", n.EmailAddress).Msg("notification failed")
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive from %s: %w", s.subName, err)
	}
	return nil
}

func (s *Subscriber) Close() error {
	return s.client.Close()
}
