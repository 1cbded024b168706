package sync

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// runFull ingests every message in the recent window and then commits the
// provider's current position as a fresh baseline. A timeout still commits
// the baseline: the window is best effort, not a completeness guarantee.
func (e *Engine) runFull(ctx context.Context, r *run) outcome {
	userID := r.identity.UserID
	after := e.opts.Now().Add(-e.opts.FullSyncWindow)
	pageToken := ""

pages:
	for {
		if r.budget.exhausted(ctx) {
			r.stats.timedOut = true
			break
		}

		page, err := r.client.ListMessagesInWindow(ctx, after, pageToken, e.opts.PageSize)
		if err != nil {
			switch {
			case errors.Is(err, ErrRateLimited):
				log.Warn().Err(err).Str("user_id", userID).Msg("rate limited while listing window")
				return rateLimited{syncType: SyncTypeFull, err: err, stats: r.stats}
			case errors.Is(err, ErrAuth):
				return failed{syncType: SyncTypeFull, reason: ReasonAuth, err: err, stats: r.stats}
			}
			log.Error().Err(err).Str("user_id", userID).Msg("failed to list messages in window")
			return failed{syncType: SyncTypeFull, reason: ReasonTransport, err: err, stats: r.stats}
		}

		for _, id := range page.MessageIDs {
			if r.budget.exhausted(ctx) {
				r.stats.timedOut = true
				break pages
			}
			if err := e.ingestOne(ctx, r, id); err != nil {
				if errors.Is(err, errInterrupted) {
					// no baseline: the next run repeats the window scan
					r.stats.timedOut = true
					log.Info().Err(err).Str("user_id", userID).Msg("full sync interrupted, cursor left unchanged")
					return completed{syncType: SyncTypeFull, stats: r.stats}
				}
				log.Warn().Err(err).Str("user_id", userID).Str("message_id", id).Msg("aborting full sync")
				return fatalOutcome(SyncTypeFull, err, r.stats)
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if r.stats.timedOut {
		log.Info().Str("user_id", userID).Int("processed", r.stats.processed).Msg("time budget exhausted during full sync")
	}

	posCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	position, err := r.client.CurrentPosition(posCtx)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return rateLimited{syncType: SyncTypeFull, err: err, stats: r.stats}
		}
		log.Error().Err(err).Str("user_id", userID).Msg("failed to fetch current position")
		return failed{syncType: SyncTypeFull, reason: ReasonTransport, err: err, stats: r.stats}
	}

	if err := e.commitCursor(ctx, userID, position); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to commit cursor")
		return failed{syncType: SyncTypeFull, reason: ReasonStore, err: err, stats: r.stats}
	}
	return completed{syncType: SyncTypeFull, stats: r.stats}
}
