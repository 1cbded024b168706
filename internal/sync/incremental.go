package sync

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// runIncremental walks the change log from cursor. The checkpoint only ever
// moves to the position of a record whose messages have all been handled,
// or to the provider's latest position once every page is drained.
func (e *Engine) runIncremental(ctx context.Context, r *run, cursor string) outcome {
	userID := r.identity.UserID
	lastProcessed := cursor
	pageToken := ""

	checkpoint := func() outcome {
		r.stats.timedOut = true
		log.Info().Str("user_id", userID).Str("cursor", lastProcessed).Msg("stopping early, checkpointing incremental sync")
		if lastProcessed == cursor {
			return completed{syncType: SyncTypeIncremental, stats: r.stats}
		}
		if err := e.commitCursor(ctx, userID, lastProcessed); err != nil {
			return failed{syncType: SyncTypeIncremental, reason: ReasonStore, err: err, stats: r.stats}
		}
		return completed{syncType: SyncTypeIncremental, stats: r.stats}
	}

	for {
		if r.budget.exhausted(ctx) {
			return checkpoint()
		}

		page, err := r.client.ListChangesSince(ctx, cursor, pageToken)
		if err != nil {
			switch {
			case errors.Is(err, ErrStaleCursor):
				return staleCursor{err: err}
			case errors.Is(err, ErrRateLimited):
				log.Warn().Err(err).Str("user_id", userID).Msg("rate limited while listing changes")
				return rateLimited{syncType: SyncTypeIncremental, err: err, stats: r.stats}
			case errors.Is(err, ErrAuth):
				return failed{syncType: SyncTypeIncremental, reason: ReasonAuth, err: err, stats: r.stats}
			}
			log.Error().Err(err).Str("user_id", userID).Msg("failed to list changes")
			if lastProcessed != cursor {
				if cerr := e.commitCursor(ctx, userID, lastProcessed); cerr != nil {
					log.Error().Err(cerr).Str("user_id", userID).Msg("failed to checkpoint after list error")
				}
			}
			return failed{syncType: SyncTypeIncremental, reason: ReasonTransport, err: err, stats: r.stats}
		}

		for _, record := range page.Records {
			if r.budget.exhausted(ctx) {
				return checkpoint()
			}
			for _, id := range record.MessageIDs {
				if err := e.ingestOne(ctx, r, id); err != nil {
					if errors.Is(err, errInterrupted) {
						return checkpoint()
					}
					log.Warn().Err(err).Str("user_id", userID).Str("message_id", id).Msg("aborting incremental sync")
					if !errors.Is(err, ErrRateLimited) && lastProcessed != cursor {
						if cerr := e.commitCursor(ctx, userID, lastProcessed); cerr != nil {
							log.Error().Err(cerr).Str("user_id", userID).Msg("failed to checkpoint after ingest error")
						}
					}
					return fatalOutcome(SyncTypeIncremental, err, r.stats)
				}
			}
			if record.Position != "" {
				lastProcessed = record.Position
			}
		}

		if page.NextPageToken == "" {
			latest := page.LatestPosition
			if latest == "" {
				latest = lastProcessed
			}
			if err := e.commitCursor(ctx, userID, latest); err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("failed to commit cursor")
				return failed{syncType: SyncTypeIncremental, reason: ReasonStore, err: err, stats: r.stats}
			}
			return completed{syncType: SyncTypeIncremental, stats: r.stats}
		}
		pageToken = page.NextPageToken
	}
}
