package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Defaults for Options
const (
	DefaultTimeBudget     = 25 * time.Second
	DefaultFullSyncWindow = 7 * 24 * time.Hour
	DefaultPageSize       = 100
)

// Options tunes an Engine. Zero values fall back to the defaults.
type Options struct {
	TimeBudget     time.Duration
	FullSyncWindow time.Duration
	PageSize       int
	MaxBodyBytes   int
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TimeBudget <= 0 {
		o.TimeBudget = DefaultTimeBudget
	}
	if o.FullSyncWindow <= 0 {
		o.FullSyncWindow = DefaultFullSyncWindow
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine orchestrates mailbox sync for one user per call
type Engine struct {
	store     Store
	accounts  Accounts
	providers ProviderFactory
	ingester  *Ingester
	opts      Options
}

// NewEngine wires the orchestrator, both processors and the ingestion pipeline.
func NewEngine(store Store, accounts Accounts, providers ProviderFactory, parser Parser, sendRecords SendRecords, notifier ResponseNotifier, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:     store,
		accounts:  accounts,
		providers: providers,
		ingester:  NewIngester(store, parser, sendRecords, notifier, opts.MaxBodyBytes),
		opts:      opts,
	}
}

// run carries the per-invocation state shared by both processors.
type run struct {
	client   MailboxClient
	identity Identity
	budget   budget
	stats    *runStats
}

// SyncUserMailbox brings the local replica of userID's mailbox up to date.
// It is safe to call repeatedly; every failure is folded into the result.
func (e *Engine) SyncUserMailbox(ctx context.Context, userID string) SyncResult {
	logger := log.With().Str("user_id", userID).Logger()

	account, err := e.accounts.Account(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			logger.Warn().Msg("no linked mailbox account")
			return authFailure()
		}
		logger.Error().Err(err).Msg("failed to resolve account")
		return SyncResult{SyncType: SyncTypeNone, Error: ReasonStore}
	}

	client, err := e.providers(ctx, account)
	if err != nil {
		logger.Warn().Err(err).Str("provider", string(account.Provider)).Msg("cannot build mailbox client")
		return authFailure()
	}

	r := &run{
		client:   client,
		identity: Identity{UserID: userID, Email: account.Email},
		budget:   newBudget(e.opts.Now, e.opts.TimeBudget),
		stats:    newRunStats(),
	}

	cursor, err := e.store.LoadCursor(ctx, userID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load cursor")
		return SyncResult{SyncType: SyncTypeNone, Error: ReasonStore}
	}

	var out outcome
	if cursor == nil || cursor.Value == "" {
		logger.Info().Msg("no stored cursor, running full sync")
		out = e.runFull(ctx, r)
	} else {
		logger.Info().Str("cursor", cursor.Value).Msg("running incremental sync")
		out = e.runIncremental(ctx, r, cursor.Value)
		if stale, ok := out.(staleCursor); ok {
			logger.Warn().Err(stale.err).Msg("stored cursor rejected, falling back to full sync")
			out = e.runFull(ctx, r)
		}
	}

	res := toResult(out)
	logger.Info().
		Bool("success", res.Success).
		Str("sync_type", string(res.SyncType)).
		Int("messages_processed", res.MessagesProcessed).
		Int("conversations_updated", res.ConversationsUpdated).
		Int("skipped", res.Skipped).
		Bool("timed_out", res.TimedOut).
		Str("error", res.Error).
		Msg("mailbox sync finished")
	return res
}

func authFailure() SyncResult {
	return SyncResult{SyncType: SyncTypeNone, Error: ReasonAuth}
}

// errInterrupted marks a message left unhandled because the caller's
// context ended. The record holding it must not be checkpointed.
var errInterrupted = errors.New("sync interrupted")

// ingestOne runs the pipeline for one message. Only run-fatal errors are
// returned; anything else is logged and counted as a skip.
func (e *Engine) ingestOne(ctx context.Context, r *run, messageID string) error {
	pm, err := e.ingester.Ingest(ctx, r.client, r.identity, messageID)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: message %s: %w", errInterrupted, messageID, err)
		}
		if isRunFatal(err) {
			return err
		}
		r.stats.skipped++
		log.Warn().Err(err).Str("user_id", r.identity.UserID).Str("message_id", messageID).Msg("skipping message")
		return nil
	}
	if pm != nil {
		r.stats.record(pm)
	}
	return nil
}

// fatalOutcome maps a run-fatal ingestion error to its outcome.
func fatalOutcome(syncType SyncType, err error, stats *runStats) outcome {
	switch {
	case errors.Is(err, ErrRateLimited):
		return rateLimited{syncType: syncType, err: err, stats: stats}
	case errors.Is(err, ErrAuth):
		return failed{syncType: syncType, reason: ReasonAuth, err: err, stats: stats}
	default:
		return failed{syncType: syncType, reason: ReasonStore, err: err, stats: stats}
	}
}

// commitCursor persists a checkpoint even when ctx has been cancelled, since
// everything it covers is already written.
func (e *Engine) commitCursor(ctx context.Context, userID, value string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return e.store.SaveCursor(ctx, userID, value)
}

type budget struct {
	now      func() time.Time
	deadline time.Time
}

func newBudget(now func() time.Time, d time.Duration) budget {
	return budget{now: now, deadline: now().Add(d)}
}

// exhausted reports whether the run must stop and checkpoint.
func (b budget) exhausted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return !b.now().Before(b.deadline)
}

type runStats struct {
	processed int
	skipped   int
	timedOut  bool
	threads   map[string]struct{}
}

func newRunStats() *runStats {
	return &runStats{threads: make(map[string]struct{})}
}

func (s *runStats) record(pm *ProcessedMessage) {
	s.processed++
	s.threads[pm.ThreadID] = struct{}{}
}

// outcome is the closed set of processor results.
type outcome interface {
	isOutcome()
}

// completed covers both a drained change log and a timed-out run.
type completed struct {
	syncType SyncType
	stats    *runStats
}

type staleCursor struct {
	err error
}

type rateLimited struct {
	syncType SyncType
	err      error
	stats    *runStats
}

type failed struct {
	syncType SyncType
	reason   string
	err      error
	stats    *runStats
}

func (completed) isOutcome()   {}
func (staleCursor) isOutcome() {}
func (rateLimited) isOutcome() {}
func (failed) isOutcome()      {}

func toResult(out outcome) SyncResult {
	switch o := out.(type) {
	case completed:
		res := o.stats.result(o.syncType)
		res.Success = true
		return res
	case rateLimited:
		res := o.stats.result(o.syncType)
		res.Error = ReasonRateLimited
		return res
	case failed:
		res := o.stats.result(o.syncType)
		res.Error = o.reason
		return res
	case staleCursor:
		return SyncResult{SyncType: SyncTypeIncremental, Error: ReasonStaleCursor}
	default:
		panic("sync: unknown outcome")
	}
}

func (s *runStats) result(syncType SyncType) SyncResult {
	return SyncResult{
		MessagesProcessed:    s.processed,
		ConversationsUpdated: len(s.threads),
		SyncType:             syncType,
		TimedOut:             s.timedOut,
		Skipped:              s.skipped,
	}
}
