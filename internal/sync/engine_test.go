package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncUserMailboxFirstSyncRunsFull(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"t1", "t2", "t3"} {
		h.addMessage("m-"+id, id, "lead@customer.com", true)
	}
	h.addMessage("n1", "promo-1", "news@vendor.com", false)
	h.addMessage("n2", "promo-2", "news@vendor.com", false)
	h.mailbox.window = []string{"m-t1", "n1", "m-t2", "n2", "m-t3"}
	h.mailbox.position = "500"

	res := h.engine().SyncUserMailbox(context.Background(), testUser)

	assert.True(t, res.Success)
	assert.Equal(t, SyncTypeFull, res.SyncType)
	assert.Equal(t, 3, res.MessagesProcessed)
	assert.Equal(t, 3, res.ConversationsUpdated)
	assert.Empty(t, res.Error)
	assert.Equal(t, 3, h.store.messageCount())
	assert.Equal(t, "500", h.store.cursor(testUser))
	assert.Zero(t, h.mailbox.changeCalls)
}

func TestSyncUserMailboxIncrementalThenIdle(t *testing.T) {
	h := newHarness(t)
	h.store.cursors[testUser] = "10"
	h.addMessage("m1", "t1", "lead@customer.com", true)
	h.addChange(11, "m1")
	eng := h.engine()

	first := eng.SyncUserMailbox(context.Background(), testUser)
	assert.True(t, first.Success)
	assert.Equal(t, SyncTypeIncremental, first.SyncType)
	assert.Equal(t, 1, first.MessagesProcessed)
	assert.Equal(t, 1, first.ConversationsUpdated)
	assert.Equal(t, "11", h.store.cursor(testUser))

	second := eng.SyncUserMailbox(context.Background(), testUser)
	assert.True(t, second.Success)
	assert.Equal(t, SyncTypeIncremental, second.SyncType)
	assert.Zero(t, second.MessagesProcessed)
	assert.Zero(t, second.ConversationsUpdated)
	assert.Equal(t, "11", h.store.cursor(testUser))
	assert.Zero(t, h.mailbox.windowCalls)
}

func TestSyncUserMailboxStaleCursorFallsBackToFull(t *testing.T) {
	h := newHarness(t)
	h.store.cursors[testUser] = "expired"
	h.addMessage("m1", "t1", "lead@customer.com", true)
	h.mailbox.window = []string{"m1"}
	h.mailbox.position = "900"

	res := h.engine().SyncUserMailbox(context.Background(), testUser)

	assert.True(t, res.Success)
	assert.Equal(t, SyncTypeFull, res.SyncType)
	assert.Equal(t, 1, res.MessagesProcessed)
	assert.Equal(t, "900", h.store.cursor(testUser))
	assert.Equal(t, 1, h.mailbox.windowCalls)
}

func TestSyncUserMailboxRateLimitedDoesNotFallBack(t *testing.T) {
	h := newHarness(t)
	h.store.cursors[testUser] = "10"
	h.mailbox.changesErr = fmt.Errorf("history: %w", ErrRateLimited)

	res := h.engine().SyncUserMailbox(context.Background(), testUser)

	assert.False(t, res.Success)
	assert.Equal(t, SyncTypeIncremental, res.SyncType)
	assert.Equal(t, ReasonRateLimited, res.Error)
	assert.Equal(t, "10", h.store.cursor(testUser))
	assert.Empty(t, h.store.cursorSaves)
	assert.Zero(t, h.mailbox.windowCalls)
}

func TestSyncUserMailboxAuthFailures(t *testing.T) {
	t.Run("no linked account", func(t *testing.T) {
		h := newHarness(t)
		res := h.engine().SyncUserMailbox(context.Background(), "stranger")
		assert.Equal(t, SyncResult{SyncType: SyncTypeNone, Error: ReasonAuth}, res)
	})

	t.Run("credentials cannot be refreshed", func(t *testing.T) {
		h := newHarness(t)
		h.providerErr = fmt.Errorf("refresh token revoked: %w", ErrAuth)
		res := h.engine().SyncUserMailbox(context.Background(), testUser)
		assert.Equal(t, SyncResult{SyncType: SyncTypeNone, Error: ReasonAuth}, res)
		assert.Empty(t, h.store.cursorSaves)
	})

	t.Run("token rejected mid run", func(t *testing.T) {
		h := newHarness(t)
		h.store.cursors[testUser] = "10"
		h.mailbox.changesErr = fmt.Errorf("history: %w", ErrAuth)
		res := h.engine().SyncUserMailbox(context.Background(), testUser)
		assert.False(t, res.Success)
		assert.Equal(t, ReasonAuth, res.Error)
		assert.Equal(t, SyncTypeIncremental, res.SyncType)
	})
}

func TestSyncUserMailboxReportsSkips(t *testing.T) {
	h := newHarness(t)
	h.store.cursors[testUser] = "10"
	for _, id := range []string{"m1", "m2", "m3"} {
		h.addMessage(id, "t-"+id, "lead@customer.com", true)
	}
	h.parser.errs["m2"] = fmt.Errorf("unsupported charset")
	h.addChange(11, "m1", "m2")
	h.addChange(12, "m3")

	res := h.engine().SyncUserMailbox(context.Background(), testUser)

	require.True(t, res.Success)
	assert.Equal(t, 2, res.MessagesProcessed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "12", h.store.cursor(testUser))
}

func TestToResultMapsOutcomes(t *testing.T) {
	stats := newRunStats()
	stats.record(&ProcessedMessage{MessageID: "a", ThreadID: "t1"})
	stats.record(&ProcessedMessage{MessageID: "b", ThreadID: "t1"})

	assert.Equal(t, SyncResult{Success: true, MessagesProcessed: 2, ConversationsUpdated: 1, SyncType: SyncTypeFull},
		toResult(completed{syncType: SyncTypeFull, stats: stats}))
	assert.Equal(t, SyncResult{MessagesProcessed: 2, ConversationsUpdated: 1, SyncType: SyncTypeIncremental, Error: ReasonRateLimited},
		toResult(rateLimited{syncType: SyncTypeIncremental, stats: stats}))
	assert.Equal(t, SyncResult{MessagesProcessed: 2, ConversationsUpdated: 1, SyncType: SyncTypeFull, Error: ReasonTransport},
		toResult(failed{syncType: SyncTypeFull, reason: ReasonTransport, stats: stats}))
}
