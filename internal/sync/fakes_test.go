package sync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeMailbox serves a change log whose positions are increasing integers.
type fakeMailbox struct {
	mu sync.Mutex

	messages map[string]*RawMessage
	changes  []ChangeRecord
	latest   string
	window   []string
	position string

	changesPageSize int
	changesErr      error
	changesErrPage  int // fail on this page index (0-based) when changesErr is set
	windowErr       error
	positionErr     error
	getErr          map[string]error
	onGet           func(id string)

	gets           []string
	windowCalls    int
	windowAfter    time.Time
	windowPageSize int
	changeCalls    int
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		messages:        make(map[string]*RawMessage),
		getErr:          make(map[string]error),
		changesPageSize: 100,
		position:        "100",
	}
}

func (f *fakeMailbox) ListChangesSince(_ context.Context, cursor, pageToken string) (*ChangePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	page := f.changeCalls
	f.changeCalls++
	if f.changesErr != nil && page >= f.changesErrPage {
		return nil, f.changesErr
	}

	start, err := strconv.Atoi(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: bad cursor %q", ErrStaleCursor, cursor)
	}
	var pending []ChangeRecord
	for _, rec := range f.changes {
		pos, _ := strconv.Atoi(rec.Position)
		if pos > start {
			pending = append(pending, rec)
		}
	}

	offset := 0
	if pageToken != "" {
		offset, _ = strconv.Atoi(pageToken)
	}
	end := offset + f.changesPageSize
	if end > len(pending) {
		end = len(pending)
	}
	out := &ChangePage{Records: pending[offset:end], LatestPosition: f.latest}
	if end < len(pending) {
		out.NextPageToken = strconv.Itoa(end)
	}
	if out.LatestPosition == "" {
		out.LatestPosition = cursor
	}
	return out, nil
}

func (f *fakeMailbox) ListMessagesInWindow(_ context.Context, after time.Time, pageToken string, pageSize int) (*MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.windowCalls++
	f.windowAfter = after
	f.windowPageSize = pageSize
	if f.windowErr != nil {
		return nil, f.windowErr
	}

	offset := 0
	if pageToken != "" {
		offset, _ = strconv.Atoi(pageToken)
	}
	end := offset + pageSize
	if end > len(f.window) {
		end = len(f.window)
	}
	out := &MessagePage{MessageIDs: f.window[offset:end]}
	if end < len(f.window) {
		out.NextPageToken = strconv.Itoa(end)
	}
	return out, nil
}

func (f *fakeMailbox) GetMessage(_ context.Context, id string) (*RawMessage, error) {
	f.mu.Lock()
	f.gets = append(f.gets, id)
	hook := f.onGet
	err := f.getErr[id]
	raw, ok := f.messages[id]
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return raw, nil
}

func (f *fakeMailbox) CurrentPosition(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positionErr != nil {
		return "", f.positionErr
	}
	return f.position, nil
}

func (f *fakeMailbox) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.gets...)
}

type fakeParser struct {
	parsed map[string]*ParsedMessage
	errs   map[string]error
}

func (p *fakeParser) Parse(raw *RawMessage) (*ParsedMessage, error) {
	if err := p.errs[raw.ID]; err != nil {
		return nil, err
	}
	parsed, ok := p.parsed[raw.ID]
	if !ok {
		return nil, fmt.Errorf("no parse fixture for %s", raw.ID)
	}
	return parsed, nil
}

type fakeSendRecords struct {
	mu      sync.Mutex
	threads map[string]bool
	byMsgID map[string]string
	err     error
}

func (s *fakeSendRecords) ThreadHasSendRecord(_ context.Context, _, threadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	return s.threads[threadID], nil
}

func (s *fakeSendRecords) FindByRemoteMessageID(_ context.Context, _, messageID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byMsgID[messageID]
	return id, ok, nil
}

type fakeAccounts struct {
	accounts map[string]*Account
}

func (a *fakeAccounts) Account(_ context.Context, userID string) (*Account, error) {
	acct, ok := a.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	return acct, nil
}

type notification struct {
	userID   string
	threadID string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (n *fakeNotifier) ResponseObserved(userID, threadID string) {
	n.mu.Lock()
	n.calls = append(n.calls, notification{userID: userID, threadID: threadID})
	n.mu.Unlock()
}

// memStore mirrors the sqlite store semantics in memory.
type memStore struct {
	mu            sync.Mutex
	cursors       map[string]string
	cursorSaves   []string
	messages      map[string]*Message
	conversations map[string]*Conversation
	notified      []string
	saveErr       error
	hideExisting  bool // MessageExists always reports false
}

func newMemStore() *memStore {
	return &memStore{
		cursors:       make(map[string]string),
		messages:      make(map[string]*Message),
		conversations: make(map[string]*Conversation),
	}
}

func (s *memStore) LoadCursor(_ context.Context, userID string) (*Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cursors[userID]
	if !ok {
		return nil, nil
	}
	return &Cursor{UserID: userID, Value: v}, nil
}

func (s *memStore) SaveCursor(_ context.Context, userID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[userID] = value
	s.cursorSaves = append(s.cursorSaves, value)
	return nil
}

func (s *memStore) MessageExists(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hideExisting {
		return false, nil
	}
	_, ok := s.messages[messageID]
	return ok, nil
}

func (s *memStore) SaveMessage(_ context.Context, msg *Message, notify bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return false, s.saveErr
	}
	if _, ok := s.messages[msg.MessageID]; ok {
		return false, nil
	}
	cp := *msg
	s.messages[msg.MessageID] = &cp

	conv, ok := s.conversations[msg.ThreadID]
	if !ok {
		conv = &Conversation{ThreadID: msg.ThreadID, UserID: msg.UserID}
		s.conversations[msg.ThreadID] = conv
	}
	if msg.Subject != "" {
		conv.Subject = msg.Subject
	}
	if msg.ReceivedAt.After(conv.LastMessageAt) {
		conv.LastMessageAt = msg.ReceivedAt
	}
	conv.MessageCount++
	if notify {
		s.notified = append(s.notified, msg.MessageID)
	}
	return true, nil
}

func (s *memStore) cursor(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[userID]
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

const (
	testUser  = "user-1"
	testEmail = "me@example.com"
)

type harness struct {
	mailbox     *fakeMailbox
	store       *memStore
	parser      *fakeParser
	sends       *fakeSendRecords
	accounts    *fakeAccounts
	notifier    *fakeNotifier
	clock       *fakeClock
	providerErr error
	opts        Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	return &harness{
		mailbox:  newFakeMailbox(),
		store:    newMemStore(),
		parser:   &fakeParser{parsed: map[string]*ParsedMessage{}, errs: map[string]error{}},
		sends:    &fakeSendRecords{threads: map[string]bool{}, byMsgID: map[string]string{}},
		accounts: &fakeAccounts{accounts: map[string]*Account{testUser: {UserID: testUser, Email: testEmail, Provider: ProviderGoogle}}},
		notifier: &fakeNotifier{},
		clock:    clock,
		opts:     Options{Now: clock.Now},
	}
}

func (h *harness) engine() *Engine {
	providers := func(context.Context, *Account) (MailboxClient, error) {
		if h.providerErr != nil {
			return nil, h.providerErr
		}
		return h.mailbox, nil
	}
	return NewEngine(h.store, h.accounts, providers, h.parser, h.sends, h.notifier, h.opts)
}

func (h *harness) ingester() *Ingester {
	return NewIngester(h.store, h.parser, h.sends, h.notifier, h.opts.MaxBodyBytes)
}

// addMessage registers a remote message from sender on thread.
func (h *harness) addMessage(id, thread, sender string, relevant bool) {
	h.mailbox.messages[id] = &RawMessage{ID: id, ThreadID: thread, InternalDate: h.clock.Now()}
	h.parser.parsed[id] = &ParsedMessage{
		Sender:     sender,
		Recipients: []string{"someone@example.org"},
		Subject:    "Re: " + thread,
		BodyText:   "hello from " + id,
		ReceivedAt: h.clock.Now(),
	}
	if relevant {
		h.sends.threads[thread] = true
	}
}

// addChange appends a change record at position pos holding ids.
func (h *harness) addChange(pos int, ids ...string) {
	h.mailbox.changes = append(h.mailbox.changes, ChangeRecord{Position: strconv.Itoa(pos), MessageIDs: ids})
	h.mailbox.latest = strconv.Itoa(pos)
}
