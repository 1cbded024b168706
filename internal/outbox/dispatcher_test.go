package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailbox-sync/internal/eventstore/sqlite"
	mailsync "github.com/Martian-dev/mailbox-sync/internal/sync"
)

type published struct {
	subject string
	msgID   string
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	fail map[string]error
}

func (p *fakePublisher) Publish(subject string, _ []byte, msgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[msgID]; err != nil {
		return err
	}
	p.sent = append(p.sent, published{subject: subject, msgID: msgID})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "mailbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func saveReply(t *testing.T, s *sqlite.Store, id string) {
	t.Helper()
	_, err := s.SaveMessage(context.Background(), &mailsync.Message{
		MessageID:  id,
		ThreadID:   "thread-" + id,
		UserID:     "user-1",
		Direction:  mailsync.DirectionReceived,
		Sender:     "lead@customer.com",
		ReceivedAt: time.Now(),
	}, true)
	require.NoError(t, err)
}

func TestDispatchOncePublishesAndMarks(t *testing.T) {
	s := openStore(t)
	saveReply(t, s, "m1")
	saveReply(t, s, "m2")
	pub := &fakePublisher{fail: map[string]error{"thread.response|m2": errors.New("nats: timeout")}}
	d := NewDispatcher(s, pub)

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []published{{subject: "user.user-1.thread.response_observed", msgID: "thread.response|m1"}}, pub.sent)

	// m1 is done, m2 is parked until its backoff elapses
	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunWakesOnResponseObserved(t *testing.T) {
	s := openStore(t)
	pub := &fakePublisher{}
	d := NewDispatcher(s, pub)
	d.idleWait = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	saveReply(t, s, "m1")
	d.ResponseObserved("user-1", "thread-m1")

	assert.Eventually(t, func() bool { return pub.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestResponseObservedNeverBlocks(t *testing.T) {
	d := NewDispatcher(nil, nil)
	for i := 0; i < 10; i++ {
		d.ResponseObserved("user-1", "t1")
	}
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, 10*time.Second, retryBackoff(0))
	assert.Equal(t, 20*time.Second, retryBackoff(1))
	assert.Equal(t, 80*time.Second, retryBackoff(3))
	assert.Equal(t, maxBackoff, retryBackoff(50))
}
