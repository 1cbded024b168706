package mime

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mailsync "github.com/Martian-dev/mailbox-sync/internal/sync"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParsePlainText(t *testing.T) {
	raw := crlf(`From: Jane Lead <jane@customer.com>
To: Me <me@example.com>, ops@example.com
Cc: boss@customer.com
Subject: Re: pricing
Date: Wed, 01 May 2024 10:00:00 +0200
Content-Type: text/plain; charset=utf-8

Sounds good, let's talk.
`)

	got, err := NewParser().Parse(&mailsync.RawMessage{ID: "m1", Raw: raw})
	require.NoError(t, err)
	assert.Equal(t, "jane@customer.com", got.Sender)
	assert.Equal(t, []string{"me@example.com", "ops@example.com", "boss@customer.com"}, got.Recipients)
	assert.Equal(t, "Re: pricing", got.Subject)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), got.ReceivedAt)
	assert.Equal(t, "Sounds good, let's talk.\r\n", got.BodyText)
	assert.Empty(t, got.BodyHTML)
}

func TestParseMultipartSkipsAttachments(t *testing.T) {
	raw := crlf(`From: jane@customer.com
To: me@example.com
Subject: =?UTF-8?B?UmU6IGNhZsOp?=
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=iso-8859-1
Content-Transfer-Encoding: quoted-printable

Caf=E9 at noon?
--inner
Content-Type: text/html; charset=utf-8

<p>Café at noon?</p>
--inner--
--outer
Content-Type: text/plain
Content-Disposition: attachment; filename="notes.txt"

not a body
--outer--
`)

	got, err := NewParser().Parse(&mailsync.RawMessage{ID: "m2", Raw: raw})
	require.NoError(t, err)
	assert.Equal(t, "Re: café", got.Subject)
	assert.Equal(t, "Café at noon?", strings.TrimSpace(got.BodyText))
	assert.Equal(t, "<p>Café at noon?</p>", strings.TrimSpace(got.BodyHTML))
	assert.True(t, got.ReceivedAt.IsZero())
}

func TestParseEmptySource(t *testing.T) {
	_, err := NewParser().Parse(&mailsync.RawMessage{ID: "m3"})
	assert.Error(t, err)
}
