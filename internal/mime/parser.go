package mime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	mailsync "github.com/Martian-dev/mailbox-sync/internal/sync"
)

// maxPartBytes bounds how much of a single body part is read into memory.
// Stored bodies are capped again, much lower, at ingestion.
const maxPartBytes = 64 << 20

// Parser extracts addresses, subject, date and the first text and HTML
// bodies from RFC 5322 sources. Attachments are skipped.
type Parser struct{}

// NewParser creates a MIME parser
func NewParser() *Parser {
	return &Parser{}
}

// Parse implements mailsync.Parser.
func (p *Parser) Parse(raw *mailsync.RawMessage) (*mailsync.ParsedMessage, error) {
	if len(raw.Raw) == 0 {
		return nil, errors.New("empty message source")
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw.Raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message %s: %w", raw.ID, err)
	}
	defer mr.Close()

	out := &mailsync.ParsedMessage{
		Sender:     firstAddress(mr.Header, "From"),
		Recipients: addresses(mr.Header, "To", "Cc"),
	}
	if subject, err := mr.Header.Subject(); err == nil {
		out.Subject = subject
	} else {
		out.Subject = mr.Header.Get("Subject")
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		out.ReceivedAt = date.UTC()
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("read part of %s: %w", raw.ID, err)
		}
		if part == nil {
			continue
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		if disp, _, _ := h.ContentDisposition(); disp == "attachment" {
			continue
		}

		mediaType, _, _ := h.ContentType()
		if mediaType == "" {
			mediaType = "text/plain"
		}
		if mediaType != "text/plain" && mediaType != "text/html" {
			continue
		}

		body, err := io.ReadAll(io.LimitReader(part.Body, maxPartBytes))
		if err != nil {
			return nil, fmt.Errorf("read body of %s: %w", raw.ID, err)
		}

		switch {
		case mediaType == "text/plain" && out.BodyText == "":
			out.BodyText = string(body)
		case mediaType == "text/html" && out.BodyHTML == "":
			out.BodyHTML = string(body)
		}
	}

	return out, nil
}

func firstAddress(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err == nil && len(list) > 0 {
		return list[0].Address
	}
	return strings.TrimSpace(h.Get(key))
}

func addresses(h mail.Header, keys ...string) []string {
	var out []string
	for _, key := range keys {
		list, err := h.AddressList(key)
		if err != nil {
			continue
		}
		for _, addr := range list {
			out = append(out, addr.Address)
		}
	}
	return out
}
