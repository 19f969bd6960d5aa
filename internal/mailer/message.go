package mailer

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FallbackMessageIDDomain is used when no domain can be parsed from the
// from address.
const FallbackMessageIDDomain = "lqve.solutions"

const crlf = "\r\n"

var lineBreakRunExpression = regexp.MustCompile(`[\r\n]+`)

// MessageInput carries everything needed to render one outbound message.
// ReplyTo falls back to From when empty.
type MessageInput struct {
	From    string
	To      string
	Subject string
	Body    string
	ReplyTo string
}

// BuildRawMessage renders a raw RFC 5322 message with a fixed header order
// and CRLF line endings. The subject has line-break runs collapsed to single
// spaces so that a crafted field value cannot inject headers; the body is
// emitted verbatim after the blank separator line, where embedded line
// breaks are harmless.
func BuildRawMessage(input MessageInput, sentAt time.Time) string {
	safeSubject := strings.TrimSpace(lineBreakRunExpression.ReplaceAllString(input.Subject, " "))

	fromDomain := FallbackMessageIDDomain
	if _, domain, found := strings.Cut(input.From, "@"); found && strings.TrimSpace(domain) != "" {
		fromDomain = strings.TrimSpace(domain)
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), fromDomain)

	replyTo := input.ReplyTo
	if replyTo == "" {
		replyTo = input.From
	}

	lines := []string{
		"From: " + input.From,
		"To: " + input.To,
		"Subject: " + safeSubject,
		"Message-ID: " + messageID,
		"Date: " + sentAt.UTC().Format(http.TimeFormat),
		"Reply-To: " + replyTo,
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="UTF-8"`,
		"Content-Transfer-Encoding: 8bit",
		"",
		input.Body,
	}
	return strings.Join(lines, crlf)
}
