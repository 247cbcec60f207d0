package dsn

import (
	"strings"
	"testing"
	"time"

	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/smtp"
)

func mustPath(t *testing.T, s string) smtp.Path {
	t.Helper()
	p, err := smtp.ParsePath(s)
	if err != nil {
		t.Fatalf("ParsePath(%q): %v", s, err)
	}
	return p
}

func TestComposeBounceOfBounceSuppressed(t *testing.T) {
	orig := &message.Envelope{
		Sender:     smtp.Path{},
		Recipients: []smtp.Path{mustPath(t, "a@example.com")},
	}
	bounce, err := Compose(orig, []Failure{{Recipient: mustPath(t, "a@example.com"), Reply: smtp.Replyf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "no such user")}}, "mx.example.com", time.Now())
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if bounce != nil {
		t.Fatalf("expected nil bounce for bounce-of-bounce, got %+v", bounce)
	}
}

func TestComposeBounce(t *testing.T) {
	orig := &message.Envelope{
		Sender:     mustPath(t, "sender@example.com"),
		Recipients: []smtp.Path{mustPath(t, "a@example.com")},
		Headers:    []message.Header{{Name: "Subject", Value: "hi"}},
		Body:       []byte("body\r\n"),
	}
	failures := []Failure{{Recipient: mustPath(t, "a@example.com"), Reply: smtp.Replyf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "no such user")}}
	bounce, err := Compose(orig, failures, "mx.example.com", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if bounce == nil {
		t.Fatalf("expected non-nil bounce")
	}
	if !bounce.Sender.IsZero() {
		t.Errorf("bounce sender should be empty, got %v", bounce.Sender)
	}
	if len(bounce.Recipients) != 1 || bounce.Recipients[0].String() != "sender@example.com" {
		t.Errorf("bounce recipient = %v, want sender@example.com", bounce.Recipients)
	}
	if ct, ok := bounce.HeaderGet("Content-Type"); !ok || !strings.Contains(ct, "multipart/report") {
		t.Errorf("Content-Type = %q, want multipart/report", ct)
	}
	if !strings.Contains(string(bounce.Body), "message/rfc822") {
		t.Errorf("body missing message/rfc822 part: %s", bounce.Body)
	}
	if !strings.Contains(string(bounce.Body), "Subject: hi") {
		t.Errorf("body missing embedded original headers: %s", bounce.Body)
	}
}
