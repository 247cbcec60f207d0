package policy

import (
	"context"
	"regexp"
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

func TestAddDateAndMessageId(t *testing.T) {
	env := &message.Envelope{Recipients: []smtp.Path{mustPath(t, "a@example.com")}}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	envs, reply, err := Run(context.Background(), []Policy{
		AddDateHeader{Now: func() time.Time { return fixed }},
		AddMessageIdHeader{Hostname: "mx.example.com", Now: func() time.Time { return fixed }, Rand: func() int64 { return 42 }},
	}, env)
	if err != nil || !reply.IsZero() {
		t.Fatalf("Run: reply=%v err=%v", reply, err)
	}
	if len(envs) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(envs))
	}
	if v, ok := envs[0].HeaderGet("Date"); !ok || v == "" {
		t.Errorf("Date header missing")
	}
	if v, ok := envs[0].HeaderGet("Message-Id"); !ok || v == "" {
		t.Errorf("Message-Id header missing")
	}
}

func TestMaxRecipientsRejects(t *testing.T) {
	env := &message.Envelope{Recipients: []smtp.Path{mustPath(t, "a@example.com"), mustPath(t, "b@example.com")}}
	_, reply, err := Run(context.Background(), []Policy{MaxRecipients{Max: 1}}, env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply.Code != smtp.C452TooManyRcpts {
		t.Fatalf("code = %d, want %d", reply.Code, smtp.C452TooManyRcpts)
	}
}

func TestForwardFirstMatchWins(t *testing.T) {
	env := &message.Envelope{Recipients: []smtp.Path{mustPath(t, "old@example.com")}}
	rules := []ForwardRule{
		{Match: regexp.MustCompile(`^old@example\.com$`), Replacement: "new@example.com"},
		{Match: regexp.MustCompile(`^old@example\.com$`), Replacement: "unused@example.com"},
	}
	envs, _, err := Run(context.Background(), []Policy{Forward{Rules: rules}}, env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := envs[0].Recipients[0].String(); got != "new@example.com" {
		t.Fatalf("recipient = %q, want new@example.com", got)
	}
}

func TestRecipientDomainSplit(t *testing.T) {
	env := &message.Envelope{Recipients: []smtp.Path{
		mustPath(t, "a@example.com"),
		mustPath(t, "b@example.org"),
		mustPath(t, "c@example.com"),
	}}
	envs, _, err := Run(context.Background(), []Policy{RecipientDomainSplit{}}, env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(envs))
	}
	total := 0
	for _, e := range envs {
		total += len(e.Recipients)
	}
	if total != 3 {
		t.Fatalf("total recipients = %d, want 3", total)
	}
}

func TestRecipientSplit(t *testing.T) {
	env := &message.Envelope{Recipients: []smtp.Path{
		mustPath(t, "a@example.com"),
		mustPath(t, "b@example.com"),
	}}
	envs, _, err := Run(context.Background(), []Policy{RecipientSplit{}}, env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(envs))
	}
	for _, e := range envs {
		if len(e.Recipients) != 1 {
			t.Errorf("envelope has %d recipients, want 1", len(e.Recipients))
		}
	}
}

func TestPipeRejects(t *testing.T) {
	env := &message.Envelope{Recipients: []smtp.Path{mustPath(t, "a@example.com")}}
	_, _, err := Run(context.Background(), []Policy{Pipe{Command: "/bin/false"}}, env)
	if err == nil {
		t.Fatalf("expected error from Pipe policy")
	}
}
