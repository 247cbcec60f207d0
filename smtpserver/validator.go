package smtpserver

import (
	"context"

	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/smtp"
)

// Validator is consulted at each hook point of a session; it may reject a
// command by returning ok=false and a Reply to send instead of the default.
// A nil Validator accepts everything. This mirrors the teacher's inline
// account/policy checks in cmdMail/cmdRcpt/cmdData/submit, collapsed to a
// single interface per SPEC_FULL.md §4.2.
type Validator interface {
	// Connect runs right after accept, before the banner is written.
	Connect(ctx context.Context, meta message.SessionMeta) (smtp.Reply, bool)

	// Helo runs after a syntactically valid EHLO/HELO argument.
	Helo(ctx context.Context, meta message.SessionMeta, ehlo bool, arg string) (smtp.Reply, bool)

	// Mail runs after a syntactically valid MAIL FROM.
	Mail(ctx context.Context, meta message.SessionMeta, from smtp.Path) (smtp.Reply, bool)

	// Rcpt runs after a syntactically valid RCPT TO.
	Rcpt(ctx context.Context, meta message.SessionMeta, from smtp.Path, to smtp.Path) (smtp.Reply, bool)

	// Data runs when DATA is received, before the 354 intermediate reply.
	Data(ctx context.Context, meta message.SessionMeta, from smtp.Path, rcpts []smtp.Path) (smtp.Reply, bool)

	// HaveData runs after the full body has been read, before the message is
	// handed off for queueing.
	HaveData(ctx context.Context, env *message.Envelope) (smtp.Reply, bool)

	// HandleQueued runs after the queueing attempt, successful or not, and
	// produces the final reply for the DATA command.
	HandleQueued(ctx context.Context, env *message.Envelope, queuedID string, queueErr error) smtp.Reply
}

// NoopValidator accepts every hook and reports a generic success for
// HandleQueued. Useful for tests and for embedding to override only the
// hooks that matter.
type NoopValidator struct{}

func (NoopValidator) Connect(ctx context.Context, meta message.SessionMeta) (smtp.Reply, bool) {
	return smtp.Reply{}, true
}

func (NoopValidator) Helo(ctx context.Context, meta message.SessionMeta, ehlo bool, arg string) (smtp.Reply, bool) {
	return smtp.Reply{}, true
}

func (NoopValidator) Mail(ctx context.Context, meta message.SessionMeta, from smtp.Path) (smtp.Reply, bool) {
	return smtp.Reply{}, true
}

func (NoopValidator) Rcpt(ctx context.Context, meta message.SessionMeta, from, to smtp.Path) (smtp.Reply, bool) {
	return smtp.Reply{}, true
}

func (NoopValidator) Data(ctx context.Context, meta message.SessionMeta, from smtp.Path, rcpts []smtp.Path) (smtp.Reply, bool) {
	return smtp.Reply{}, true
}

func (NoopValidator) HaveData(ctx context.Context, env *message.Envelope) (smtp.Reply, bool) {
	return smtp.Reply{}, true
}

func (NoopValidator) HandleQueued(ctx context.Context, env *message.Envelope, queuedID string, queueErr error) smtp.Reply {
	if queueErr != nil {
		return smtp.Replyf(smtp.C451LocalErr, smtp.SeSys3Other0, "error queueing message: %v", queueErr)
	}
	return smtp.Replyf(smtp.C250Completed, smtp.SeMailbox2Other0, "queued as %s", queuedID)
}

var _ Validator = NoopValidator{}
