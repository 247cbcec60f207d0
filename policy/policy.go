// Package policy implements the pre-queue envelope transformations of
// spec.md §4.8: header stamping, recipient rewriting, recipient-count
// limiting, and envelope splitting. Policies run in order inside
// queue.Engine.Enqueue, each able to mutate an envelope, fork it into
// several, or reject it outright with a smtp.Reply.
package policy

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/smtp"
)

// Policy is a single pre-queue step. Implementations return either:
//   - one or more envelopes to continue with (possibly just the input,
//     unchanged), reply and err zero;
//   - a non-zero reply, to reject the envelope (the caller emits it as the
//     enqueue failure, e.g. 452 or 550);
//   - a non-nil err for an internal failure unrelated to the envelope's
//     content (e.g. a regexp that fails to compile at apply time, which
//     "can't happen" for Policies built via the constructors below, but the
//     interface leaves room for policies with external dependencies, e.g. a
//     database-backed Forward table).
type Policy interface {
	Apply(ctx context.Context, env *message.Envelope) (envs []*message.Envelope, reply smtp.Reply, err error)
}

// Run applies policies in order, threading the envelope set through each:
// a policy that splits one envelope into N runs the remaining policies over
// all N.
func Run(ctx context.Context, policies []Policy, env *message.Envelope) ([]*message.Envelope, smtp.Reply, error) {
	cur := []*message.Envelope{env}
	for _, p := range policies {
		var next []*message.Envelope
		for _, e := range cur {
			envs, reply, err := p.Apply(ctx, e)
			if err != nil {
				return nil, smtp.Reply{}, err
			}
			if !reply.IsZero() {
				return nil, reply, nil
			}
			next = append(next, envs...)
		}
		cur = next
	}
	return cur, smtp.Reply{}, nil
}

// AddDateHeader inserts a Date: header in RFC 5322 format, local timezone,
// if the envelope doesn't already have one.
type AddDateHeader struct {
	Now func() time.Time // defaults to time.Now if nil
}

func (p AddDateHeader) Apply(ctx context.Context, env *message.Envelope) ([]*message.Envelope, smtp.Reply, error) {
	if _, ok := env.HeaderGet("Date"); ok {
		return []*message.Envelope{env}, smtp.Reply{}, nil
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	env.HeaderAppend("Date", now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	return []*message.Envelope{env}, smtp.Reply{}, nil
}

// AddMessageIdHeader inserts a Message-Id: header of the form
// <timestamp.random@hostname> if none is present.
type AddMessageIdHeader struct {
	Hostname string
	Now      func() time.Time
	Rand     func() int64
}

func (p AddMessageIdHeader) Apply(ctx context.Context, env *message.Envelope) ([]*message.Envelope, smtp.Reply, error) {
	if _, ok := env.HeaderGet("Message-Id"); ok {
		return []*message.Envelope{env}, smtp.Reply{}, nil
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	randInt := p.Rand
	if randInt == nil {
		randInt = rand.Int63
	}
	id := fmt.Sprintf("<%d.%x@%s>", now().UnixNano(), randInt(), p.Hostname)
	env.HeaderAppend("Message-Id", id)
	return []*message.Envelope{env}, smtp.Reply{}, nil
}

// AddReceivedHeader prepends a Received: header describing the session the
// envelope arrived over, per spec.md §4.8: sending IP, reverse name, EHLO
// string, local hostname, protocol, recipient (if there is exactly one),
// id, and date.
type AddReceivedHeader struct {
	LocalHostname string
	ID            string
	Now           func() time.Time
}

func (p AddReceivedHeader) Apply(ctx context.Context, env *message.Envelope) ([]*message.Envelope, smtp.Reply, error) {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	meta := env.Meta
	from := "unknown"
	if meta.ClientIP != nil {
		if meta.ClientHostname != "" {
			from = fmt.Sprintf("%s [%s]", meta.ClientHostname, clientIPString(meta.ClientIP))
		} else {
			from = fmt.Sprintf("[%s]", clientIPString(meta.ClientIP))
		}
	}
	var by string
	if meta.EHLO != "" {
		by = fmt.Sprintf("from %s (%s) by %s", meta.EHLO, from, p.LocalHostname)
	} else {
		by = fmt.Sprintf("from %s by %s", from, p.LocalHostname)
	}
	var forClause string
	if len(env.Recipients) == 1 {
		forClause = fmt.Sprintf(" for <%s>", env.Recipients[0].String())
	}
	value := fmt.Sprintf("%s with %s%s id %s; %s", by, meta.Protocol, forClause, p.ID, now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	env.HeaderPrepend("Received", value)
	return []*message.Envelope{env}, smtp.Reply{}, nil
}

func clientIPString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

// ForwardRule is one regexp substitution for Forward.
type ForwardRule struct {
	Match       *regexp.Regexp
	Replacement string
}

// Forward rewrites each recipient against an ordered list of regexp
// substitution rules, per spec.md §4.8: at most one rule applies per
// recipient (first match wins); no match leaves the recipient unchanged.
type Forward struct {
	Rules []ForwardRule
}

func (p Forward) Apply(ctx context.Context, env *message.Envelope) ([]*message.Envelope, smtp.Reply, error) {
	for i, r := range env.Recipients {
		addr := r.String()
		for _, rule := range p.Rules {
			if rule.Match.MatchString(addr) {
				rewritten := rule.Match.ReplaceAllString(addr, rule.Replacement)
				np, err := smtp.ParsePath(rewritten)
				if err != nil {
					return nil, smtp.Reply{}, fmt.Errorf("forward: rewritten recipient %q is not a valid path: %w", rewritten, err)
				}
				env.Recipients[i] = np
				break
			}
		}
	}
	return []*message.Envelope{env}, smtp.Reply{}, nil
}

// MaxRecipients rejects envelopes whose recipient count exceeds Max with a
// 452, per spec.md §4.2's C452TooManyRcpts code, supplementing the
// distilled spec's happy path from the original implementation's
// MAIL/RCPT size guard.
type MaxRecipients struct {
	Max int
}

func (p MaxRecipients) Apply(ctx context.Context, env *message.Envelope) ([]*message.Envelope, smtp.Reply, error) {
	if p.Max > 0 && len(env.Recipients) > p.Max {
		return nil, smtp.Replyf(smtp.C452TooManyRcpts, smtp.SeProto5TooManyRcpts3, "too many recipients, max %d", p.Max), nil
	}
	return []*message.Envelope{env}, smtp.Reply{}, nil
}

// RecipientSplit forks the envelope into one copy per recipient, each
// carrying a single-element Recipients slice, per spec.md §4.8.
type RecipientSplit struct{}

func (p RecipientSplit) Apply(ctx context.Context, env *message.Envelope) ([]*message.Envelope, smtp.Reply, error) {
	if len(env.Recipients) <= 1 {
		return []*message.Envelope{env}, smtp.Reply{}, nil
	}
	var out []*message.Envelope
	for _, r := range env.Recipients {
		n := env.Clone()
		n.Recipients = []smtp.Path{r}
		out = append(out, n)
	}
	return out, smtp.Reply{}, nil
}

// RecipientDomainSplit forks the envelope into one copy per unique
// recipient domain (lowercased), each carrying the recipients for that
// domain, per spec.md §4.8.
type RecipientDomainSplit struct{}

func (p RecipientDomainSplit) Apply(ctx context.Context, env *message.Envelope) ([]*message.Envelope, smtp.Reply, error) {
	if len(env.Recipients) <= 1 {
		return []*message.Envelope{env}, smtp.Reply{}, nil
	}
	order := make([]string, 0, 4)
	groups := map[string][]smtp.Path{}
	for _, r := range env.Recipients {
		dom := strings.ToLower(r.IPDomain.String())
		if _, ok := groups[dom]; !ok {
			order = append(order, dom)
		}
		groups[dom] = append(groups[dom], r)
	}
	if len(order) == 1 {
		return []*message.Envelope{env}, smtp.Reply{}, nil
	}
	var out []*message.Envelope
	for _, dom := range order {
		n := env.Clone()
		n.Recipients = groups[dom]
		out = append(out, n)
	}
	return out, smtp.Reply{}, nil
}

// Pipe describes, but per spec.md §1 Non-goals does not implement, routing
// a delivered message to an external process instead of relaying it over
// SMTP. The original implementation this module was distilled from
// supports "pipe to process" as a delivery target class; Apply always
// rejects so a caller that wires Pipe in by mistake gets a clear error
// rather than a silently dropped message.
type Pipe struct {
	Command string
}

func (p Pipe) Apply(ctx context.Context, env *message.Envelope) ([]*message.Envelope, smtp.Reply, error) {
	return nil, smtp.Reply{}, fmt.Errorf("policy: pipe-to-process delivery (%q) is not implemented", p.Command)
}
