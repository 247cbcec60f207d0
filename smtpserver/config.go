// Package smtpserver implements the SMTP/ESMTP server session state machine:
// banner, EHLO/HELO, STARTTLS, AUTH, MAIL/RCPT/DATA, through to handing a
// completed message.Envelope to a Validator for enqueueing.
package smtpserver

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/mjl-mta/relaylib/dns"
	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/sasl"
)

// Config configures a Conn's behavior. Fields left at their zero value take
// the documented default.
type Config struct {
	Hostname dns.Domain // Announced in the banner and EHLO response.

	TLSConfig *tls.Config // If set, STARTTLS is advertised and accepted.

	MaxMessageSize int64 // Advertised in EHLO SIZE and enforced during DATA. 0 means the 1 GiB default.

	// Submission marks this Conn as a submission (authenticated) endpoint:
	// AUTH is advertised and accepted. On a non-submission Conn, AUTH always
	// fails with 503.
	Submission bool

	// AllowPlaintextAuth permits PLAIN/LOGIN to succeed over a connection
	// without TLS. Default false: plaintext mechanisms are still advertised
	// (so clients can discover them) but fail with 538 5.7.11 when attempted
	// without TLS, per the Open Question decision recorded in DESIGN.md.
	AllowPlaintextAuth bool

	// CredentialLookup, if set, enables AUTH. With a nil CredentialLookup,
	// AUTH is not advertised and fails with 503.
	CredentialLookup sasl.CredentialLookup

	// CommandTimeout bounds waiting for a command line; DataTimeout bounds a
	// single DATA read. Zero means no limit.
	CommandTimeout time.Duration
	DataTimeout    time.Duration

	Validator Validator

	// Enqueue hands a fully-received, Validator.HaveData-approved envelope
	// off for delivery (typically queue.Engine.Enqueue), returning the
	// assigned queue id. Required; a nil Enqueue causes every DATA to fail
	// with a local error.
	Enqueue func(ctx context.Context, env *message.Envelope) (queuedID string, err error)
}

func (c *Config) maxMessageSize() int64 {
	if c.MaxMessageSize <= 0 {
		return 1 << 30 // 1GiB effective ceiling when unconfigured, mirrors teacher's large default.
	}
	return c.MaxMessageSize
}
