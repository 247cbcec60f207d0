// Package httpedge implements the HTTP edge (spec.md §6): a single POST
// endpoint that accepts a raw message/rfc822 body plus envelope metadata in
// headers, as an alternative to the SMTP edge for programmatic submission.
//
// Grounded on original_source/slimta/edge/wsgi.py's WsgiEdge (request
// validation, X-Ehlo/X-Envelope-Sender/X-Envelope-Recipient header decoding,
// X-Smtp-Reply response header), reimplemented on stdlib net/http: the
// teacher's HTTP-adjacent dependencies (sherpa/sherpadoc/sherpats/sherpaprom)
// are a JSON-RPC API generator for its admin web UI and have no bearing on a
// single raw-body POST endpoint, so no pack library targets this shape.
package httpedge

import (
	"context"
	"net/http"

	"github.com/mjl-mta/relaylib/dns"
	"github.com/mjl-mta/relaylib/internal/mlog"
	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/smtpserver"
)

// Config configures a Server.
type Config struct {
	Addr     string
	Hostname dns.Domain

	// MaxMessageSize bounds the request body; 0 means unlimited.
	MaxMessageSize int64

	// Resolver is used for a reverse-DNS lookup of the client address, for
	// Meta.ClientHostname. A nil Resolver skips the lookup.
	Resolver dns.Resolver

	// Validator reuses smtpserver's Validator interface: Connect, Mail,
	// Rcpt and Data hooks run synchronously against one request's decoded
	// envelope metadata before the body is read, matching the SMTP edge's
	// transition points one-for-one. A nil Validator behaves like
	// smtpserver.NoopValidator.
	Validator smtpserver.Validator

	// Enqueue hands a fully-received, Validator.HaveData-approved envelope
	// off for delivery, returning the assigned queue id. Required.
	Enqueue func(ctx context.Context, env *message.Envelope) (queuedID string, err error)

	Log *mlog.Log
}

func (c Config) validator() smtpserver.Validator {
	if c.Validator == nil {
		return smtpserver.NoopValidator{}
	}
	return c.Validator
}

func (c Config) log() *mlog.Log {
	if c.Log != nil {
		return c.Log
	}
	return mlog.New("httpedge")
}

func (c Config) maxMessageSize() int64 {
	if c.MaxMessageSize <= 0 {
		return 1 << 30
	}
	return c.MaxMessageSize
}

// Server is an http.Handler implementing the POST endpoint; embed it in a
// http.Server (or call ListenAndServe) to start accepting requests.
type Server struct {
	config Config
}

// NewServer prepares a Server from cfg.
func NewServer(cfg Config) *Server {
	return &Server{config: cfg}
}

var _ http.Handler = (*Server)(nil)
