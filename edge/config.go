// Package edge implements the TCP accept side of the SMTP pipeline
// (spec.md §4.4): it owns listening sockets, bounds concurrent sessions with
// a worker pool, optionally recovers the real peer address from a PROXY
// protocol header, performs a reverse-DNS lookup to populate each session's
// ClientHostname, and hands the connection to smtpserver.Conn.
//
// Grounded on the teacher's smtpserver/server.go accept loop (Listen/Serve),
// generalized with a bounded worker pool the teacher's loop doesn't have.
package edge

import (
	"crypto/tls"
	"time"

	"github.com/mjl-mta/relaylib/autotls"
	"github.com/mjl-mta/relaylib/dns"
	"github.com/mjl-mta/relaylib/internal/mlog"
	"github.com/mjl-mta/relaylib/ratelimit"
	"github.com/mjl-mta/relaylib/smtpserver"
)

// Config configures a Server.
type Config struct {
	// Addrs are the listen addresses, e.g. ":25" or "0.0.0.0:25". A Server
	// can listen on several (IPv4 and IPv6, multiple ports).
	Addrs []string

	// MaxConnections bounds how many sessions may run concurrently across
	// all listeners. Once saturated, Accept is not called again until a
	// session ends, so the kernel's own accept queue applies backpressure;
	// no connection is dropped once its banner has been written. 0 means
	// unlimited.
	MaxConnections int

	// ShutdownGrace bounds how long Shutdown waits for in-flight sessions to
	// finish on their own before the remaining connections are closed.
	ShutdownGrace time.Duration

	// ProxyProtocol enables PROXY protocol v1/v2 detection on each accepted
	// connection, recovering the real client address from a load balancer
	// or proxy in front of this listener.
	ProxyProtocol bool

	// Resolver is used for a reverse-DNS (PTR) lookup of the client address
	// before handing the connection to smtpserver, populating
	// Conn.ClientHostname. A nil Resolver skips the lookup.
	Resolver dns.Resolver

	// TLSConfig is used for implicit-TLS listeners (addresses in
	// ImplicitTLSAddrs); SMTP.TLSConfig governs STARTTLS independently. If
	// nil and ACME is set, both default to ACME.TLSConfig.
	TLSConfig *tls.Config

	// ImplicitTLSAddrs is the subset of Addrs that should be wrapped in TLS
	// immediately on accept, e.g. the SMTPS/submissions port, instead of
	// negotiating it via STARTTLS.
	ImplicitTLSAddrs map[string]bool

	// ACME, if set, sources TLSConfig and SMTP.TLSConfig from an ACME
	// certificate manager instead of a static tls.Config, whenever those
	// fields are left nil.
	ACME *autotls.Manager

	// ConnectLimiter, if set, is checked for every accepted connection
	// before a session starts; once its window limits are exceeded for the
	// client's address or containing subnet, the connection is refused
	// with a 421 instead of being handed to smtpserver.
	ConnectLimiter *ratelimit.ConnectLimiter

	// SMTP is cloned into a fresh *smtpserver.Config per connection; its
	// Validator is shared across sessions and must be concurrency-safe.
	SMTP smtpserver.Config

	Log *mlog.Log
}

func (c Config) log() *mlog.Log {
	if c.Log != nil {
		return c.Log
	}
	return mlog.New("edge")
}
