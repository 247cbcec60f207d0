// Package relay implements the MX relay manager (spec.md §4.7): given
// an envelope, it groups recipients by destination domain, resolves
// each domain's next hops, pools SMTP client sessions per destination,
// and classifies the outcome per recipient so queue.Engine can narrow
// and retry only the recipients that still need it.
package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mjl-mta/relaylib/dns"
	"github.com/mjl-mta/relaylib/internal/mlog"
	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/smtp"
	"github.com/mjl-mta/relaylib/smtpclient"
)

// Config configures a Manager. Resolver and Dialer default to DNS- and
// net-backed implementations if nil.
type Config struct {
	Resolver dns.Resolver
	Dialer   smtpclient.Dialer // defaults to net.Dialer if nil

	// EHLOHostname is the name this system announces in EHLO.
	EHLOHostname dns.Domain

	// Port is the SMTP port dialed for every destination. 587/465 submission
	// relays are out of this library's scope (spec.md §1): relay always
	// speaks MX-style port 25 semantics unless overridden here for tests.
	Port int

	// TLSConfig is used for STARTTLS/immediate TLS. A nil TLSConfig means
	// opportunistic STARTTLS is attempted with Go's default verification.
	TLSConfig *tls.Config

	Timeouts smtpclient.Timeouts

	// ConcurrentConnections bounds how many simultaneous connections are
	// held open per destination (spec.md §4.7 step 2). 0 means 1.
	ConcurrentConnections int

	// IdleTimeout is how long an idle pooled connection may be reused
	// before it's closed instead. 0 disables reuse (always dial fresh).
	IdleTimeout time.Duration

	// MXCacheTTL caches a domain's resolved exchanger list for this long.
	// 0 disables caching (spec.md §9 Open Question (b)).
	MXCacheTTL time.Duration

	// ForcedHosts overrides MX lookup for specific domains (spec.md §4.7
	// step 1's "a user may override MX lookup for a domain with a forced
	// host"), keyed by lowercased domain name.
	ForcedHosts map[string]HostPort

	Now func() time.Time
	Log *mlog.Log
}

// HostPort is a forced-host override target.
type HostPort struct {
	Host string
	Port int
}

// Manager is a queue.Relay implementation: resolve, pool, and deliver.
// Grounded structurally on the teacher's smtpclient/gather.go MX
// gathering (preference ordering, equal-preference shuffle, implicit-MX
// fallback) minus DANE/MTA-STS/CNAME-following, which depend on the
// teacher's TLS-reporting and policy-store machinery this library
// doesn't carry (see DESIGN.md).
type Manager struct {
	resolver    dns.Resolver
	dialer      smtpclient.Dialer
	ehloHost    dns.Domain
	port        int
	tlsConfig   *tls.Config
	timeouts    smtpclient.Timeouts
	concurrency int
	idleTimeout time.Duration
	forcedHosts map[string]exchanger
	mxCache     *mxCache
	now         func() time.Time
	log         *mlog.Log

	mu    sync.Mutex
	pools map[string]*destPool
}

// NewManager constructs a Manager from cfg.
func NewManager(cfg Config) *Manager {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = dns.Adns{}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	port := cfg.Port
	if port == 0 {
		port = 25
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = mlog.New("relay")
	}
	forced := map[string]exchanger{}
	for domain, hp := range cfg.ForcedHosts {
		forced[strings.ToLower(domain)] = exchanger{host: hp.Host, port: hp.Port}
	}
	return &Manager{
		resolver:    resolver,
		dialer:      dialer,
		ehloHost:    cfg.EHLOHostname,
		port:        port,
		tlsConfig:   cfg.TLSConfig,
		timeouts:    cfg.Timeouts,
		concurrency: cfg.ConcurrentConnections,
		idleTimeout: cfg.IdleTimeout,
		forcedHosts: forced,
		mxCache:     newMXCache(cfg.MXCacheTTL, now),
		now:         now,
		log:         log,
		pools:       map[string]*destPool{},
	}
}

// Deliver implements queue.Relay. It groups env.Recipients by domain,
// resolves and attempts delivery to each group independently, and
// merges the per-recipient results, per spec.md §4.7.
func (m *Manager) Deliver(ctx context.Context, env *message.Envelope) (map[string]smtp.Reply, error) {
	groups := groupByDomain(env.Recipients)
	results := map[string]smtp.Reply{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for domain, rcpts := range groups {
		domain, rcpts := domain, rcpts
		wg.Add(1)
		go func() {
			defer wg.Done()
			group := m.deliverGroup(ctx, domain, env, rcpts)
			mu.Lock()
			for k, v := range group {
				results[k] = v
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results, nil
}

// deliverGroup resolves domain's next hops and attempts delivery of env
// to rcpts there, returning a reply for every recipient in rcpts: this
// function never leaves a recipient unclassified, so Deliver never needs
// to report a transport-wide error (see the Relay interface doc: that's
// reserved for failures preceding any per-recipient classification,
// which here never escape past this function's boundary).
func (m *Manager) deliverGroup(ctx context.Context, domain string, env *message.Envelope, rcpts []smtp.Path) map[string]smtp.Reply {
	exchangers, err := m.resolveNextHops(ctx, domain)
	if err != nil {
		m.log.Infox("resolving next hops", err, mlog.Field("domain", domain))
		return uniformReply(rcpts, domainFailureReply(err))
	}

	var lastErr error
	for _, ex := range exchangers {
		client, pool, _, err := m.obtain(ctx, ex)
		if err != nil {
			lastErr = err
			continue
		}
		out, reusable, deliverErr := m.deliverVia(ctx, client, env, rcpts)
		pool.release(client, reusable, m.idleTimeout)
		if deliverErr != nil && out == nil {
			// Couldn't get a classified per-recipient outcome from this
			// exchanger at all (e.g. EHLO failed right after connecting, or a
			// reused pooled connection had gone stale): try the next one
			// instead of giving up on the whole group.
			lastErr = deliverErr
			continue
		}
		return out
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("relay: no usable exchanger for %s", domain)
	}
	m.log.Infox("delivery failed for all exchangers", lastErr, mlog.Field("domain", domain))
	return uniformReply(rcpts, transientReply(lastErr))
}

// obtain dials (or reuses from the pool) a ready *smtpclient.Client for
// ex.
func (m *Manager) obtain(ctx context.Context, ex exchanger) (*smtpclient.Client, *destPool, bool, error) {
	pool := m.poolFor(ex)
	client, err := pool.acquire(ctx, m.idleTimeout)
	if err != nil {
		return nil, pool, false, err
	}
	if client != nil {
		return client, pool, true, nil
	}

	ips, err := m.lookupIPs(ctx, ex.host)
	if err != nil {
		pool.release(nil, false, 0)
		return nil, pool, false, fmt.Errorf("relay: resolving address of %s: %w", ex.host, err)
	}
	conn, _, err := smtpclient.Dial(ctx, m.dialer, ips, ex.port)
	if err != nil {
		pool.release(nil, false, 0)
		return nil, pool, false, fmt.Errorf("relay: dialing %s: %w", pool.addr(), err)
	}
	remoteHost, err := pool.domain()
	if err != nil {
		remoteHost = dns.Domain{ASCII: ex.host}
	}
	c, err := smtpclient.New(ctx, conn, smtpclient.TLSOpportunistic, m.ehloHost, remoteHost, smtpclient.Opts{
		TLSConfig: m.tlsConfig,
		Timeouts:  m.timeouts,
	})
	if err != nil {
		conn.Close()
		pool.release(nil, false, 0)
		return nil, pool, false, fmt.Errorf("relay: smtp handshake with %s: %w", ex.host, err)
	}
	return c, pool, false, nil
}

func (m *Manager) lookupIPs(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := m.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

func (m *Manager) poolFor(ex exchanger) *destPool {
	key := fmt.Sprintf("%s:%d", ex.host, ex.port)
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[key]
	if !ok {
		p = newDestPool(ex.host, ex.port, m.concurrency, m.now)
		m.pools[key] = p
	}
	return p
}

// deliverVia runs one SMTP transaction against client for rcpts,
// returning a reply per recipient. reusable reports whether client is
// still usable for another transaction (RSET-able, not botched).
func (m *Manager) deliverVia(ctx context.Context, client *smtpclient.Client, env *message.Envelope, rcpts []smtp.Path) (map[string]smtp.Reply, bool, error) {
	rcptStrs := make([]string, len(rcpts))
	for i, r := range rcpts {
		rcptStrs[i] = r.String()
	}
	resps, derr := client.DeliverMultiple(ctx, env.Sender.String(), rcptStrs, int64(len(env.Body)), bytes.NewReader(env.Flatten()), false, false)
	if resps == nil {
		// Failure before or at MAIL FROM: no per-recipient signal at all.
		return nil, client.Botched() == false, derr
	}

	dataFailed := derr != nil && len(resps) == len(rcpts)
	out := map[string]smtp.Reply{}
	for i, r := range rcpts {
		resp := resps[i]
		switch {
		case resp.Err != nil:
			out[r.String()] = responseReply(resp)
		case dataFailed:
			out[r.String()] = transientReply(derr)
		case resp.Code != 0:
			out[r.String()] = smtp.ReplyLines(resp.Code, resp.Secode, append([]string{resp.Line}, resp.MoreLines...)...)
		default:
			out[r.String()] = smtp.Replyf(smtp.C250Completed, smtp.SeMailbox2Other0, "delivered")
		}
	}
	return out, !client.Botched(), nil
}

func groupByDomain(rcpts []smtp.Path) map[string][]smtp.Path {
	groups := map[string][]smtp.Path{}
	for _, r := range rcpts {
		domain := strings.ToLower(r.IPDomain.String())
		groups[domain] = append(groups[domain], r)
	}
	return groups
}

func uniformReply(rcpts []smtp.Path, reply smtp.Reply) map[string]smtp.Reply {
	out := make(map[string]smtp.Reply, len(rcpts))
	for _, r := range rcpts {
		out[r.String()] = reply
	}
	return out
}

func domainFailureReply(err error) smtp.Reply {
	var df *domainFailure
	if errors.As(err, &df) && df.permanent {
		return smtp.Replyf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "domain does not exist: %v", df.err)
	}
	return smtp.Replyf(smtp.C450MailboxUnavail, smtp.SeNet4Other0, "temporary failure resolving destination: %v", err)
}

func transientReply(err error) smtp.Reply {
	return smtp.Replyf(smtp.C450MailboxUnavail, smtp.SeNet4Other0, "temporary delivery failure: %v", err)
}

func responseReply(resp smtpclient.Response) smtp.Reply {
	if resp.Code != 0 {
		lines := append([]string{resp.Line}, resp.MoreLines...)
		return smtp.ReplyLines(resp.Code, resp.Secode, lines...)
	}
	if resp.Permanent {
		return smtp.Replyf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "%v", resp.Err)
	}
	return transientReply(resp.Err)
}

// Close closes every pooled idle connection, for shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.closeIdle()
	}
}
