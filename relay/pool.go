package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mjl-mta/relaylib/dns"
	"github.com/mjl-mta/relaylib/smtpclient"
)

// idleConn is a Client sitting in the pool between deliveries.
type idleConn struct {
	client  *smtpclient.Client
	expires time.Time
}

// destPool bounds and reuses connections to one (host, port), per spec.md
// §4.7 step 2: a counting semaphore bounds concurrent_connections, a FIFO
// wait queue blocks acquisitions past the bound, and idle connections are
// reused within idle_timeout instead of always dialing fresh. Grounded on
// the Dialer/connection-reuse shape in the teacher's smtpclient/dial.go,
// generalized from a single dial call into a pool since the teacher keeps
// no destination pool of its own (queue/queue.go dials fresh per
// attempt).
type destPool struct {
	host string
	port int

	sem   chan struct{} // counting semaphore, FIFO via channel ordering
	mu    sync.Mutex
	idle  []idleConn
	clock func() time.Time
}

func newDestPool(host string, port, concurrency int, now func() time.Time) *destPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if now == nil {
		now = time.Now
	}
	return &destPool{host: host, port: port, sem: make(chan struct{}, concurrency), clock: now}
}

// acquire blocks until a slot is free (respecting ctx), then returns a
// reusable idle connection if one is young enough, else nil.
func (p *destPool) acquire(ctx context.Context, idleTimeout time.Duration) (*smtpclient.Client, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	for len(p.idle) > 0 {
		last := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if idleTimeout > 0 && now.After(last.expires) {
			last.client.Close()
			continue
		}
		return last.client, nil
	}
	return nil, nil
}

// release returns a slot to the pool, keeping client idle for reuse if
// reusable is true and idleTimeout > 0, otherwise closing it.
func (p *destPool) release(client *smtpclient.Client, reusable bool, idleTimeout time.Duration) {
	if client != nil && reusable && idleTimeout > 0 {
		p.mu.Lock()
		p.idle = append(p.idle, idleConn{client: client, expires: p.clock().Add(idleTimeout)})
		p.mu.Unlock()
	} else if client != nil {
		client.Close()
	}
	<-p.sem
}

// closeIdle closes every idle connection currently held, for shutdown.
func (p *destPool) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		c.client.Close()
	}
	p.idle = nil
}

func (p *destPool) addr() string {
	return net.JoinHostPort(p.host, fmt.Sprintf("%d", p.port))
}

func (p *destPool) domain() (dns.Domain, error) {
	return dns.ParseDomain(p.host)
}
