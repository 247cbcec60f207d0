package edge

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mjl-mta/relaylib/internal/metrics"
	"github.com/mjl-mta/relaylib/internal/mlog"
	"github.com/mjl-mta/relaylib/iprev"
	"github.com/mjl-mta/relaylib/smtp"
	"github.com/mjl-mta/relaylib/smtpserver"
)

// Server accepts SMTP connections on one or more listeners and runs a
// smtpserver.Conn per connection, bounded by a worker pool (spec.md §4.4).
//
// Grounded on the teacher's smtpserver/server.go Listen/listen1/Serve, with
// its unbounded per-connection goroutine replaced by a counting semaphore
// acquired before each Accept, so a saturated pool blocks new accepts
// instead of spawning past its limit.
type Server struct {
	config Config
	log    *mlog.Log
	cid    atomic.Int64

	sem chan struct{} // nil when Config.MaxConnections <= 0 (unbounded)

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closing   bool
}

// NewServer prepares a Server from cfg. Call Serve to start listening.
func NewServer(cfg Config) *Server {
	if cfg.ACME != nil {
		if cfg.TLSConfig == nil {
			cfg.TLSConfig = cfg.ACME.TLSConfig
		}
		if cfg.SMTP.TLSConfig == nil {
			cfg.SMTP.TLSConfig = cfg.ACME.TLSConfig
		}
	}
	s := &Server{
		config: cfg,
		log:    cfg.log(),
		conns:  map[net.Conn]struct{}{},
	}
	s.cid.Store(time.Now().UnixMilli())
	if cfg.MaxConnections > 0 {
		s.sem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

func (s *Server) nextCid() int64 { return s.cid.Add(1) }

// ListenAddrs returns the address each listener actually bound to, in the
// order Config.Addrs listed them. Useful when an address uses port 0; the
// returned slice only reflects listeners Serve has opened so far.
func (s *Server) ListenAddrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, len(s.listeners))
	for i, ln := range s.listeners {
		addrs[i] = ln.Addr()
	}
	return addrs
}

// Serve opens every configured listener and runs its accept loop until ctx
// is canceled, returning once all accept loops have exited. Use Shutdown to
// additionally wait for in-flight sessions to drain.
func (s *Server) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, addr := range s.config.Addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("edge: listen on %s: %w", addr, err)
		}
		if s.config.ImplicitTLSAddrs[addr] {
			if s.config.TLSConfig == nil {
				ln.Close()
				return fmt.Errorf("edge: %s requires implicit tls but no TLSConfig configured", addr)
			}
			ln = tls.NewListener(ln, s.config.TLSConfig)
		}

		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		wg.Add(1)
		go func(addr string, ln net.Listener) {
			defer wg.Done()
			if err := s.acceptLoop(ctx, addr, ln); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(addr, ln)
	}

	go func() {
		<-ctx.Done()
		s.closeListeners()
	}()

	wg.Wait()
	return firstErr
}

func (s *Server) acceptLoop(ctx context.Context, addr string, ln net.Listener) error {
	for {
		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if s.sem != nil {
				<-s.sem
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.log.Infox("accept", err, mlog.Field("addr", addr))
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		cid := s.nextCid()
		go func() {
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				if s.sem != nil {
					<-s.sem
				}
			}()
			s.handle(ctx, cid, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, cid int64, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicInc("edge")
			s.log.Error("recovered panic handling connection", mlog.Field("cid", cid), mlog.Field("panic", fmt.Sprintf("%v", r)))
			conn.Close()
		}
	}()

	if s.config.ProxyProtocol {
		wrapped, err := readProxyHeader(conn)
		if err != nil {
			s.log.Infox("proxy protocol header", err, mlog.Field("cid", cid))
			metrics.Connection.WithLabelValues("error").Inc()
			conn.Close()
			return
		}
		conn = wrapped
	}

	if s.config.ConnectLimiter != nil {
		if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			if !s.config.ConnectLimiter.Allow(tcpAddr.IP, time.Now()) {
				s.log.Info("refusing connection, rate limited", mlog.Field("cid", cid), mlog.Field("remote", tcpAddr.IP.String()))
				metrics.Connection.WithLabelValues("rejected").Inc()
				reply := smtp.Replyf(smtp.C421ServiceUnavail, smtp.SeNet4Other0, "too many connections, try again later")
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				io.WriteString(conn, reply.Render())
				conn.Close()
				return
			}
		}
	}

	var clientHostname string
	if s.config.Resolver != nil {
		if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			status, name, _, err := iprev.Lookup(ctx, s.config.Resolver, tcpAddr.IP)
			if err == nil && status == iprev.StatusPass {
				clientHostname = name
			}
		}
	}

	config := s.config.SMTP // shallow copy: Validator/Enqueue/TLSConfig are shared, fine to share across sessions.
	sc := smtpserver.NewConn(cid, conn, &config)
	sc.ClientHostname = clientHostname
	sc.Serve(ctx)
}

// Shutdown closes every listener so accept loops exit, then waits up to
// Config.ShutdownGrace for in-flight sessions to finish on their own before
// force-closing whatever remains. A zero ShutdownGrace force-closes
// immediately. Serve's ctx should also be canceled by the caller; Shutdown
// does not do that itself since it may be called independently of Serve's
// context.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeListeners()

	var graceExpired <-chan time.Time
	if s.config.ShutdownGrace > 0 {
		t := time.NewTimer(s.config.ShutdownGrace)
		defer t.Stop()
		graceExpired = t.C
	} else {
		immediate := make(chan time.Time, 1)
		immediate <- time.Now()
		graceExpired = immediate
	}

	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for {
		if s.connCount() == 0 {
			return nil
		}
		select {
		case <-poll.C:
		case <-graceExpired:
			s.forceCloseConns()
			return nil
		case <-ctx.Done():
			s.forceCloseConns()
			return ctx.Err()
		}
	}
}

func (s *Server) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) forceCloseConns() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	for _, ln := range s.listeners {
		ln.Close()
	}
}
