// Package smtpclient is the client half of the SMTP/ESMTP session state
// machine (spec.md §4.3): EHLO with HELO fallback, opportunistic or required
// STARTTLS, AUTH mechanism negotiation, and pipelined MAIL/RCPT/DATA
// delivery. Every blocking call takes a context.Context; protocol and i/o
// failures are returned as errors, never panicked, per the redesign note in
// spec.md §9.
package smtpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-mta/relaylib/dns"
	"github.com/mjl-mta/relaylib/internal/mlog"
	"github.com/mjl-mta/relaylib/sasl"
	"github.com/mjl-mta/relaylib/smtp"
)

// TLSMode indicates if and how TLS must be used for a session.
type TLSMode string

const (
	TLSImmediate        TLSMode = "immediate"        // TLS directly on the TCP connection, no STARTTLS.
	TLSRequiredStartTLS TLSMode = "requiredstarttls"  // STARTTLS is always attempted and must succeed.
	TLSOpportunistic    TLSMode = "opportunistic"     // STARTTLS is attempted if remote claims support.
	TLSSkip             TLSMode = "skip"              // No TLS is attempted.
)

// Timeouts groups the distinct timeout categories a session applies,
// matching the teacher's per-operation deadlines (30s command read/write,
// 1 minute TLS handshake) rather than one blanket timeout.
type Timeouts struct {
	Command time.Duration // Bounds a single command round trip (EHLO, MAIL, RCPT, AUTH step).
	Data    time.Duration // Bounds writing the message data; the final response read uses Command.
	TLS     time.Duration // Bounds the STARTTLS/immediate-TLS handshake.
	Overall time.Duration // If non-zero, a ctx deadline for the TLS handshakes in New; other reads and writes use Command and Data only.
}

func (t Timeouts) command() time.Duration {
	if t.Command <= 0 {
		return 30 * time.Second
	}
	return t.Command
}

func (t Timeouts) data() time.Duration {
	if t.Data <= 0 {
		return 3 * time.Minute
	}
	return t.Data
}

func (t Timeouts) tls() time.Duration {
	if t.TLS <= 0 {
		return time.Minute
	}
	return t.TLS
}

// Opts configures a Client beyond the required New parameters.
type Opts struct {
	// Auth, if set, picks a SASL client for the mechanisms the remote
	// advertises; returning a nil Client and nil error skips authentication.
	Auth func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error)

	// TLSConfig is used for STARTTLS/immediate TLS connections. Callers
	// needing PKIX or DANE verification build it themselves (e.g. relay);
	// smtpclient does no certificate inspection of its own.
	TLSConfig *tls.Config

	Timeouts Timeouts
}

// Client is an SMTP client session, after a successful New, ready for
// Deliver/DeliverMultiple calls.
type Client struct {
	origConn      net.Conn // Closed on Close/Reset failure; conn may be a TLS wrapper around it.
	conn          net.Conn
	r             *bufio.Reader
	w             *bufio.Writer
	log           *mlog.Log
	overallCancel context.CancelFunc // Cancels the Overall-timeout context derived in New, if any.

	timeouts       Timeouts
	remoteHostname dns.Domain
	tlsConfig      *tls.Config

	tlsOn    bool
	botched  bool
	needRset bool

	remoteHelo        string
	extEcodes         bool
	extStartTLS       bool
	ext8bitmime       bool
	extSize           bool
	maxSize           int64
	extPipelining     bool
	extSMTPUTF8       bool
	extAuthMechanisms []string
}

// New dials the EHLO/HELO handshake (and STARTTLS/immediate TLS, and AUTH if
// opts.Auth is set) over an already-connected conn, returning a ready Client.
// On error, the caller remains responsible for closing conn.
func New(ctx context.Context, conn net.Conn, tlsMode TLSMode, ehloHostname, remoteHostname dns.Domain, opts Opts) (*Client, error) {
	c := &Client{
		origConn:       conn,
		timeouts:       opts.Timeouts,
		remoteHostname: remoteHostname,
		tlsConfig:      opts.TLSConfig,
		log:            mlog.New("smtpclient"),
	}
	if opts.Timeouts.Overall > 0 {
		ctx, c.overallCancel = context.WithTimeout(ctx, opts.Timeouts.Overall)
	}

	if tlsMode == TLSImmediate {
		if err := c.startTLS(ctx, conn); err != nil {
			return nil, err
		}
	} else {
		c.conn = conn
		c.r = bufio.NewReader(conn)
		c.w = bufio.NewWriter(conn)
	}

	if err := c.hello(ctx, tlsMode, ehloHostname, opts.Auth); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) startTLS(ctx context.Context, underlying net.Conn) error {
	config := c.tlsConfig
	if config == nil {
		config = &tls.Config{ServerName: c.remoteHostname.ASCII, MinVersion: tls.VersionTLS12}
	}
	tctx, cancel := context.WithTimeout(ctx, c.timeouts.tls())
	defer cancel()
	tlsConn := tls.Client(underlying, config)
	if err := tlsConn.HandshakeContext(tctx); err != nil {
		return Error{Err: fmt.Errorf("%w: tls handshake: %v", ErrTLS, err)}
	}
	c.conn = tlsConn
	c.tlsOn = true
	c.r = bufio.NewReader(tlsConn)
	c.w = bufio.NewWriter(tlsConn)
	return nil
}

func (c *Client) errf(permanent bool, cmd string, code int, secode, line string, moreLines []string, format string, args ...any) error {
	return Error{Permanent: permanent, Code: code, Secode: secode, Command: cmd, Line: line, MoreLines: moreLines, Err: fmt.Errorf(format, args...)}
}

func (c *Client) botchf(cmd string, format string, args ...any) error {
	c.botched = true
	return c.errf(false, cmd, 0, "", "", nil, format, args...)
}

func (c *Client) writeline(line string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.command())); err != nil {
		c.log.Infox("setting write deadline", err)
	}
	if _, err := fmt.Fprintf(c.w, "%s\r\n", line); err != nil {
		return c.botchf("", "write: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return c.botchf("", "flush: %w", err)
	}
	return nil
}

func (c *Client) readline() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeouts.command())); err != nil {
		c.log.Infox("setting read deadline", err)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", c.botchf("", "reading response: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readReply reads one possibly-multiline response, honoring enhanced status
// codes once the remote has advertised ENHANCEDSTATUSCODES.
func (c *Client) readReply(cmd string) (code int, secode, lastText, firstLine string, moreLines, moreTexts []string, rerr error) {
	first := true
	for {
		line, err := c.readline()
		if err != nil {
			rerr = err
			return
		}
		co, sec, text, last, perr := parseReplyLine(line, c.extEcodes)
		if perr != nil {
			rerr = c.botchf(cmd, "%w: %v", ErrProtocol, perr)
			return
		}
		if first {
			firstLine = line
			first = false
		} else {
			moreLines = append(moreLines, line)
			if text != "" {
				moreTexts = append(moreTexts, text)
			}
		}
		if code != 0 && co != code {
			rerr = c.botchf(cmd, "%w: multiline response with different codes, previous %d, last %d", ErrProtocol, code, co)
			return
		}
		code = co
		if last {
			return co, sec, text, firstLine, moreLines, moreTexts, nil
		}
	}
}

func parseReplyLine(line string, ecodes bool) (code int, secode, text string, last bool, err error) {
	i := 0
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
	}
	if i != 3 {
		return 0, "", "", false, fmt.Errorf("expected response code: %s", line)
	}
	v, perr := strconv.Atoi(line[:i])
	if perr != nil {
		return 0, "", "", false, fmt.Errorf("bad response code: %s", line)
	}
	code = v
	major := code / 100
	s := line[3:]
	switch {
	case strings.HasPrefix(s, "-"):
		s = s[1:]
	case strings.HasPrefix(s, " "):
		last = true
		s = s[1:]
	case s == "":
		last = true
	default:
		return 0, "", "", false, fmt.Errorf("expected space or dash after response code: %s", line)
	}
	if ecodes {
		secode, s = parseEcode(major, s)
	}
	return code, secode, s, last, nil
}

func parseEcode(major int, s string) (secode, remain string) {
	if len(s) == 0 || int(s[0])-int('0') != major {
		return "", s
	}
	o := 0
	digit := func() bool {
		if o < len(s) && s[o] >= '0' && s[o] <= '9' {
			o++
			return true
		}
		return false
	}
	if !digit() || o >= len(s) || s[o] != '.' {
		return "", s
	}
	o++
	start := o
	for digit() {
	}
	if start == o || o >= len(s) || s[o] != '.' {
		return "", s
	}
	o++
	for digit() {
	}
	secode = s[2:o]
	rest := s[o:]
	rest = strings.TrimPrefix(rest, " ")
	return secode, rest
}

func (c *Client) hello(ctx context.Context, tlsMode TLSMode, ehloHostname dns.Domain, auth func([]string, *tls.ConnectionState) (sasl.Client, error)) error {
	code, _, _, firstLine, moreLines, _, err := c.readReply("(greeting)")
	if err != nil {
		return err
	}
	if code != smtp.C220ServiceReady {
		return c.errf(code/100 == 5, "(greeting)", code, "", firstLine, moreLines, "%w: expected 220, got %d", ErrStatus, code)
	}
	_, c.remoteHelo, _ = strings.Cut(firstLine, " ")

	if err := c.ehlo(ehloHostname, true); err != nil {
		return err
	}

	if c.extStartTLS && tlsMode == TLSOpportunistic || tlsMode == TLSRequiredStartTLS {
		if err := c.writeline("STARTTLS"); err != nil {
			return err
		}
		code, secode, _, firstLine, moreLines, _, err := c.readReply("starttls")
		if err != nil {
			return err
		}
		if code != smtp.C220ServiceReady {
			return c.errf(code/100 == 5, "starttls", code, secode, firstLine, moreLines, "%w: STARTTLS got %d, expected 220", ErrTLS, code)
		}
		if err := c.startTLS(ctx, c.conn); err != nil {
			return err
		}
		if err := c.ehlo(ehloHostname, false); err != nil {
			return err
		}
	}

	if auth != nil {
		return c.auth(auth)
	}
	return nil
}

func (c *Client) ehlo(ehloHostname dns.Domain, heloOK bool) error {
	if err := c.writeline(fmt.Sprintf("EHLO %s", ehloHostname.ASCII)); err != nil {
		return err
	}
	code, _, _, firstLine, moreLines, moreTexts, err := c.readReply("ehlo")
	if err != nil {
		return err
	}
	switch code {
	case smtp.C500BadSyntax, smtp.C501BadParamSyntax, smtp.C502CmdNotImpl, smtp.C503BadCmdSeq, smtp.C504ParamNotImpl:
		if !heloOK {
			return c.errf(true, "ehlo", code, "", firstLine, moreLines, "%w: remote claims ehlo is not supported", ErrProtocol)
		}
		if err := c.writeline(fmt.Sprintf("HELO %s", ehloHostname.ASCII)); err != nil {
			return err
		}
		code, _, _, firstLine, moreLines, _, err = c.readReply("helo")
		if err != nil {
			return err
		}
		if code != smtp.C250Completed {
			return c.errf(code/100 == 5, "helo", code, "", firstLine, moreLines, "%w: expected 250 to HELO, got %d", ErrStatus, code)
		}
		return nil
	case smtp.C250Completed:
	default:
		return c.errf(code/100 == 5, "ehlo", code, "", firstLine, moreLines, "%w: expected 250, got %d", ErrStatus, code)
	}

	for _, s := range moreTexts {
		s = strings.ToUpper(strings.TrimSpace(s))
		switch {
		case s == "STARTTLS":
			c.extStartTLS = true
		case s == "ENHANCEDSTATUSCODES":
			c.extEcodes = true
		case s == "8BITMIME":
			c.ext8bitmime = true
		case s == "PIPELINING":
			c.extPipelining = true
		case s == "SMTPUTF8" || strings.HasPrefix(s, "SMTPUTF8 "):
			c.extSMTPUTF8 = true
		case strings.HasPrefix(s, "SIZE "):
			c.extSize = true
			if v, err := strconv.ParseInt(s[len("SIZE "):], 10, 64); err == nil {
				c.maxSize = v
			}
		case strings.HasPrefix(s, "AUTH "):
			c.extAuthMechanisms = strings.Split(s[len("AUTH "):], " ")
		}
	}
	return nil
}

func (c *Client) auth(auth func([]string, *tls.ConnectionState) (sasl.Client, error)) error {
	mechanisms := make([]string, len(c.extAuthMechanisms))
	for i, m := range c.extAuthMechanisms {
		mechanisms[i] = strings.ToUpper(m)
	}
	a, err := auth(mechanisms, c.TLSConnectionState())
	if err != nil {
		return c.errf(true, "auth", 0, "", "", nil, "get authentication mechanism: %w", err)
	}
	if a == nil {
		return c.errf(true, "auth", 0, "", "", nil, "no matching authentication mechanisms, server supports %s", strings.Join(c.extAuthMechanisms, ", "))
	}
	name, _ := a.Info()

	abort := func() error {
		if werr := c.writeline("*"); werr != nil {
			return werr
		}
		code, secode, _, firstLine, moreLines, _, rerr := c.readReply("auth")
		if rerr != nil {
			return rerr
		}
		if code != smtp.C501BadParamSyntax {
			c.botched = true
		}
		return c.errf(false, "auth", code, secode, firstLine, moreLines, "authentication aborted")
	}

	toserver, last, err := a.Next(nil)
	if err != nil {
		return c.errf(false, "auth", 0, "", "", nil, "initial step in auth mechanism %s: %w", name, err)
	}
	var line string
	switch {
	case toserver == nil:
		line = "AUTH " + name
	case len(toserver) == 0:
		line = "AUTH " + name + " ="
	default:
		line = "AUTH " + name + " " + base64.StdEncoding.EncodeToString(toserver)
	}
	if err := c.writeline(line); err != nil {
		return err
	}

	for {
		code, secode, lastText, firstLine, moreLines, _, err := c.readReply("auth")
		if err != nil {
			return err
		}
		switch code {
		case smtp.C235AuthSuccess:
			if !last {
				return c.errf(false, "auth", code, secode, firstLine, moreLines, "server completed authentication earlier than client expected")
			}
			return nil
		case smtp.C334ContinueAuth:
			if last {
				return c.errf(false, "auth", code, secode, firstLine, moreLines, "server requested unexpected continuation of authentication")
			}
			if len(moreLines) > 0 {
				abort()
				return c.errf(false, "auth", code, secode, firstLine, moreLines, "server responded with multiline continuation")
			}
			fromserver, derr := base64.StdEncoding.DecodeString(lastText)
			if derr != nil {
				abort()
				return c.errf(false, "auth", code, secode, firstLine, moreLines, "malformed base64 in authentication continuation")
			}
			toserver, last, err = a.Next(fromserver)
			if err != nil {
				if aerr := abort(); aerr != nil {
					return aerr
				}
				return c.errf(false, "auth", code, secode, firstLine, moreLines, "client aborted authentication: %w", err)
			}
			if err := c.writeline(base64.StdEncoding.EncodeToString(toserver)); err != nil {
				return err
			}
		default:
			return c.errf(code/100 == 5, "auth", code, secode, firstLine, moreLines, "unexpected response during authentication, expected 334 or 235")
		}
	}
}

// Supports8BITMIME reports whether the remote advertised 8BITMIME.
func (c *Client) Supports8BITMIME() bool { return c.ext8bitmime }

// SupportsSMTPUTF8 reports whether the remote advertised SMTPUTF8.
func (c *Client) SupportsSMTPUTF8() bool { return c.extSMTPUTF8 }

// SupportsStartTLS reports whether the remote advertised STARTTLS.
func (c *Client) SupportsStartTLS() bool { return c.extStartTLS }

// TLSConnectionState returns TLS details if the connection is TLS-protected.
func (c *Client) TLSConnectionState() *tls.ConnectionState {
	if tc, ok := c.conn.(*tls.Conn); ok {
		cs := tc.ConnectionState()
		return &cs
	}
	return nil
}

// Botched reports whether the connection is in an unknown protocol state and
// must not be reused for delivery.
func (c *Client) Botched() bool { return c.botched || c.origConn == nil }
