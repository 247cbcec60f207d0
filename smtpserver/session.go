package smtpserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-mta/relaylib/internal/metrics"
	"github.com/mjl-mta/relaylib/internal/mlog"
	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/sasl"
	"github.com/mjl-mta/relaylib/smtp"
)

type state int

const (
	stateBanner state = iota
	stateGreeted
	stateMail
	stateRcpt
	stateData
	stateDone
)

// Conn is one SMTP/ESMTP session: the state machine of spec.md §4.2, banner
// through greeted/mail/rcpt/data, with Validator hooks at every transition.
type Conn struct {
	cid    int64
	config *Config
	log    *mlog.Log

	netConn net.Conn
	r       *smtp.Reader
	w       *smtp.Writer
	tlsOn   bool
	tlsInfo message.TLSInfo

	state     state
	ehlo      bool
	helloSeen bool
	hello     string

	authIdentity string

	mailFrom     smtp.Path
	has8BitMIME  bool
	smtputf8     bool
	rcpts        []smtp.Path

	// ClientHostname is set by the caller (edge) after a reverse-DNS lookup,
	// before Serve is called, since the session itself does no DNS I/O.
	ClientHostname string
}

// NewConn wraps an accepted net.Conn as an SMTP session. cid is a
// connection-correlation id, propagated onto every log line.
func NewConn(cid int64, netConn net.Conn, config *Config) *Conn {
	log := mlog.New("smtpserver").WithCid(cid)
	return &Conn{
		cid:     cid,
		config:  config,
		log:     log,
		netConn: netConn,
		r:       smtp.NewReader(bufio.NewReader(netConn)),
		w:       smtp.NewWriter(bufio.NewWriter(netConn)),
	}
}

func (c *Conn) validator() Validator {
	if c.config.Validator == nil {
		return NoopValidator{}
	}
	return c.config.Validator
}

func (c *Conn) meta() message.SessionMeta {
	host, _, _ := net.SplitHostPort(c.netConn.RemoteAddr().String())
	security := message.SecurityNone
	if c.tlsOn {
		security = message.SecurityTLS
	}
	proto := "SMTP"
	if c.ehlo {
		proto = "ESMTP"
	}
	if c.tlsOn {
		proto += "S"
	}
	if c.authIdentity != "" {
		proto += "A"
	}
	return message.SessionMeta{
		ClientIP:       net.ParseIP(host),
		ClientHostname: c.ClientHostname,
		EHLO:           c.hello,
		Security:       security,
		TLS:            c.tlsInfo,
		AuthIdentity:   c.authIdentity,
		Protocol:       proto,
		ReceivedAt:     time.Now(),
	}
}

// Serve runs the session to completion: banner, command loop, until QUIT,
// an I/O error, or ctx is done.
func (c *Conn) Serve(ctx context.Context) {
	defer c.netConn.Close()

	meta := c.meta()
	if reply, ok := c.validator().Connect(ctx, meta); !ok {
		c.writeReply(reply)
		metrics.Connection.WithLabelValues("rejected").Inc()
		return
	}

	banner := smtp.Replyf(smtp.C220ServiceReady, smtp.SeOther00, "%s ESMTP relaylib", c.config.Hostname.Name())
	if err := c.writeReply(banner); err != nil {
		metrics.Connection.WithLabelValues("error").Inc()
		return
	}

	for {
		line, err := c.readLine(ctx)
		if err != nil {
			if errors.Is(err, errTimeout) {
				c.writeReply(smtp.Replyf(smtp.C421ServiceUnavail, smtp.SeNet4BadConn2, "timeout"))
			}
			metrics.Connection.WithLabelValues(resultFor(err)).Inc()
			return
		}
		cmd := smtp.ParseCommand(line)
		if c.dispatch(ctx, cmd) {
			metrics.Connection.WithLabelValues("ok").Inc()
			return
		}
	}
}

func resultFor(err error) string {
	if errors.Is(err, errTimeout) {
		return "timeout"
	}
	if err == io.EOF {
		return "ok"
	}
	return "error"
}

var errTimeout = errors.New("smtpserver: i/o timeout")

func (c *Conn) readLine(ctx context.Context) (string, error) {
	if c.config.CommandTimeout > 0 {
		c.netConn.SetReadDeadline(time.Now().Add(c.config.CommandTimeout))
	}
	line, err := c.r.ReadLine()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", errTimeout
		}
		return "", err
	}
	return line, nil
}

func (c *Conn) writeReply(r smtp.Reply) error {
	if r.IsZero() {
		return nil
	}
	if err := c.w.WriteReply(r); err != nil {
		return err
	}
	return c.w.Flush()
}

// dispatch handles one command line and returns true if the connection
// should be closed after replying.
func (c *Conn) dispatch(ctx context.Context, cmd smtp.Command) bool {
	var reply smtp.Reply
	closeAfter := false

	switch cmd.Verb {
	case "":
		reply = smtp.Replyf(smtp.C500BadSyntax, smtp.SeProto5Syntax2, "empty command")
	case "HELO":
		reply = c.cmdHello(ctx, cmd.Arg, false)
	case "EHLO":
		reply = c.cmdHello(ctx, cmd.Arg, true)
	case "STARTTLS":
		reply = c.cmdStarttls(ctx, cmd.Arg)
	case "AUTH":
		reply = c.cmdAuth(ctx, cmd.Arg)
	case "MAIL":
		reply = c.cmdMail(ctx, cmd.Arg)
	case "RCPT":
		reply = c.cmdRcpt(ctx, cmd.Arg)
	case "DATA":
		reply = c.cmdData(ctx, cmd.Arg)
	case "RSET":
		c.resetTransaction()
		reply = smtp.Replyf(smtp.C250Completed, smtp.SeOther00, "ok")
	case "NOOP":
		reply = smtp.Replyf(smtp.C250Completed, smtp.SeOther00, "ok")
	case "VRFY":
		reply = smtp.Replyf(smtp.C252WithoutVrfy, smtp.SeOther00, "cannot verify")
	case "QUIT":
		reply = smtp.Replyf(smtp.C221Closing, smtp.SeOther00, "bye")
		closeAfter = true
	default:
		reply = smtp.Replyf(smtp.C502CmdNotImpl, smtp.SeProto5BadCmdOrSeq1, "unrecognized command")
	}

	if err := c.writeReply(reply); err != nil {
		return true
	}
	return closeAfter || reply.ClosesConnection()
}

func (c *Conn) xneedHello() (smtp.Reply, bool) {
	if !c.helloSeen {
		return smtp.Replyf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "say hello first"), false
	}
	return smtp.Reply{}, true
}

func (c *Conn) cmdHello(ctx context.Context, arg string, ehlo bool) smtp.Reply {
	arg = strings.TrimSpace(arg)
	if r, ok := c.validator().Helo(ctx, c.meta(), ehlo, arg); !ok {
		return r
	}

	c.resetSession()
	c.ehlo = ehlo
	c.helloSeen = true
	c.hello = arg

	if !ehlo {
		return smtp.Replyf(smtp.C250Completed, smtp.SeOther00, "%s", c.config.Hostname.Name())
	}

	lines := []string{c.config.Hostname.Name(), "PIPELINING", fmt.Sprintf("SIZE %d", c.config.maxMessageSize())}
	if !c.tlsOn && c.config.TLSConfig != nil {
		lines = append(lines, "STARTTLS")
	}
	if c.config.Submission {
		if c.config.CredentialLookup != nil {
			lines = append(lines, "AUTH SCRAM-SHA-256 CRAM-MD5 LOGIN PLAIN")
		}
	}
	lines = append(lines, "ENHANCEDSTATUSCODES", "8BITMIME", "SMTPUTF8")
	return smtp.ReplyLines(smtp.C250Completed, "", lines...)
}

func (c *Conn) cmdStarttls(ctx context.Context, arg string) smtp.Reply {
	if r, ok := c.xneedHello(); !ok {
		return r
	}
	if strings.TrimSpace(arg) != "" {
		return smtp.Replyf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "no parameters allowed")
	}
	if c.tlsOn {
		return smtp.Replyf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already speaking tls")
	}
	if c.config.TLSConfig == nil {
		return smtp.Replyf(smtp.C502CmdNotImpl, smtp.SeProto5BadCmdOrSeq1, "starttls not supported")
	}

	if err := c.writeReply(smtp.Replyf(smtp.C220ServiceReady, smtp.SeOther00, "go ahead")); err != nil {
		return smtp.Reply{}
	}

	underlying := c.netConn
	if n := c.r.Buffered(); n > 0 {
		buffered, _ := c.r.Peek(n)
		underlying = &prefixConn{prefix: append([]byte(nil), buffered...), Conn: c.netConn}
	}

	hctx := ctx
	var cancel context.CancelFunc
	hctx, cancel = context.WithTimeout(ctx, time.Minute)
	defer cancel()

	tlsConn := tls.Server(underlying, c.config.TLSConfig)
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		c.log.Infox("starttls handshake failed", err)
		return smtp.Reply{} // connection will be closed by caller on write error next round
	}
	cs := tlsConn.ConnectionState()
	c.tlsInfo = message.TLSInfo{Version: tlsVersionName(cs.Version), CipherSuite: tls.CipherSuiteName(cs.CipherSuite)}
	c.netConn = tlsConn
	c.tlsOn = true
	c.r = smtp.NewReader(bufio.NewReader(tlsConn))
	c.w = smtp.NewWriter(bufio.NewWriter(tlsConn))
	c.resetSession()
	return smtp.Reply{}
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "1.0"
	case tls.VersionTLS11:
		return "1.1"
	case tls.VersionTLS12:
		return "1.2"
	case tls.VersionTLS13:
		return "1.3"
	}
	return "unknown"
}

// prefixConn replays prefix before reading from the underlying connection,
// used to hand a STARTTLS handshake any plaintext bytes the client already
// pipelined past the STARTTLS command.
type prefixConn struct {
	prefix []byte
	net.Conn
}

func (p *prefixConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

func (c *Conn) cmdAuth(ctx context.Context, arg string) smtp.Reply {
	if r, ok := c.xneedHello(); !ok {
		return r
	}
	if !c.config.Submission {
		return smtp.Replyf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "authentication only allowed on submission")
	}
	if c.config.CredentialLookup == nil {
		return smtp.Replyf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "authentication not configured")
	}
	if c.authIdentity != "" {
		return smtp.Replyf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already authenticated")
	}

	fields := strings.SplitN(strings.TrimSpace(arg), " ", 2)
	mech := strings.ToUpper(fields[0])
	var initial []byte
	if len(fields) == 2 && fields[1] != "*" {
		decoded, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			return smtp.Replyf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "invalid base64 initial response")
		}
		initial = decoded
	}

	cleartext := mech == "PLAIN" || mech == "LOGIN"
	if cleartext && !c.tlsOn && !c.config.AllowPlaintextAuth {
		return smtp.Replyf(smtp.C538EncReqForAuth, smtp.SePol7EncReqForAuth11, "must use starttls before plaintext auth mechanism")
	}

	var srv sasl.Server
	var cs *tls.ConnectionState
	if tc, ok := c.netConn.(*tls.Conn); ok {
		state := tc.ConnectionState()
		cs = &state
	}
	switch mech {
	case "PLAIN":
		srv = sasl.NewServerPlain(ctx, c.config.CredentialLookup)
	case "LOGIN":
		srv = sasl.NewServerLogin(ctx, c.config.CredentialLookup)
	case "CRAM-MD5":
		srv = sasl.NewServerCRAMMD5(ctx, c.config.CredentialLookup, c.config.Hostname.Name())
	case "SCRAM-SHA-256":
		srv = sasl.NewServerSCRAMSHA256(ctx, c.config.CredentialLookup, cs)
	default:
		return smtp.Replyf(smtp.C504ParamNotImpl, smtp.SePol7AuthWeakMech9, "unsupported mechanism")
	}

	response := initial
	for {
		challenge, done, username, err := srv.Next(response)
		if done {
			if err != nil {
				return smtp.Replyf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "authentication failed")
			}
			if len(challenge) > 0 {
				if werr := c.writeReply(smtp.Replyf(smtp.C334ContinueAuth, "", "%s", base64.StdEncoding.EncodeToString(challenge))); werr != nil {
					return smtp.Reply{}
				}
				line, rerr := c.readLine(ctx)
				if rerr != nil {
					return smtp.Reply{}
				}
				_ = line // server-final for SCRAM carries no further client response expected
			}
			c.authIdentity = username
			return smtp.Replyf(smtp.C235AuthSuccess, smtp.SeOther00, "authenticated")
		}
		if err != nil {
			return smtp.Replyf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "authentication failed")
		}
		if werr := c.writeReply(smtp.Replyf(smtp.C334ContinueAuth, "", "%s", base64.StdEncoding.EncodeToString(challenge))); werr != nil {
			return smtp.Reply{}
		}
		line, rerr := c.readLine(ctx)
		if rerr != nil {
			return smtp.Reply{}
		}
		if line == "*" {
			return smtp.Replyf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "authentication cancelled")
		}
		decoded, derr := base64.StdEncoding.DecodeString(line)
		if derr != nil {
			return smtp.Replyf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "invalid base64")
		}
		response = decoded
	}
}

func (c *Conn) cmdMail(ctx context.Context, arg string) smtp.Reply {
	if r, ok := c.xneedHello(); !ok {
		return r
	}
	if c.state >= stateMail {
		return smtp.Replyf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "nested MAIL")
	}
	rawPath, params, err := smtp.ParsePathParam("FROM:", arg)
	if err != nil {
		return smtp.Replyf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "malformed MAIL FROM: %v", err)
	}
	path, err := smtp.ParsePath(rawPath)
	if err != nil {
		return smtp.Replyf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "malformed MAIL FROM address: %v", err)
	}

	has8Bit := false
	smtputf8 := false
	if size, ok := smtp.ParamValue(params, "SIZE"); ok {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return smtp.Replyf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "invalid SIZE parameter")
		}
		if max := c.config.maxMessageSize(); max > 0 && n > max {
			return smtp.Replyf(smtp.C552MessageSize, smtp.SeMsg6Other0, "message too large")
		}
	}
	if body, ok := smtp.ParamValue(params, "BODY"); ok {
		switch strings.ToUpper(body) {
		case "8BITMIME":
			has8Bit = true
		case "7BIT":
		default:
			return smtp.Replyf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "invalid BODY parameter")
		}
	}
	if _, ok := smtp.ParamValue(params, "SMTPUTF8"); ok {
		smtputf8 = true
	}

	if r, ok := c.validator().Mail(ctx, c.meta(), path); !ok {
		return r
	}

	c.mailFrom = path
	c.has8BitMIME = has8Bit
	c.smtputf8 = smtputf8
	c.rcpts = nil
	c.state = stateMail
	return smtp.Replyf(smtp.C250Completed, smtp.SeOther00, "ok")
}

func (c *Conn) cmdRcpt(ctx context.Context, arg string) smtp.Reply {
	if r, ok := c.xneedHello(); !ok {
		return r
	}
	if c.state < stateMail {
		return smtp.Replyf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "MAIL needed first")
	}
	rawPath, _, err := smtp.ParsePathParam("TO:", arg)
	if err != nil {
		return smtp.Replyf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "malformed RCPT TO: %v", err)
	}
	path, err := smtp.ParsePath(rawPath)
	if err != nil || path.IsZero() {
		return smtp.Replyf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "malformed RCPT TO address")
	}
	if r, ok := c.validator().Rcpt(ctx, c.meta(), c.mailFrom, path); !ok {
		return r
	}
	c.rcpts = append(c.rcpts, path)
	c.state = stateRcpt
	return smtp.Replyf(smtp.C250Completed, smtp.SeAddr1DestValid5, "ok")
}

func (c *Conn) cmdData(ctx context.Context, arg string) smtp.Reply {
	if r, ok := c.xneedHello(); !ok {
		return r
	}
	if c.state < stateRcpt || len(c.rcpts) == 0 {
		return smtp.Replyf(smtp.C554NoValidRcpts, smtp.SeProto5BadCmdOrSeq1, "no valid recipients")
	}
	if r, ok := c.validator().Data(ctx, c.meta(), c.mailFrom, c.rcpts); !ok {
		return r
	}

	if err := c.writeReply(smtp.Replyf(smtp.C354Continue, "", "go ahead")); err != nil {
		return smtp.Reply{}
	}

	if c.config.DataTimeout > 0 {
		c.netConn.SetReadDeadline(time.Now().Add(c.config.DataTimeout))
	}
	max := c.config.maxMessageSize()
	dr := smtp.NewDataReader(c.r.BufioReader())
	limited := io.LimitReader(dr, max+1)
	body, err := io.ReadAll(limited)
	if c.config.DataTimeout > 0 {
		c.netConn.SetReadDeadline(time.Time{})
	}
	if err != nil {
		return smtp.Replyf(smtp.C451LocalErr, smtp.SeSys3Other0, "error reading message: %v", err)
	}
	if int64(len(body)) > max {
		io.Copy(io.Discard, dr) // drain until terminator
		return smtp.Replyf(smtp.C552MessageSize, smtp.SeMsg6Other0, "message exceeds maximum size")
	}

	headers, bodyOnly, perr := message.Parse(body)
	if perr != nil {
		return smtp.Replyf(smtp.C500BadSyntax, smtp.SeProto5Syntax2, "malformed message: %v", perr)
	}

	env := &message.Envelope{
		Sender:     c.mailFrom,
		Recipients: append([]smtp.Path(nil), c.rcpts...),
		Headers:    headers,
		Body:       bodyOnly,
		Meta:       c.meta(),
	}

	if r, ok := c.validator().HaveData(ctx, env); !ok {
		c.resetTransaction()
		return r
	}

	var queuedID string
	var queueErr error
	if c.config.Enqueue != nil {
		queuedID, queueErr = c.config.Enqueue(ctx, env)
		env.QueuedID = queuedID
	} else {
		queueErr = errNoEnqueue
	}

	reply := c.validator().HandleQueued(ctx, env, queuedID, queueErr)
	c.resetTransaction()
	return reply
}

var errNoEnqueue = errors.New("smtpserver: no Enqueue configured")

func (c *Conn) resetTransaction() {
	c.mailFrom = smtp.Path{}
	c.has8BitMIME = false
	c.smtputf8 = false
	c.rcpts = nil
	if c.state > stateGreeted {
		c.state = stateGreeted
	}
}

func (c *Conn) resetSession() {
	c.resetTransaction()
	c.authIdentity = ""
	if c.helloSeen {
		c.state = stateGreeted
	} else {
		c.state = stateBanner
	}
}
