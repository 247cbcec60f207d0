package smtpserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mjl-mta/relaylib/dns"
	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/smtp"
)

// testClient drives one half of a net.Pipe as an SMTP client: write a
// command line, read back a (possibly multiline) reply.
type testClient struct {
	t  *testing.T
	br *bufio.Reader
	bw *bufio.Writer
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	return &testClient{t: t, br: bufio.NewReader(conn), bw: bufio.NewWriter(conn)}
}

func (c *testClient) send(line string) {
	t := c.t
	t.Helper()
	if _, err := c.bw.WriteString(line + "\r\n"); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
	if err := c.bw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

// readReply reads one full (possibly multiline) reply and returns its lines.
func (c *testClient) readReply() []string {
	t := c.t
	t.Helper()
	var lines []string
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if len(line) >= 4 && line[3] == ' ' {
			return lines
		}
	}
}

func (c *testClient) code() int {
	t := c.t
	t.Helper()
	lines := c.readReply()
	var code int
	if _, err := fmt.Sscanf(lines[0], "%d", &code); err != nil {
		t.Fatalf("parse code from %q: %v", lines[0], err)
	}
	return code
}

func testConfig() *Config {
	host, _ := dns.ParseDomain("mx.example.com")
	return &Config{
		Hostname:       host,
		MaxMessageSize: 1024,
		CommandTimeout: 5 * time.Second,
		DataTimeout:    5 * time.Second,
	}
}

func runSession(t *testing.T, config *Config) (*testClient, func()) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	conn := NewConn(1, serverConn, config)
	done := make(chan struct{})
	go func() {
		conn.Serve(context.Background())
		close(done)
	}()
	tc := newTestClient(t, clientConn)
	return tc, func() {
		clientConn.Close()
		<-done
	}
}

func TestBannerAndEhlo(t *testing.T) {
	tc, cleanup := runSession(t, testConfig())
	defer cleanup()

	if code := tc.code(); code != 220 {
		t.Fatalf("banner code = %d, want 220", code)
	}
	tc.send("EHLO client.example.com")
	lines := tc.readReply()
	if len(lines) < 2 {
		t.Fatalf("expected multiline EHLO response, got %v", lines)
	}
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"PIPELINING", "SIZE 1024", "ENHANCEDSTATUSCODES", "8BITMIME", "SMTPUTF8"} {
		if !strings.Contains(joined, want) {
			t.Errorf("EHLO response missing %q: %v", want, lines)
		}
	}
	if strings.Contains(joined, "AUTH") {
		t.Errorf("AUTH should not be advertised without Submission: %v", lines)
	}

	tc.send("QUIT")
	if code := tc.code(); code != 221 {
		t.Fatalf("QUIT code = %d, want 221", code)
	}
}

func TestRcptBeforeMailRejected(t *testing.T) {
	tc, cleanup := runSession(t, testConfig())
	defer cleanup()

	tc.code() // banner
	tc.send("EHLO client.example.com")
	tc.readReply()

	tc.send("RCPT TO:<a@example.com>")
	if code := tc.code(); code != 503 {
		t.Fatalf("RCPT before MAIL code = %d, want 503", code)
	}
}

func TestDataWithoutRecipientsRejected(t *testing.T) {
	tc, cleanup := runSession(t, testConfig())
	defer cleanup()

	tc.code()
	tc.send("EHLO client.example.com")
	tc.readReply()

	tc.send("MAIL FROM:<a@example.com>")
	if code := tc.code(); code != 250 {
		t.Fatalf("MAIL code = %d, want 250", code)
	}
	tc.send("DATA")
	if code := tc.code(); code != 554 {
		t.Fatalf("DATA without RCPT code = %d, want 554", code)
	}
}

func TestOneBadRcptStillAllowsData(t *testing.T) {
	config := testConfig()
	config.Validator = rejectRecipientValidator{reject: "bad@example.com"}
	config.Enqueue = func(ctx context.Context, env *message.Envelope) (string, error) {
		return "q1", nil
	}
	tc, cleanup := runSession(t, config)
	defer cleanup()

	tc.code()
	tc.send("EHLO client.example.com")
	tc.readReply()

	tc.send("MAIL FROM:<a@example.com>")
	if code := tc.code(); code != 250 {
		t.Fatalf("MAIL code = %d, want 250", code)
	}
	tc.send("RCPT TO:<good@example.com>")
	if code := tc.code(); code != 250 {
		t.Fatalf("first RCPT code = %d, want 250", code)
	}
	tc.send("RCPT TO:<bad@example.com>")
	if code := tc.code(); code != 550 {
		t.Fatalf("second RCPT code = %d, want 550", code)
	}
	tc.send("DATA")
	if code := tc.code(); code != 354 {
		t.Fatalf("DATA code = %d, want 354 (one good recipient should still allow DATA)", code)
	}
	tc.send(".")
	if code := tc.code(); code != 250 {
		t.Fatalf("end-of-data code = %d, want 250", code)
	}
}

func TestMessageTooLarge(t *testing.T) {
	config := testConfig()
	config.MaxMessageSize = 32
	tc, cleanup := runSession(t, config)
	defer cleanup()

	tc.code()
	tc.send("EHLO client.example.com")
	tc.readReply()
	tc.send("MAIL FROM:<a@example.com>")
	tc.code()
	tc.send("RCPT TO:<b@example.com>")
	tc.code()
	tc.send("DATA")
	if code := tc.code(); code != 354 {
		t.Fatalf("DATA code = %d, want 354", code)
	}
	tc.send("Subject: this body is definitely longer than 32 bytes of limit")
	tc.send(".")
	if code := tc.code(); code != 552 {
		t.Fatalf("oversized message code = %d, want 552", code)
	}
}

func TestStarttlsRefusedWithoutTLSConfig(t *testing.T) {
	config := testConfig()
	config.TLSConfig = nil // no TLSConfig configured: STARTTLS must be refused outright
	tc, cleanup := runSession(t, config)
	defer cleanup()

	tc.code()
	tc.send("EHLO client.example.com")
	tc.readReply()
	tc.send("STARTTLS")
	if code := tc.code(); code != 502 {
		t.Fatalf("STARTTLS without TLSConfig code = %d, want 502", code)
	}
}

func TestAuthRequiresSubmission(t *testing.T) {
	config := testConfig()
	tc, cleanup := runSession(t, config)
	defer cleanup()

	tc.code()
	tc.send("EHLO client.example.com")
	tc.readReply()
	tc.send("AUTH PLAIN")
	if code := tc.code(); code != 503 {
		t.Fatalf("AUTH on non-submission code = %d, want 503", code)
	}
}

func TestAuthPlaintextRefusedWithoutTLS(t *testing.T) {
	config := testConfig()
	config.Submission = true
	config.CredentialLookup = memLookup{}
	tc, cleanup := runSession(t, config)
	defer cleanup()

	tc.code()
	tc.send("EHLO client.example.com")
	lines := tc.readReply()
	if !strings.Contains(strings.Join(lines, "\n"), "AUTH") {
		t.Fatalf("expected AUTH to be advertised: %v", lines)
	}
	tc.send("AUTH PLAIN")
	if code := tc.code(); code != 538 {
		t.Fatalf("AUTH PLAIN without TLS code = %d, want 538", code)
	}
}

func TestMalformedCommand(t *testing.T) {
	tc, cleanup := runSession(t, testConfig())
	defer cleanup()

	tc.code()
	tc.send("BOGUS")
	if code := tc.code(); code != 502 {
		t.Fatalf("unrecognized command code = %d, want 502", code)
	}
}

func TestNestedMailRejectedUntilRset(t *testing.T) {
	tc, cleanup := runSession(t, testConfig())
	defer cleanup()

	tc.code()
	tc.send("EHLO client.example.com")
	tc.readReply()
	tc.send("MAIL FROM:<a@example.com>")
	tc.code()
	tc.send("MAIL FROM:<b@example.com>")
	if code := tc.code(); code != 503 {
		t.Fatalf("nested MAIL code = %d, want 503", code)
	}
	tc.send("RSET")
	if code := tc.code(); code != 250 {
		t.Fatalf("RSET code = %d, want 250", code)
	}
	tc.send("MAIL FROM:<b@example.com>")
	if code := tc.code(); code != 250 {
		t.Fatalf("MAIL after RSET code = %d, want 250", code)
	}
}

// rejectRecipientValidator rejects a single configured recipient address with
// 550, accepting everything else; used to exercise the "one bad RCPT among
// several" case.
type rejectRecipientValidator struct {
	NoopValidator
	reject string
}

func (v rejectRecipientValidator) Rcpt(ctx context.Context, meta message.SessionMeta, from, to smtp.Path) (smtp.Reply, bool) {
	if to.String() == v.reject {
		return smtp.Replyf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "no such recipient"), false
	}
	return smtp.Reply{}, true
}

// memLookup is a trivial in-memory CredentialLookup for AUTH tests.
type memLookup struct{}

func (memLookup) Password(ctx context.Context, username string) (string, bool, error) {
	return "", false, nil
}

func (memLookup) SCRAMSHA256(ctx context.Context, username string) ([]byte, []byte, int, bool, error) {
	return nil, nil, 0, false, nil
}
