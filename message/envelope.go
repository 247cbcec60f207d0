// Package message holds the Envelope data model (spec.md §3): the immutable
// sender/recipients/headers/body record that flows from an edge, through the
// queue, to a relay.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mjl-mta/relaylib/smtp"
)

// Header is one (name, value) header field. Order and duplicates are
// significant (spec.md §3): a Received: chain relies on insertion order, and
// some fields (e.g. Received itself) legitimately repeat.
type Header struct {
	Name  string
	Value string
}

// Security levels for a received session, see spec.md §3.
const (
	SecurityNone = "none"
	SecurityTLS  = "tls"
)

// TLSInfo is a compact summary of a TLS connection, for Received: headers and
// diagnostics.
type TLSInfo struct {
	Version     string
	CipherSuite string
}

// SessionMeta is the received-session metadata spec.md §3 attaches to every
// envelope: who connected, how, and as whom.
type SessionMeta struct {
	ClientIP        net.IP
	ClientHostname  string // reverse-DNS name, if any and if it forward-confirmed
	EHLO            string
	Security        string // SecurityNone or SecurityTLS
	TLS             TLSInfo
	AuthIdentity    string // non-empty if the session authenticated
	Protocol        string // e.g. "ESMTP", "ESMTPS", "ESMTPA"
	ReceivedAt      time.Time
}

// Envelope is the full message as carried internally: sender, recipients,
// headers, opaque body, and session metadata. Treat as immutable once handed
// to the queue (spec.md §3).
type Envelope struct {
	// QueuedID is assigned by storage on Write; empty before that.
	QueuedID string

	Sender     smtp.Path   // empty (IsZero) for bounces
	Recipients []smtp.Path // order preserved, duplicates allowed
	Headers    []Header
	Body       []byte // opaque once DATA ends; no semantic MIME parsing (Non-goal)
	Meta       SessionMeta
}

var (
	ErrNoRecipients  = errors.New("message: envelope has no recipients")
	ErrBadSender     = errors.New("message: invalid sender mailbox")
	ErrBadRecipient  = errors.New("message: invalid recipient mailbox")
)

// Validate checks the invariants spec.md §3 requires at enqueue time: sender
// is empty or a valid mailbox, every recipient is a valid mailbox, and there
// is at least one recipient.
func (e *Envelope) Validate() error {
	if !e.Sender.IsZero() {
		if e.Sender.Localpart == "" && !e.Sender.IPDomain.IsDomain() && !e.Sender.IPDomain.IsIP() {
			return ErrBadSender
		}
	}
	if len(e.Recipients) == 0 {
		return ErrNoRecipients
	}
	for _, r := range e.Recipients {
		if r.IsZero() || (!r.IPDomain.IsDomain() && !r.IPDomain.IsIP()) {
			return fmt.Errorf("%w: %s", ErrBadRecipient, r.String())
		}
	}
	return nil
}

// HeaderGet returns the value of the first header matching name
// (case-insensitive), and whether one was found.
func (e *Envelope) HeaderGet(name string) (string, bool) {
	for _, h := range e.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// HeaderPrepend inserts a header at the front, as Received: headers and
// other policies that must run "closest to the wire" require.
func (e *Envelope) HeaderPrepend(name, value string) {
	e.Headers = append([]Header{{name, value}}, e.Headers...)
}

// HeaderAppend adds a header at the end.
func (e *Envelope) HeaderAppend(name, value string) {
	e.Headers = append(e.Headers, Header{name, value})
}

// Clone returns a deep-enough copy for policies that mutate headers/
// recipients without affecting the original (e.g. recipient splitting).
func (e *Envelope) Clone() *Envelope {
	n := *e
	n.Recipients = append([]smtp.Path(nil), e.Recipients...)
	n.Headers = append([]Header(nil), e.Headers...)
	// Body is treated as immutable once set; share the backing array.
	return &n
}

// Flatten serializes the envelope's headers followed by CRLF then the body,
// per spec.md §3 ("flattening yields a byte stream where the header portion
// is CRLF-terminated"). The result round-trips through Parse.
func (e *Envelope) Flatten() []byte {
	var b bytes.Buffer
	for _, h := range e.Headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(foldHeaderValue(h.Value))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(e.Body)
	return b.Bytes()
}

// foldHeaderValue returns the value unchanged: already-folded values
// (containing CRLF+whitespace) are written as they are, and long values are
// not folded here.
func foldHeaderValue(v string) string {
	return v
}

// Parse splits a flattened byte stream (header section, blank line, body)
// into headers and body, the inverse of Flatten for the header/body split.
// Bare LF in the header section is tolerated and normalized to CRLF, as for
// the rest of the wire protocol (spec.md §4.1).
func Parse(stream []byte) (headers []Header, body []byte, err error) {
	normalized := smtp.NormalizeLineEndings(stream)
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(normalized, sep)
	var headerBlock []byte
	if idx < 0 {
		// No body: the whole thing may be only headers (ending in \r\n) or
		// entirely empty.
		headerBlock = normalized
		body = nil
	} else {
		headerBlock = normalized[:idx+2]
		body = normalized[idx+4:]
	}
	headers, err = parseHeaderBlock(headerBlock)
	return headers, body, err
}

func parseHeaderBlock(b []byte) ([]Header, error) {
	var headers []Header
	lines := bytes.Split(bytes.TrimSuffix(b, []byte("\r\n")), []byte("\r\n"))
	var cur *Header
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if cur == nil {
				return nil, fmt.Errorf("message: header continuation without preceding header")
			}
			cur.Value += "\r\n" + string(line)
			continue
		}
		i := bytes.IndexByte(line, ':')
		if i < 0 {
			return nil, fmt.Errorf("message: malformed header line %q", line)
		}
		name := string(line[:i])
		value := strings.TrimPrefix(string(line[i+1:]), " ")
		headers = append(headers, Header{Name: name, Value: value})
		cur = &headers[len(headers)-1]
	}
	return headers, nil
}
