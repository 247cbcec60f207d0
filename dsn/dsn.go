// Package dsn composes Delivery Status Notification (bounce) messages, per
// spec.md §4.7's "Bounce generation" and §4.8's Bounce glossary entry:
// "a new envelope with empty sender describing a prior delivery's failed
// recipients." Grounded on the teacher's own dsn.Message.Compose
// (multipart/report over RFC 3464), simplified to the single case this
// module needs: one failure report per original envelope, generated by the
// queue engine when every recipient (or a narrowed subset of them) can no
// longer be delivered.
package dsn

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/smtp"
)

// Failure is one recipient's terminal delivery outcome, as reported by the
// relay manager.
type Failure struct {
	Recipient smtp.Path
	Reply     smtp.Reply
}

// Compose builds a bounce envelope addressed to orig.Sender, describing
// failures, per spec.md §4.7: empty sender, recipient is the original
// sender, a human-readable part plus the flattened original message.
//
// Compose returns (nil, nil) without error if orig.Sender is empty: per
// spec.md §4.7, a bounce of a bounce produces no further bounce, only a log
// entry (left to the caller, which has the logging context).
func Compose(orig *message.Envelope, failures []Failure, reportingMTA string, now time.Time) (*message.Envelope, error) {
	if orig.Sender.IsZero() {
		return nil, nil
	}
	if len(failures) == 0 {
		return nil, fmt.Errorf("dsn: Compose called with no failures")
	}

	var human strings.Builder
	fmt.Fprintf(&human, "Delivery has failed for the following recipient(s) of your message:\n\n")
	for _, f := range failures {
		fmt.Fprintf(&human, "- %s: %s\n", f.Recipient.String(), f.Reply.Error())
	}

	var buf bytes.Buffer
	header := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}

	header("From", "<>")
	header("To", fmt.Sprintf("<%s>", orig.Sender.String()))
	header("Subject", "Delivery Status Notification (Failure)")
	header("Message-Id", fmt.Sprintf("<%s@%s>", uuid.New(), reportingMTA))
	header("Date", now.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	header("MIME-Version", "1.0")
	header("Auto-Submitted", "auto-replied")

	mp := multipart.NewWriter(&buf)
	header("Content-Type", fmt.Sprintf(`multipart/report; report-type="delivery-status"; boundary=%q`, mp.Boundary()))
	buf.WriteString("\r\n")

	humanHdr := textproto.MIMEHeader{}
	humanHdr.Set("Content-Type", "text/plain; charset=utf-8")
	humanPart, err := mp.CreatePart(humanHdr)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(humanPart, strings.ReplaceAll(human.String(), "\n", "\r\n")); err != nil {
		return nil, err
	}

	statusHdr := textproto.MIMEHeader{}
	statusHdr.Set("Content-Type", "message/delivery-status")
	statusPart, err := mp.CreatePart(statusHdr)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(statusPart, "Reporting-MTA: dns;%s\r\n\r\n", reportingMTA)
	for _, f := range sortedFailures(failures) {
		fmt.Fprintf(statusPart, "Final-Recipient: rfc822;%s\r\n", f.Recipient.String())
		fmt.Fprintf(statusPart, "Action: failed\r\n")
		if f.Reply.EnhCode != "" {
			fmt.Fprintf(statusPart, "Status: %s\r\n", f.Reply.EnhCode)
		}
		fmt.Fprintf(statusPart, "Diagnostic-Code: smtp;%d %s\r\n\r\n", f.Reply.Code, strings.Join(f.Reply.Lines, " "))
	}

	origHdr := textproto.MIMEHeader{}
	origHdr.Set("Content-Type", "message/rfc822")
	origPart, err := mp.CreatePart(origHdr)
	if err != nil {
		return nil, err
	}
	if _, err := origPart.Write(orig.Flatten()); err != nil {
		return nil, err
	}

	if err := mp.Close(); err != nil {
		return nil, err
	}

	headerLines := strings.SplitAfter(buf.String(), "\r\n\r\n")
	headerPart := headerLines[0]
	bodyPart := strings.Join(headerLines[1:], "")

	bounce := &message.Envelope{
		Sender:     smtp.Path{},
		Recipients: []smtp.Path{orig.Sender},
		Headers:    parseHeaderBlock(headerPart),
		Body:       []byte(bodyPart),
	}
	return bounce, nil
}

func sortedFailures(failures []Failure) []Failure {
	out := append([]Failure(nil), failures...)
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient.String() < out[j].Recipient.String() })
	return out
}

// parseHeaderBlock splits the raw CRLF-terminated header text Compose built
// up by hand back into message.Header pairs, so the result is a normal
// message.Envelope that Flatten/Parse round-trip like any other.
func parseHeaderBlock(block string) []message.Header {
	var headers []message.Header
	for _, line := range strings.Split(strings.TrimRight(block, "\r\n"), "\r\n") {
		if line == "" {
			continue
		}
		idx := strings.Index(line, ": ")
		if idx < 0 {
			continue
		}
		headers = append(headers, message.Header{Name: line[:idx], Value: line[idx+2:]})
	}
	return headers
}
