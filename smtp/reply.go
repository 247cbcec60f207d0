package smtp

import (
	"fmt"
	"strings"
)

// Reply is an SMTP response: a 3-digit code, an optional enhanced status
// code, and free-form text. See spec.md §3.
type Reply struct {
	Code    int
	EnhCode string // e.g. "5.1.1"; empty if none. Built from the major digit of Code plus Secode.
	Secode  string // e.g. "1.1", without the leading major digit.
	Lines   []string
}

// Replyf builds a single-line reply, deriving the enhanced status code's
// leading digit from code.
func Replyf(code int, secode, format string, args ...any) Reply {
	r := Reply{Code: code, Secode: secode, Lines: []string{fmt.Sprintf(format, args...)}}
	if secode != "" {
		r.EnhCode = fmt.Sprintf("%d.%s", code/100, secode)
	}
	return r
}

// ReplyLines builds a multi-line reply from pre-split lines.
func ReplyLines(code int, secode string, lines ...string) Reply {
	r := Reply{Code: code, Secode: secode, Lines: lines}
	if secode != "" {
		r.EnhCode = fmt.Sprintf("%d.%s", code/100, secode)
	}
	return r
}

func (r Reply) IsZero() bool {
	return r.Code == 0
}

// Success reports whether this is a 2xx reply.
func (r Reply) Success() bool { return r.Code >= 200 && r.Code < 300 }

// Intermediate reports whether this is a 3xx reply.
func (r Reply) Intermediate() bool { return r.Code >= 300 && r.Code < 400 }

// Transient reports whether this is a 4xx reply: the command may succeed on
// retry.
func (r Reply) Transient() bool { return r.Code >= 400 && r.Code < 500 }

// Permanent reports whether this is a 5xx reply: retrying as-is will not
// help.
func (r Reply) Permanent() bool { return r.Code >= 500 && r.Code < 600 }

// ClosesConnection reports whether, per spec.md §3, this code implies the
// connection is closed right after the reply is written.
func (r Reply) ClosesConnection() bool {
	return r.Code == C221Closing || r.Code == C421ServiceUnavail
}

func (r Reply) Error() string {
	text := strings.Join(r.Lines, "; ")
	if r.EnhCode != "" {
		return fmt.Sprintf("%d %s %s", r.Code, r.EnhCode, text)
	}
	return fmt.Sprintf("%d %s", r.Code, text)
}

// Render formats the reply as one or more CRLF-terminated wire lines, per
// spec.md §4.1: continuation lines use '-' between code and text, the final
// line uses a space.
func (r Reply) Render() string {
	lines := r.Lines
	if len(lines) == 0 {
		lines = []string{""}
	}
	var b strings.Builder
	for i, line := range lines {
		sep := byte(' ')
		if i < len(lines)-1 {
			sep = '-'
		}
		fmt.Fprintf(&b, "%d%c", r.Code, sep)
		if r.EnhCode != "" {
			fmt.Fprintf(&b, "%s ", r.EnhCode)
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}
