package smtp

import (
	"strconv"
	"strings"

	"github.com/mjl-mta/relaylib/dns"
)

// Path is the forward/reverse path carried in MAIL FROM and RCPT TO:
// a localpart plus either a domain name or a bracketed IP address
// literal. An empty Path (both fields zero) represents the null
// reverse-path "<>" used on bounce messages.
type Path struct {
	Localpart Localpart
	IPDomain  dns.IPDomain
}

// IsZero reports whether p is the null path "<>".
func (p Path) IsZero() bool {
	return p.Localpart == "" && p.IPDomain.IsZero()
}

// Equal compares two paths for equality, case-folding the domain (per
// RFC 5321) and comparing IP address literals by address rather than by
// string form.
func (p Path) Equal(o Path) bool {
	if p.Localpart != o.Localpart {
		return false
	}
	a, b := p.IPDomain, o.IPDomain
	if len(a.IP) > 0 || len(b.IP) > 0 {
		return a.IP.Equal(b.IP)
	}
	return strings.EqualFold(a.Domain.ASCII, b.Domain.ASCII)
}

// String returns the ASCII-only ("localpart@domain") representation.
func (p Path) String() string {
	return p.XString(false)
}

// XString is String, but renders the domain as UTF-8 when utf8 is true
// and the domain has a Unicode form.
func (p Path) XString(utf8 bool) string {
	if p.IsZero() {
		return ""
	}
	return p.Localpart.String() + "@" + p.IPDomain.XString(utf8)
}

// ASCIIExtra returns the ASCII-only rendering of p when utf8 is true and
// the path's domain has a Unicode form, for inclusion as an explanatory
// comment alongside a UTF-8 address in a generated message header.
// Returns "" when no such comment is needed.
func (p Path) ASCIIExtra(utf8 bool) string {
	if utf8 && p.IPDomain.Domain.Unicode != "" {
		return p.XString(false)
	}
	return ""
}

// LogString renders p for logging: the UTF-8 form, followed by a
// "/localpart@ascii-domain" suffix when that would differ from the UTF-8
// form (a non-ASCII domain, or a localpart that needs quoting).
func (p Path) LogString() string {
	if p.IsZero() {
		return ""
	}
	s := p.XString(true)
	lp := p.Localpart.String()
	quoted := strconv.QuoteToASCII(lp)
	needsQuoting := quoted != `"`+lp+`"`
	if p.IPDomain.Domain.Unicode != "" || needsQuoting {
		if needsQuoting {
			lp = quoted
		}
		s += "/" + lp + "@" + p.IPDomain.XString(false)
	}
	return s
}

// DSNString renders p for inclusion in a DSN (RFC 3461/6533): the UTF-8
// form when utf8 is true, otherwise an ASCII-only domain (IDNA) with the
// localpart 7bit-encoded per RFC 6533.
func (p Path) DSNString(utf8 bool) string {
	if utf8 {
		return p.XString(utf8)
	}
	return p.Localpart.DSNString(utf8) + "@" + p.IPDomain.XString(utf8)
}
