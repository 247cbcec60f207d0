package smtp

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/mjl-mta/relaylib/dns"
)

var ErrBadAddress = errors.New("smtp: invalid mailbox")

// Localpart is the decoded local part of a mailbox, before the "@". For
// quoted forms, the value excludes the surrounding quotes and escaping
// backslashes. An empty localpart is valid (used by the null sender, "<>").
type Localpart string

// String returns lp in packed form, quoting it if it isn't a valid
// dot-string.
func (lp Localpart) String() string {
	isDotString := len(lp) > 0
	for _, part := range strings.Split(string(lp), ".") {
		if len(part) == 0 {
			isDotString = false
			break
		}
		for _, c := range part {
			if !isAtomChar(c) {
				isDotString = false
				break
			}
		}
		if !isDotString {
			break
		}
	}
	if isDotString {
		return string(lp)
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range lp {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

// DSNString renders lp for use in a DSN Original-Recipient/Final-Recipient
// field. If utf8 is false, non-ASCII and special bytes are hex-escaped per
// RFC 6533's "utf-8-addr-xtext".
func (lp Localpart) DSNString(utf8 bool) string {
	if utf8 {
		return lp.String()
	}
	var b strings.Builder
	for _, c := range lp {
		if c > 0x20 && c < 0x7f && c != '\\' && c != '+' && c != '=' {
			b.WriteRune(c)
		} else {
			fmt.Fprintf(&b, `\x{%x}`, c)
		}
	}
	return b.String()
}

func (lp Localpart) IsInternational() bool {
	for _, c := range lp {
		if c > 0x7f {
			return true
		}
	}
	return false
}

func isAtomChar(c rune) bool {
	switch {
	case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c > 0x7f:
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '/', '=', '?', '^', '_', '`', '{', '|', '}', '~':
		return true
	}
	return false
}

// ParsePath parses a bracket-free mailbox as found inside MAIL FROM:<...> and
// RCPT TO:<...>, e.g. "jane@example.com" or "postmaster@[192.0.2.1]". The
// null path ("") parses to the zero Path, valid only as a bounce sender.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, nil
	}
	lp, rem, err := parseLocalpart(s)
	if err != nil {
		return Path{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	if !strings.HasPrefix(rem, "@") {
		return Path{}, fmt.Errorf("%w: missing @", ErrBadAddress)
	}
	rem = rem[1:]
	ipd, err := parseIPDomain(rem)
	if err != nil {
		return Path{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	return Path{Localpart: lp, IPDomain: ipd}, nil
}

func parseIPDomain(s string) (dns.IPDomain, error) {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		inner := s[1 : len(s)-1]
		inner = strings.TrimPrefix(inner, "IPv6:")
		ip := net.ParseIP(inner)
		if ip == nil {
			return dns.IPDomain{}, fmt.Errorf("invalid address literal %q", s)
		}
		return dns.IPDomain{IP: ip}, nil
	}
	d, err := dns.ParseDomain(s)
	if err != nil {
		return dns.IPDomain{}, err
	}
	return dns.IPDomain{Domain: d}, nil
}

func parseLocalpart(s string) (Localpart, string, error) {
	if strings.HasPrefix(s, `"`) {
		return parseQuotedLocalpart(s)
	}
	i := 0
	for i < len(s) && s[i] != '@' {
		i++
	}
	if i == 0 {
		return "", "", errors.New("empty localpart")
	}
	lp := s[:i]
	for _, part := range strings.Split(lp, ".") {
		if part == "" {
			return "", "", fmt.Errorf("empty dot-atom element in %q", lp)
		}
		for _, c := range part {
			if !isAtomChar(c) {
				return "", "", fmt.Errorf("invalid localpart character %q", c)
			}
		}
	}
	if len(lp) > 128 {
		return "", "", errors.New("localpart too long")
	}
	return Localpart(lp), s[i:], nil
}

func parseQuotedLocalpart(s string) (Localpart, string, error) {
	var b strings.Builder
	i := 1
	esc := false
	for i < len(s) {
		c := s[i]
		if esc {
			if c < 0x20 || c == 0x7f {
				return "", "", fmt.Errorf("invalid escaped char in quoted localpart")
			}
			b.WriteByte(c)
			esc = false
			i++
			continue
		}
		if c == '\\' {
			esc = true
			i++
			continue
		}
		if c == '"' {
			return Localpart(b.String()), s[i+1:], nil
		}
		b.WriteByte(c)
		i++
	}
	return "", "", errors.New("unterminated quoted localpart")
}

