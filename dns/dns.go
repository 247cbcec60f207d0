// Package dns holds the domain name types and resolver interface shared by
// the smtp, smtpclient and relay packages.
//
// Names are IDNA-canonicalized on parse so comparisons never need to worry
// about equivalent spellings of the same Unicode domain.
package dns

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

var errTrailingDot = errors.New("dns: name has trailing dot")

// Domain is a domain name, always with an ASCII representation and, for
// internationalized names, a Unicode representation too. The ASCII form is
// what must be used for actual DNS lookups and on the wire.
type Domain struct {
	// ASCII holds A-labels (xn--...) or plain letters/digits/hyphens, always
	// lower-cased.
	ASCII string

	// Unicode holds U-labels. Empty for domains that are already ASCII-only.
	Unicode string
}

// Name returns the Unicode name if set, the ASCII name otherwise.
func (d Domain) Name() string {
	if d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

// XName is like Name, but only returns the Unicode form when utf8 is true.
func (d Domain) XName(utf8 bool) string {
	if utf8 && d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

// String returns a human-readable form, e.g. "☃.example/xn--n3h.example".
func (d Domain) String() string {
	if d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode + "/" + d.ASCII
}

// IsZero returns whether d is the empty Domain.
func (d Domain) IsZero() bool {
	return d == Domain{}
}

// ParseDomain parses and IDNA-canonicalizes a domain name, which may consist
// of ASCII-only labels or already-Unicode U-labels.
func ParseDomain(s string) (Domain, error) {
	if strings.HasSuffix(s, ".") {
		return Domain{}, errTrailingDot
	}
	if s == "" {
		return Domain{}, fmt.Errorf("dns: empty domain")
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Domain{}, fmt.Errorf("to ascii: %w", err)
	}
	unicode, err := idna.Lookup.ToUnicode(s)
	if err != nil {
		return Domain{}, fmt.Errorf("to unicode: %w", err)
	}
	if ascii == unicode {
		return Domain{ASCII: ascii}, nil
	}
	return Domain{ASCII: ascii, Unicode: unicode}, nil
}
