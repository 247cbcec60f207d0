package dns

import "net"

// IPDomain is either an IP address or a domain name (the two forms a mailbox
// or MX target can take), or the zero value for neither.
type IPDomain struct {
	IP     net.IP
	Domain Domain
}

// IsZero returns whether both IP and Domain are unset.
func (d IPDomain) IsZero() bool {
	return d.IP == nil && d.Domain == Domain{}
}

// IsIP returns whether this holds an IP address rather than a domain.
func (d IPDomain) IsIP() bool {
	return len(d.IP) > 0
}

// IsDomain returns whether this holds a domain rather than an IP address.
func (d IPDomain) IsDomain() bool {
	return !d.Domain.IsZero()
}

// String returns the IP or the Unicode domain name.
func (d IPDomain) String() string {
	if d.IsIP() {
		return d.IP.String()
	}
	return d.Domain.Name()
}

// XString is like String, but only returns a Unicode domain when utf8 is true.
func (d IPDomain) XString(utf8 bool) string {
	if d.IsIP() {
		return d.IP.String()
	}
	return d.Domain.XName(utf8)
}

// Equal reports whether d and o represent the same IP or domain.
func (d IPDomain) Equal(o IPDomain) bool {
	if d.IsIP() || o.IsIP() {
		return d.IP.Equal(o.IP)
	}
	return d.Domain.ASCII == o.Domain.ASCII
}
