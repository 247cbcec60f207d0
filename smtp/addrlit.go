package smtp

import (
	"net"
	"strings"
)

// AddressLiteral renders ip as an RFC 5321 address literal, e.g.
// "[1.2.3.4]" or "[IPv6:::1]", suitable for use as the domain part of a
// Path when no reverse DNS name is known for the address.
func AddressLiteral(ip net.IP) string {
	var b strings.Builder
	b.WriteByte('[')
	if ip.To4() == nil {
		b.WriteString("IPv6:")
	}
	b.WriteString(ip.String())
	b.WriteByte(']')
	return b.String()
}
