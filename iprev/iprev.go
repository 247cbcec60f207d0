// Package iprev checks whether an IP has a reverse DNS name configured that
// resolves back to the same IP (RFC 8601 section 3), feeding
// message.SessionMeta.ClientHostname and the edge's connection-accept
// policy.
package iprev

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/mjl-mta/relaylib/dns"
)

// Lookup errors.
var (
	ErrNoRecord = errors.New("iprev: no reverse dns record")
	ErrDNS      = errors.New("iprev: dns lookup")
)

// Status is the result of a Lookup.
type Status string

const (
	StatusPass      Status = "pass"      // Reverse and forward lookups agree.
	StatusFail      Status = "fail"      // The reverse name exists but doesn't forward-confirm.
	StatusTemperror Status = "temperror" // Temporary error, e.g. DNS timeout.
	StatusPermerror Status = "permerror" // No PTR record; retrying won't help.
)

// Lookup checks whether ip has a PTR record that forward-confirms: a name
// from the PTR lookup must resolve (A/AAAA) back to ip. The first
// confirming name is returned as name; every name the PTR lookup returned is
// in names regardless of whether it confirmed.
func Lookup(ctx context.Context, resolver dns.Resolver, ip net.IP) (status Status, name string, names []string, rerr error) {
	revNames, err := resolver.LookupAddr(ctx, ip.String())
	switch dns.Classify(err) {
	case dns.ClassNotFound:
		return StatusPermerror, "", nil, fmt.Errorf("%w: %v", ErrNoRecord, err)
	case dns.ClassTimeout:
		return StatusTemperror, "", nil, fmt.Errorf("%w: %v", ErrDNS, err)
	}
	if err != nil {
		return StatusTemperror, "", nil, fmt.Errorf("%w: %v", ErrDNS, err)
	}

	var lastErr error
	for _, rname := range revNames {
		addrs, err := resolver.LookupIPAddr(ctx, rname)
		for _, a := range addrs {
			if ip.Equal(a.IP) {
				return StatusPass, rname, revNames, nil
			}
		}
		if err != nil && dns.Classify(err) != dns.ClassNotFound {
			lastErr = err
		}
	}
	if lastErr != nil {
		return StatusTemperror, "", revNames, fmt.Errorf("%w: %v", ErrDNS, lastErr)
	}
	return StatusFail, "", revNames, nil
}
