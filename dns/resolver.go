package dns

import (
	"context"
	"errors"
	"net"

	"github.com/mjl-/adns"
)

// Resolver is the subset of DNS lookups the relay manager needs to resolve
// next hops. It is satisfied by Adns (backed by github.com/mjl-/adns) in
// production and by a fake in tests.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	// LookupAddr does a reverse (PTR) lookup of addr, for iprev.Lookup.
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Adns is a Resolver backed by github.com/mjl-/adns, the teacher's own DNS
// client fork. It is preferred over the stdlib net.Resolver because its
// *adns.DNSError exposes IsNotFound (NXDOMAIN) distinctly from IsTimeout and
// general failure, which spec.md §4.7 requires for classifying a domain's
// failure as permanent vs transient.
type Adns struct {
	// Resolver is used for lookups; if nil, adns.DefaultResolver is used.
	Resolver *adns.Resolver
}

var _ Resolver = Adns{}

func (a Adns) resolver() *adns.Resolver {
	if a.Resolver != nil {
		return a.Resolver
	}
	return adns.DefaultResolver
}

func (a Adns) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	l, _, err := a.resolver().LookupMX(ctx, name)
	return l, err
}

func (a Adns) LookupHost(ctx context.Context, host string) ([]string, error) {
	l, _, err := a.resolver().LookupHost(ctx, host)
	return l, err
}

func (a Adns) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	l, _, err := a.resolver().LookupIPAddr(ctx, host)
	return l, err
}

func (a Adns) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	l, _, err := a.resolver().LookupAddr(ctx, addr)
	return l, err
}

// Classification of a DNS failure, used by the relay manager to decide
// whether a recipient domain fails permanently or transiently.
type Classification int

const (
	// ClassOther is a generic/transient error (e.g. SERVFAIL, I/O error).
	ClassOther Classification = iota
	// ClassNotFound means the name does not exist (NXDOMAIN or a successful
	// response with zero records), a permanent condition.
	ClassNotFound
	// ClassTimeout means the lookup did not complete in time, transient.
	ClassTimeout
)

// Classify inspects err (typically returned from a Resolver method) and
// reports how the relay manager should treat it.
func Classify(err error) Classification {
	if err == nil {
		return ClassOther
	}
	var dnsErr *adns.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return ClassNotFound
		}
		if dnsErr.IsTimeout {
			return ClassTimeout
		}
		return ClassOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassOther
}
