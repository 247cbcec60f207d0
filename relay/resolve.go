package relay

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"

	"github.com/mjl-mta/relaylib/dns"
)

// domainFailure classifies a domain-wide resolution failure as permanent
// or transient, per spec.md §4.7 step 1 ("Domains that fail DNS with
// NXDOMAIN fail permanent; SERVFAIL or timeout fail transient").
type domainFailure struct {
	domain    string
	permanent bool
	err       error
}

func (e *domainFailure) Error() string {
	kind := "transient"
	if e.permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("relay: resolving %s: %s: %v", e.domain, kind, e.err)
}
func (e *domainFailure) Unwrap() error { return e.err }

func newDomainFailure(domain string, err error) *domainFailure {
	permanent := dns.Classify(err) == dns.ClassNotFound
	return &domainFailure{domain: domain, permanent: permanent, err: err}
}

// resolveNextHops computes the ordered, shuffled-within-preference
// exchanger set for domain, per spec.md §4.7 step 1: a forced host
// override short-circuits MX lookup entirely; otherwise MX records are
// preference-ordered (random shuffle among equal preference), falling
// back to the domain's own A/AAAA records as an implicit MX of
// preference 0 when it has none.
func (m *Manager) resolveNextHops(ctx context.Context, domain string) ([]exchanger, error) {
	if host, ok := m.forcedHosts[domain]; ok {
		return []exchanger{host}, nil
	}
	if cached, ok := m.mxCache.get(domain); ok {
		return cached, nil
	}

	mxs, err := m.resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil, newDomainFailure(domain, err)
	}
	var exchangers []exchanger
	if len(mxs) == 0 {
		exchangers = []exchanger{{host: domain, port: m.port}}
	} else {
		exchangers = orderMX(mxs, m.port)
	}
	m.mxCache.set(domain, exchangers)
	return exchangers, nil
}

// orderMX sorts by ascending preference, randomly shuffling exchangers
// that share a preference value, per spec.md §4.7 step 1.
func orderMX(mxs []*net.MX, port int) []exchanger {
	sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
	out := make([]exchanger, len(mxs))
	i := 0
	for i < len(mxs) {
		j := i
		for j < len(mxs) && mxs[j].Pref == mxs[i].Pref {
			j++
		}
		group := make([]int, j-i)
		for k := range group {
			group[k] = i + k
		}
		rand.Shuffle(len(group), func(a, b int) { group[a], group[b] = group[b], group[a] })
		for k, idx := range group {
			out[i+k] = exchanger{host: strings.TrimSuffix(mxs[idx].Host, "."), port: port}
		}
		i = j
	}
	return out
}
