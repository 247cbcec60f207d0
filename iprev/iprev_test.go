package iprev

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/mjl-/adns"
	"github.com/mjl-mta/relaylib/dns"
)

// mockResolver answers LookupAddr/LookupIPAddr from fixed tables, failing
// (as NXDOMAIN) for anything not listed.
type mockResolver struct {
	ptr map[string][]string
	fwd map[string][]net.IPAddr
}

func (m mockResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	return nil, &adns.DNSError{IsNotFound: true}
}
func (m mockResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return nil, &adns.DNSError{IsNotFound: true}
}
func (m mockResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if addrs, ok := m.fwd[host]; ok {
		return addrs, nil
	}
	return nil, &adns.DNSError{IsNotFound: true}
}
func (m mockResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	if names, ok := m.ptr[addr]; ok {
		return names, nil
	}
	return nil, &adns.DNSError{IsNotFound: true}
}

var _ dns.Resolver = mockResolver{}

func TestLookup(t *testing.T) {
	resolver := mockResolver{
		ptr: map[string][]string{
			"10.0.0.1": {"basic.example."},
			"10.0.0.4": {"absent.example.", "b.example."},
			"10.0.0.8": {"other.example."},
		},
		fwd: map[string][]net.IPAddr{
			"basic.example.": {{IP: net.ParseIP("10.0.0.1")}},
			"b.example.":     {{IP: net.ParseIP("10.0.0.4")}},
			"other.example.": {{IP: net.ParseIP("10.9.9.9")}},
		},
	}

	test := func(ip string, expStatus Status, expName string, expNames string, expErr bool) {
		t.Helper()
		status, name, names, err := Lookup(context.Background(), resolver, net.ParseIP(ip))
		if (err != nil) != expErr {
			t.Fatalf("Lookup(%s): err %v, expected error: %v", ip, err, expErr)
		}
		if expErr {
			return
		}
		if status != expStatus || name != expName || strings.Join(names, ",") != expNames {
			t.Fatalf("Lookup(%s): got status %q name %q names %v, expected %q %q %q", ip, status, name, names, expStatus, expName, expNames)
		}
	}

	test("10.0.0.1", StatusPass, "basic.example.", "basic.example.", false)
	test("10.0.0.4", StatusPass, "b.example.", "absent.example.,b.example.", false)
	test("10.0.0.8", StatusFail, "", "other.example.", false)
	test("10.0.0.99", StatusPermerror, "", "", true)
}
