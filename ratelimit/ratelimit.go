// Package ratelimit implements a windowed, per-subnet connection-rate
// guard for the edge server (spec.md §4.4, supplemented: a connecting IP
// that opens sessions faster than a configured threshold is refused
// before a session is started).
//
// Adapted from the teacher's ratelimit/ratelimit.go, a general-purpose
// fixed-window limiter keyed on three granularities of an IP ("the
// address itself, its /26-ish, and its /21-ish subnet" for v4, the v6
// equivalents for v6) so a single abusive host and a botnet spread over
// one subnet are both caught by the same structure. The general Add/
// CanAdd/Reset API is narrowed here to the single operation edge needs:
// ConnectLimiter.Allow records one connection attempt and reports
// whether it is within every configured window's limit.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// ConnectLimiter tracks connection counts across one or more fixed time
// windows, each with its own limit per IP granularity. Zero value is
// usable once WindowLimits is set.
type ConnectLimiter struct {
	sync.Mutex
	WindowLimits []WindowLimit

	maskedScratch [3][16]byte // reused buffer for Allow/Reset, avoids an allocation per call.
}

// WindowLimit is one fixed window (e.g. "the last minute") with a
// connection limit for each of the three IP granularities: the bare
// address, a medium subnet, and a wide subnet.
type WindowLimit struct {
	Window time.Duration
	Limits [3]int64

	time   uint32 // Time/Window of the currently accumulating bucket.
	counts map[subnetKey]int64
}

type subnetKey struct {
	granularity uint8
	maskedIP    [16]byte
}

// Allow records one connection attempt from ip at tm against every
// configured window, returning false (without recording anything) if any
// window's limit would be exceeded at any of the three granularities.
func (l *ConnectLimiter) Allow(ip net.IP, tm time.Time) bool {
	l.Lock()
	defer l.Unlock()

	for i, wl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(wl.Window))
		if t != wl.time || wl.counts == nil {
			wl.time = t
			wl.counts = map[subnetKey]int64{}
			l.WindowLimits[i] = wl
		}
	}

	for g := 0; g < 3; g++ {
		l.maskedScratch[g] = maskIP(g, ip)
	}

	for _, wl := range l.WindowLimits {
		for g := 0; g < 3; g++ {
			k := subnetKey{uint8(g), l.maskedScratch[g]}
			if wl.counts[k]+1 > wl.Limits[g] {
				return false
			}
		}
	}

	for i, wl := range l.WindowLimits {
		for g := 0; g < 3; g++ {
			k := subnetKey{uint8(g), l.maskedScratch[g]}
			wl.counts[k]++
		}
		l.WindowLimits[i] = wl
	}
	return true
}

// Reset clears the counts attributed to ip's current window bucket, e.g.
// once a connection completes without apparent abuse and its slot should
// be returned early.
func (l *ConnectLimiter) Reset(ip net.IP, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	var masked [3][16]byte
	for g := 0; g < 3; g++ {
		masked[g] = maskIP(g, ip)
	}

	for i, wl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(wl.Window))
		if t != wl.time || wl.counts == nil {
			continue
		}
		n := wl.counts[subnetKey{0, masked[0]}]
		for g := 0; g < 3; g++ {
			wl.counts[subnetKey{uint8(g), masked[g]}] -= n
		}
		l.WindowLimits[i] = wl
	}
}

// maskIP returns ip masked at one of three granularities: 0 is the bare
// address, 1 and 2 are progressively wider subnets (chosen to group a
// small residential block and a larger ISP allocation respectively).
func maskIP(granularity int, ip net.IP) [16]byte {
	v4 := ip.To4() != nil

	var masked net.IP
	switch {
	case v4 && granularity == 0:
		masked = ip
	case v4 && granularity == 1:
		masked = ip.Mask(net.CIDRMask(26, 32))
	case v4 && granularity == 2:
		masked = ip.Mask(net.CIDRMask(21, 32))
	case !v4 && granularity == 0:
		masked = ip
	case !v4 && granularity == 1:
		masked = ip.Mask(net.CIDRMask(48, 128))
	case !v4 && granularity == 2:
		masked = ip.Mask(net.CIDRMask(32, 128))
	default:
		panic("ratelimit: bad granularity")
	}
	return *(*[16]byte)(masked.To16())
}
