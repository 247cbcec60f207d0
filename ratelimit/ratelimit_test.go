package ratelimit

import (
	"net"
	"testing"
	"time"
)

func TestConnectLimiterSingleWindow(t *testing.T) {
	l := &ConnectLimiter{
		WindowLimits: []WindowLimit{
			{Window: time.Minute, Limits: [3]int64{2, 4, 6}},
		},
	}

	now := time.Now()
	ip := net.ParseIP("10.0.0.1")

	if !l.Allow(ip, now) {
		t.Fatalf("1st connection should be allowed")
	}
	if !l.Allow(ip, now) {
		t.Fatalf("2nd connection should be allowed (at the per-address limit)")
	}
	if l.Allow(ip, now) {
		t.Fatalf("3rd connection should be refused, past the per-address limit")
	}

	next := now.Add(time.Minute)
	if !l.Allow(ip, next) {
		t.Fatalf("next window should reset the count")
	}
}

func TestConnectLimiterSubnetGranularity(t *testing.T) {
	l := &ConnectLimiter{
		WindowLimits: []WindowLimit{
			{Window: time.Minute, Limits: [3]int64{1, 2, 3}},
		},
	}
	now := time.Now()

	if !l.Allow(net.ParseIP("10.0.0.1"), now) {
		t.Fatalf("first address in subnet should be allowed")
	}
	if !l.Allow(net.ParseIP("10.0.0.2"), now) {
		t.Fatalf("second distinct address should be allowed (medium subnet still has room)")
	}
	if l.Allow(net.ParseIP("10.0.0.3"), now) {
		t.Fatalf("third distinct address in the same /26 should be refused")
	}
	if !l.Allow(net.ParseIP("10.0.1.4"), now) {
		t.Fatalf("address in a different /26 but same /21 should still be allowed")
	}
	if l.Allow(net.ParseIP("10.0.2.4"), now) {
		t.Fatalf("address pushing the wide subnet over its limit should be refused")
	}
}

func TestConnectLimiterReset(t *testing.T) {
	l := &ConnectLimiter{
		WindowLimits: []WindowLimit{
			{Window: time.Minute, Limits: [3]int64{1, 1, 1}},
		},
	}
	now := time.Now()
	ip := net.ParseIP("10.0.0.1")

	if !l.Allow(ip, now) {
		t.Fatalf("first connection should be allowed")
	}
	if l.Allow(ip, now) {
		t.Fatalf("second connection should be refused before reset")
	}
	l.Reset(ip, now)
	if !l.Allow(ip, now) {
		t.Fatalf("connection should be allowed again after Reset")
	}
}

func TestConnectLimiterMultipleWindows(t *testing.T) {
	l := &ConnectLimiter{
		WindowLimits: []WindowLimit{
			{Window: time.Minute, Limits: [3]int64{1, 2, 3}},
			{Window: time.Hour, Limits: [3]int64{2, 3, 4}},
		},
	}
	base := time.UnixMilli((time.Now().UnixNano() / int64(time.Hour)) * int64(time.Hour) / int64(time.Millisecond))
	min1 := base
	min2 := base.Add(time.Minute)
	min3 := base.Add(2 * time.Minute)

	ip := net.ParseIP("10.0.0.1")
	if !l.Allow(ip, min1) {
		t.Fatalf("first minute should be allowed")
	}
	if !l.Allow(ip, min2) {
		t.Fatalf("second minute (per-minute window reset) should be allowed")
	}
	if l.Allow(ip, min3) {
		t.Fatalf("third minute should be refused: hourly limit of 2 reached")
	}
}

func TestConnectLimiterIPv6(t *testing.T) {
	l := &ConnectLimiter{
		WindowLimits: []WindowLimit{
			{Window: time.Minute, Limits: [3]int64{1, 2, 3}},
		},
	}
	now := time.Now()
	if !l.Allow(net.ParseIP("2001:db8::1"), now) {
		t.Fatalf("first v6 address should be allowed")
	}
	if l.Allow(net.ParseIP("2001:db8::1"), now) {
		t.Fatalf("repeat v6 address should be refused past its per-address limit")
	}
	if !l.Allow(net.ParseIP("2001:db8::2"), now) {
		t.Fatalf("distinct v6 address sharing a /64 should still be allowed")
	}
}
