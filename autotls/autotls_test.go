package autotls

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"

	"github.com/mjl-/autocert"

	"github.com/mjl-mta/relaylib/dns"
)

func TestAutotls(t *testing.T) {
	os.RemoveAll("../testdata/autotls")
	os.MkdirAll("../testdata/autotls", 0770)
	defer os.RemoveAll("../testdata/autotls")

	shutdown := make(chan struct{})

	m, err := Load("test", "../testdata/autotls", "postmaster@localhost", "https://localhost/", shutdown)
	if err != nil {
		t.Fatalf("load manager: %v", err)
	}
	if l := m.Hostnames(); len(l) != 0 {
		t.Fatalf("hostnames = %v, expected empty", l)
	}
	if err := m.HostPolicy(context.Background(), "mail.example"); !errors.Is(err, errHostNotAllowed) {
		t.Fatalf("hostpolicy = %v, expected errHostNotAllowed", err)
	}

	m.SetAllowedHostnames(map[dns.Domain]struct{}{{ASCII: "mail.example"}: {}})
	if l := m.Hostnames(); !reflect.DeepEqual(l, []dns.Domain{{ASCII: "mail.example"}}) {
		t.Fatalf("hostnames = %v, expected single mail.example", l)
	}
	if err := m.HostPolicy(context.Background(), "mail.example"); err != nil {
		t.Fatalf("hostpolicy: %v", err)
	}
	if err := m.HostPolicy(context.Background(), "mail.example:80"); err != nil {
		t.Fatalf("hostpolicy with port: %v", err)
	}
	if err := m.HostPolicy(context.Background(), "other.example"); !errors.Is(err, errHostNotAllowed) {
		t.Fatalf("hostpolicy for disallowed host = %v, expected errHostNotAllowed", err)
	}

	ctx := context.Background()
	cache := m.Manager.Cache
	if _, err := cache.Get(ctx, "mail.example"); !errors.Is(err, autocert.ErrCacheMiss) {
		t.Fatalf("cache get for absent entry = %v, expected ErrCacheMiss", err)
	}
	if err := cache.Put(ctx, "mail.example", []byte("cert1")); err != nil {
		t.Fatalf("cache put: %v", err)
	}
	if data, err := cache.Get(ctx, "mail.example"); err != nil || string(data) != "cert1" {
		t.Fatalf("cache get = %q, %v, expected cert1, nil", data, err)
	}
	if err := cache.Delete(ctx, "mail.example"); err != nil {
		t.Fatalf("cache delete: %v", err)
	}
	if _, err := cache.Get(ctx, "mail.example"); !errors.Is(err, autocert.ErrCacheMiss) {
		t.Fatalf("cache get after delete = %v, expected ErrCacheMiss", err)
	}

	close(shutdown)
	if err := m.HostPolicy(context.Background(), "mail.example"); err == nil {
		t.Fatalf("hostpolicy after shutdown: expected error")
	}

	key0 := m.Manager.Client.Key
	m, err = Load("test", "../testdata/autotls", "postmaster@localhost", "https://localhost/", make(chan struct{}))
	if err != nil {
		t.Fatalf("load manager again: %v", err)
	}
	if !reflect.DeepEqual(m.Manager.Client.Key, key0) {
		t.Fatalf("identity key changed across reload")
	}

	m2, err := Load("test2", "../testdata/autotls", "postmaster@localhost", "https://localhost/", make(chan struct{}))
	if err != nil {
		t.Fatalf("load second manager: %v", err)
	}
	if reflect.DeepEqual(m.Manager.Client.Key, m2.Manager.Client.Key) {
		t.Fatalf("identity key reused between distinct manager names")
	}
}
