package sasl

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/mjl-mta/relaylib/scram"
)

func saltForTest(password string, salt []byte, iterations int) []byte {
	return scram.SaltPassword(sha256.New, password, salt, iterations)
}

type memLookup struct {
	username, password string
}

func (m memLookup) Password(ctx context.Context, username string) (string, bool, error) {
	if username != m.username {
		return "", false, nil
	}
	return m.password, true, nil
}

func (m memLookup) SCRAMSHA256(ctx context.Context, username string) ([]byte, []byte, int, bool, error) {
	if username != m.username {
		return nil, nil, 0, false, nil
	}
	salt := []byte("0123456789abcdef")
	iterations := 4096
	return saltForTest(m.password, salt, iterations), salt, iterations, true, nil
}

func runExchange(t *testing.T, client Client, server Server) (string, error) {
	t.Helper()
	var fromServer []byte
	for {
		toServer, last, err := client.Next(fromServer)
		if err != nil {
			return "", err
		}
		challenge, done, username, err := server.Next(toServer)
		if err != nil {
			return "", err
		}
		if done {
			return username, nil
		}
		if last {
			t.Fatalf("client finished but server did not")
		}
		fromServer = challenge
	}
}

func TestPlainRoundTrip(t *testing.T) {
	lookup := memLookup{"jane", "hunter2"}
	client := NewClientPlain("jane", "hunter2")
	server := NewServerPlain(context.Background(), lookup)
	user, err := runExchange(t, client, server)
	if err != nil {
		t.Fatal(err)
	}
	if user != "jane" {
		t.Errorf("got user %q", user)
	}
}

func TestPlainWrongPassword(t *testing.T) {
	lookup := memLookup{"jane", "hunter2"}
	client := NewClientPlain("jane", "wrong")
	server := NewServerPlain(context.Background(), lookup)
	if _, err := runExchange(t, client, server); err == nil {
		t.Fatal("expected error for wrong password")
	}
}

func TestLoginRoundTrip(t *testing.T) {
	lookup := memLookup{"jane", "hunter2"}
	client := NewClientLogin("jane", "hunter2")
	server := NewServerLogin(context.Background(), lookup)
	user, err := runExchange(t, client, server)
	if err != nil {
		t.Fatal(err)
	}
	if user != "jane" {
		t.Errorf("got user %q", user)
	}
}

func TestCRAMMD5RoundTrip(t *testing.T) {
	lookup := memLookup{"jane", "hunter2"}
	client := NewClientCRAMMD5("jane", "hunter2")
	server := NewServerCRAMMD5(context.Background(), lookup, "mx.example.com")
	user, err := runExchange(t, client, server)
	if err != nil {
		t.Fatal(err)
	}
	if user != "jane" {
		t.Errorf("got user %q", user)
	}
}

func TestSCRAMSHA256RoundTrip(t *testing.T) {
	lookup := memLookup{"jane", "hunter2"}
	client := NewClientSCRAMSHA256("jane", "hunter2")
	server := NewServerSCRAMSHA256(context.Background(), lookup, nil)
	user, err := runExchange(t, client, server)
	if err != nil {
		t.Fatal(err)
	}
	if user != "jane" {
		t.Errorf("got user %q", user)
	}
}

func TestNewClientUnknownMechanism(t *testing.T) {
	if c := NewClient("BOGUS", "a", "b"); c != nil {
		t.Fatal("expected nil client for unknown mechanism")
	}
}
