package message

import (
	"bytes"
	"testing"

	"github.com/mjl-mta/relaylib/smtp"
)

func TestFlattenParseRoundTrip(t *testing.T) {
	e := &Envelope{
		Sender: mustPath(t, "a@example.com"),
		Recipients: []smtp.Path{
			mustPath(t, "b@example.org"),
		},
		Headers: []Header{
			{Name: "Subject", Value: "hi"},
			{Name: "Date", Value: "Mon, 02 Jan 2006 15:04:05 +0000"},
		},
		Body: []byte("hello\r\nworld\r\n"),
	}
	flat := e.Flatten()
	headers, body, err := Parse(flat)
	if err != nil {
		t.Fatal(err)
	}
	if len(headers) != len(e.Headers) {
		t.Fatalf("got %d headers, want %d", len(headers), len(e.Headers))
	}
	for i := range headers {
		if headers[i] != e.Headers[i] {
			t.Errorf("header %d: got %+v want %+v", i, headers[i], e.Headers[i])
		}
	}
	if !bytes.Equal(body, e.Body) {
		t.Errorf("body: got %q want %q", body, e.Body)
	}

	roundTripped := &Envelope{Headers: headers, Body: body}
	if !bytes.Equal(roundTripped.Flatten(), flat) {
		t.Errorf("flatten(parse(stream)) != stream")
	}
}

func TestValidate(t *testing.T) {
	e := &Envelope{Sender: mustPath(t, "a@example.com")}
	if err := e.Validate(); err != ErrNoRecipients {
		t.Fatalf("got %v, want ErrNoRecipients", err)
	}
	e.Recipients = []smtp.Path{mustPath(t, "b@example.org")}
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateBounceNullSender(t *testing.T) {
	e := &Envelope{Recipients: []smtp.Path{mustPath(t, "a@example.com")}}
	if err := e.Validate(); err != nil {
		t.Fatalf("null sender should be valid: %v", err)
	}
}

func mustPath(t *testing.T, s string) smtp.Path {
	t.Helper()
	p, err := smtp.ParsePath(s)
	if err != nil {
		t.Fatalf("ParsePath(%q): %v", s, err)
	}
	return p
}
