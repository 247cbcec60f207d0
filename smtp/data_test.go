package smtp

import (
	"bufio"
	"bytes"
	"io"
	"testing"
)

func TestDataWriteReadRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"hello\r\n",
		".\r\n",
		"line1\r\n.line2\r\n",
		"no newline at all",
		"bare\nlf\nhere\r\n",
	}
	for _, body := range cases {
		var wire bytes.Buffer
		if err := DataWrite(&wire, bytes.NewBufferString(body)); err != nil {
			t.Fatalf("DataWrite(%q): %v", body, err)
		}
		dr := NewDataReader(bufio.NewReader(&wire))
		got, err := io.ReadAll(dr)
		if err != nil {
			t.Fatalf("reading back %q: %v", body, err)
		}
		want := NormalizeLineEndings([]byte(body))
		if len(want) > 0 && want[len(want)-1] != '\n' {
			want = append(want, '\r', '\n')
		}
		if !bytes.Equal(got, want) {
			t.Errorf("round trip of %q: got %q want %q", body, got, want)
		}
	}
}

func TestDataWriteDotStuffing(t *testing.T) {
	var wire bytes.Buffer
	if err := DataWrite(&wire, bytes.NewBufferString(".hi\r\n..\r\n")); err != nil {
		t.Fatal(err)
	}
	want := "..hi\r\n...\r\n.\r\n"
	if wire.String() != want {
		t.Errorf("got %q want %q", wire.String(), want)
	}
}
