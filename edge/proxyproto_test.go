package edge

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// memConn is a minimal net.Conn backed by an in-memory buffer, for feeding
// fixed byte sequences to readProxyHeader without the synchronization a
// net.Pipe would need.
type memConn struct {
	*bytes.Reader
	written bytes.Buffer
	remote  net.Addr
}

func newMemConn(data []byte) *memConn {
	return &memConn{Reader: bytes.NewReader(data), remote: &net.TCPAddr{IP: net.ParseIP("198.51.100.1"), Port: 12345}}
}

func (c *memConn) Write(b []byte) (int, error)     { return c.written.Write(b) }
func (c *memConn) Close() error                    { return nil }
func (c *memConn) LocalAddr() net.Addr             { return &net.TCPAddr{} }
func (c *memConn) RemoteAddr() net.Addr            { return c.remote }
func (c *memConn) SetDeadline(time.Time) error     { return nil }
func (c *memConn) SetReadDeadline(time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(time.Time) error { return nil }

func TestReadProxyHeaderV1TCP4(t *testing.T) {
	raw := newMemConn([]byte("PROXY TCP4 203.0.113.5 198.51.100.1 51234 25\r\nEHLO client\r\n"))
	conn, err := readProxyHeader(raw)
	if err != nil {
		t.Fatalf("readProxyHeader: %v", err)
	}
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok || tcpAddr.IP.String() != "203.0.113.5" || tcpAddr.Port != 51234 {
		t.Fatalf("got remote addr %v", conn.RemoteAddr())
	}
	rest := make([]byte, len("EHLO client\r\n"))
	if _, err := conn.Read(rest); err != nil {
		t.Fatalf("reading remainder: %v", err)
	}
	if string(rest) != "EHLO client\r\n" {
		t.Fatalf("remainder = %q", rest)
	}
}

func TestReadProxyHeaderV1Unknown(t *testing.T) {
	raw := newMemConn([]byte("PROXY UNKNOWN\r\nEHLO client\r\n"))
	conn, err := readProxyHeader(raw)
	if err != nil {
		t.Fatalf("readProxyHeader: %v", err)
	}
	// UNKNOWN carries no address: the connection's own remote address is kept.
	if conn.RemoteAddr().String() != raw.remote.String() {
		t.Fatalf("got remote addr %v, want %v", conn.RemoteAddr(), raw.remote)
	}
}

func buildProxyV2(srcIP net.IP, srcPort int, dstIP net.IP, dstPort int) []byte {
	hdr := make([]byte, 16)
	copy(hdr[:12], proxyV2Signature)
	hdr[12] = 0x21 // version 2, command PROXY
	var addr []byte
	if ip4 := srcIP.To4(); ip4 != nil {
		hdr[13] = proxyV2FamilyInet | 0x1 // AF_INET, STREAM
		addr = make([]byte, 12)
		copy(addr[0:4], ip4)
		copy(addr[4:8], dstIP.To4())
		binary.BigEndian.PutUint16(addr[8:10], uint16(srcPort))
		binary.BigEndian.PutUint16(addr[10:12], uint16(dstPort))
	} else {
		hdr[13] = proxyV2FamilyInet6 | 0x1
		addr = make([]byte, 36)
		copy(addr[0:16], srcIP.To16())
		copy(addr[16:32], dstIP.To16())
		binary.BigEndian.PutUint16(addr[32:34], uint16(srcPort))
		binary.BigEndian.PutUint16(addr[34:36], uint16(dstPort))
	}
	binary.BigEndian.PutUint16(hdr[14:16], uint16(len(addr)))
	return append(hdr, addr...)
}

func TestReadProxyHeaderV2(t *testing.T) {
	header := buildProxyV2(net.ParseIP("203.0.113.9"), 60000, net.ParseIP("198.51.100.1"), 25)
	raw := newMemConn(append(header, []byte("EHLO client\r\n")...))
	conn, err := readProxyHeader(raw)
	if err != nil {
		t.Fatalf("readProxyHeader: %v", err)
	}
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok || tcpAddr.IP.String() != "203.0.113.9" || tcpAddr.Port != 60000 {
		t.Fatalf("got remote addr %v", conn.RemoteAddr())
	}
	rest := make([]byte, len("EHLO client\r\n"))
	if _, err := conn.Read(rest); err != nil || string(rest) != "EHLO client\r\n" {
		t.Fatalf("remainder = %q, err %v", rest, err)
	}
}

func TestReadProxyHeaderV2Local(t *testing.T) {
	hdr := make([]byte, 16)
	copy(hdr[:12], proxyV2Signature)
	hdr[12] = 0x20 // version 2, command LOCAL
	hdr[13] = 0
	binary.BigEndian.PutUint16(hdr[14:16], 0)
	raw := newMemConn(hdr)
	conn, err := readProxyHeader(raw)
	if err != nil {
		t.Fatalf("readProxyHeader: %v", err)
	}
	if conn.RemoteAddr().String() != raw.remote.String() {
		t.Fatalf("LOCAL command should keep the real remote addr, got %v", conn.RemoteAddr())
	}
}

func TestReadProxyHeaderInvalid(t *testing.T) {
	raw := newMemConn([]byte("GET / HTTP/1.1\r\n"))
	if _, err := readProxyHeader(raw); err == nil {
		t.Fatalf("expected error for non-PROXY input")
	}
}
