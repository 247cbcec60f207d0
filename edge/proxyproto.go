package edge

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// ErrInvalidProxyHeader is returned when the bytes at the start of a
// connection don't form a valid PROXY protocol v1 or v2 header.
var ErrInvalidProxyHeader = errors.New("edge: invalid PROXY protocol header")

var proxyV2Signature = []byte("\r\n\r\n\x00\r\nQUIT\n")

// proxyConn overrides RemoteAddr with the address recovered from a PROXY
// protocol header. Reads and writes continue against the wrapped Conn,
// whose buffered reader has already consumed the header bytes.
type proxyConn struct {
	net.Conn
	remote net.Addr
}

func (c *proxyConn) RemoteAddr() net.Addr { return c.remote }

// bufferedConn lets a bufio.Reader that has peeked past the handed-off
// point keep serving Read calls, while everything else (Write, Close,
// deadlines) goes straight to the underlying Conn. Mirrors smtpserver's own
// prefixConn, used there to replay bytes buffered across STARTTLS.
type bufferedConn struct {
	br *bufio.Reader
	net.Conn
}

func (c *bufferedConn) Read(b []byte) (int, error) { return c.br.Read(b) }

// readProxyHeader detects and parses a PROXY protocol v1 (ASCII) or v2
// (binary) header at the start of conn, auto-detected from its first 8
// bytes (grounded on original_source/slimta/util/proxyproto.py's
// ProxyProtocol.handle), and returns a Conn with RemoteAddr overridden to
// carry the address the header describes.
//
// A "LOCAL" (v2) or "UNKNOWN" (v1) header, used by load balancers for
// health checks, carries no usable client address; the connection's own
// address is kept and the session proceeds normally rather than being
// dropped, since nothing downstream distinguishes a health check from a
// real session.
func readProxyHeader(conn net.Conn) (net.Conn, error) {
	br := bufio.NewReaderSize(conn, 256)
	sig, err := br.Peek(8)
	if err != nil {
		return nil, fmt.Errorf("%w: reading signature: %v", ErrInvalidProxyHeader, err)
	}

	var addr net.Addr
	switch {
	case string(sig[:6]) == "PROXY ":
		addr, err = parseProxyV1(br, conn)
	case string(sig) == string(proxyV2Signature[:8]):
		addr, err = parseProxyV2(br, conn)
	default:
		return nil, fmt.Errorf("%w: unrecognized signature", ErrInvalidProxyHeader)
	}
	if err != nil {
		return nil, err
	}
	return &proxyConn{Conn: &bufferedConn{br: br, Conn: conn}, remote: addr}, nil
}

// maxProxyV1Line is the largest a v1 header line may be (RFC: 107 bytes
// including the trailing CRLF, for a TCP6 address pair).
const maxProxyV1Line = 107

func parseProxyV1(br *bufio.Reader, conn net.Conn) (net.Addr, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: reading v1 header: %v", ErrInvalidProxyHeader, err)
	}
	if len(line) > maxProxyV1Line || !strings.HasSuffix(line, "\r\n") {
		return nil, fmt.Errorf("%w: v1 header malformed", ErrInvalidProxyHeader)
	}
	fields := strings.Split(strings.TrimSuffix(line, "\r\n"), " ")
	if len(fields) < 2 || fields[0] != "PROXY" {
		return nil, fmt.Errorf("%w: v1 header malformed", ErrInvalidProxyHeader)
	}
	if fields[1] == "UNKNOWN" {
		return conn.RemoteAddr(), nil
	}
	if fields[1] != "TCP4" && fields[1] != "TCP6" {
		return nil, fmt.Errorf("%w: v1 unknown protocol %q", ErrInvalidProxyHeader, fields[1])
	}
	if len(fields) != 6 {
		return nil, fmt.Errorf("%w: v1 header field count", ErrInvalidProxyHeader)
	}
	srcIP := net.ParseIP(fields[2])
	if srcIP == nil {
		return nil, fmt.Errorf("%w: v1 invalid source ip %q", ErrInvalidProxyHeader, fields[2])
	}
	srcPort, err := strconv.Atoi(fields[4])
	if err != nil || srcPort < 0 || srcPort > 65535 {
		return nil, fmt.Errorf("%w: v1 invalid source port %q", ErrInvalidProxyHeader, fields[4])
	}
	return &net.TCPAddr{IP: srcIP, Port: srcPort}, nil
}

// v2 command nibble values (low 4 bits of byte 12).
const (
	proxyV2CommandLocal = 0x0
	proxyV2CommandProxy = 0x1
)

// v2 address family (high 4 bits of byte 13).
const (
	proxyV2FamilyInet  = 0x10
	proxyV2FamilyInet6 = 0x20
)

func parseProxyV2(br *bufio.Reader, conn net.Conn) (net.Addr, error) {
	hdr := make([]byte, 16)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, fmt.Errorf("%w: reading v2 header: %v", ErrInvalidProxyHeader, err)
	}
	if string(hdr[:12]) != string(proxyV2Signature) {
		return nil, fmt.Errorf("%w: v2 signature mismatch", ErrInvalidProxyHeader)
	}
	if hdr[12]&0xf0 != 0x20 {
		return nil, fmt.Errorf("%w: v2 unsupported version", ErrInvalidProxyHeader)
	}
	command := hdr[12] & 0x0f
	family := hdr[13] & 0xf0
	addrLen := binary.BigEndian.Uint16(hdr[14:16])

	addrData := make([]byte, addrLen)
	if _, err := io.ReadFull(br, addrData); err != nil {
		return nil, fmt.Errorf("%w: reading v2 address block: %v", ErrInvalidProxyHeader, err)
	}

	if command == proxyV2CommandLocal {
		return conn.RemoteAddr(), nil
	}
	if command != proxyV2CommandProxy {
		return nil, fmt.Errorf("%w: v2 unknown command %#x", ErrInvalidProxyHeader, command)
	}

	switch family {
	case proxyV2FamilyInet:
		if len(addrData) < 12 {
			return nil, fmt.Errorf("%w: v2 ipv4 address block too short", ErrInvalidProxyHeader)
		}
		srcIP := net.IP(addrData[0:4])
		srcPort := binary.BigEndian.Uint16(addrData[8:10])
		return &net.TCPAddr{IP: srcIP, Port: int(srcPort)}, nil
	case proxyV2FamilyInet6:
		if len(addrData) < 36 {
			return nil, fmt.Errorf("%w: v2 ipv6 address block too short", ErrInvalidProxyHeader)
		}
		srcIP := net.IP(addrData[0:16])
		srcPort := binary.BigEndian.Uint16(addrData[32:34])
		return &net.TCPAddr{IP: srcIP, Port: int(srcPort)}, nil
	default:
		// AF_UNSPEC or AF_UNIX: no usable IP, keep the connection's own address.
		return conn.RemoteAddr(), nil
	}
}
