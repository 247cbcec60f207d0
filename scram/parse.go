package scram

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// scanner reads the comma-separated attribute-value grammar shared by all
// four SCRAM messages (RFC 5802 §7). Every method returns a plain error
// instead of panicking; callers check err after each step and bail out,
// the same explicit-control-flow style used throughout this module rather
// than a parse-time panic/recover.
type scanner struct {
	s     string // Original casing.
	lower string // Lower-cased, for case-insensitive keyword matching; same length/offsets as s.
	o     int    // Byte offset into s/lower.
}

func newScanner(buf []byte) *scanner {
	s := string(buf)
	return &scanner{s, asciiLower(s), 0}
}

// asciiLower lower-cases only A-Z. strings.ToLower operates rune-wise and
// can change a string's byte length on non-ASCII input, which would break
// the invariant that an offset into s and into lower address the same byte.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 0x20
		}
	}
	return string(b)
}

func (sc *scanner) remaining() bool {
	return sc.o < len(sc.s)
}

func (sc *scanner) peek(s string) bool {
	return strings.HasPrefix(sc.lower[sc.o:], s)
}

// take consumes s if it's next, reporting whether it did.
func (sc *scanner) take(s string) bool {
	if sc.peek(s) {
		sc.o += len(s)
		return true
	}
	return false
}

// expect consumes s or returns a descriptive error.
func (sc *scanner) expect(s string) error {
	if !sc.take(s) {
		return fmt.Errorf("expected %q at offset %d", s, sc.o)
	}
	return nil
}

func (sc *scanner) byte() (byte, error) {
	if !sc.remaining() {
		return 0, fmt.Errorf("unexpected end of message")
	}
	c := sc.lower[sc.o]
	sc.o++
	return c, nil
}

// end reports an error if any input is left unconsumed.
func (sc *scanner) end() error {
	if sc.o != len(sc.s) {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

// authzid reads an "a=" authorization identity attribute.
func (sc *scanner) authzid() (string, error) {
	if err := sc.expect("a="); err != nil {
		return "", err
	}
	return sc.saslname()
}

// username reads an "n=" username attribute.
func (sc *scanner) username() (string, error) {
	if err := sc.expect("n="); err != nil {
		return "", err
	}
	return sc.saslname()
}

// nonce reads an "r=" nonce attribute. Unlike saslname, a nonce is not
// comma-escaped: it's simply restricted to printable, non-comma ASCII.
func (sc *scanner) nonce() (string, error) {
	if err := sc.expect("r="); err != nil {
		return "", err
	}
	start := sc.o
	for sc.o < len(sc.s) {
		c := sc.s[sc.o]
		if c <= ' ' || c >= 0x7f || c == ',' {
			break
		}
		sc.o++
	}
	if sc.o == start {
		return "", fmt.Errorf("empty nonce")
	}
	return sc.s[start:sc.o], nil
}

// skipAttr consumes one unrecognized "letter=value" extension attribute,
// per RFC 5802's "attr-val" production, discarding it.
func (sc *scanner) skipAttr() error {
	c, err := sc.byte()
	if err != nil {
		return err
	}
	if !(c >= 'a' && c <= 'z') {
		return fmt.Errorf("expected a letter to start an extension attribute")
	}
	if err := sc.expect("="); err != nil {
		return err
	}
	_, err = sc.value()
	return err
}

// value reads a "value" production: any bytes up to the next comma or NUL.
func (sc *scanner) value() (string, error) {
	for i, c := range sc.s[sc.o:] {
		if c == 0 || c == ',' {
			if i == 0 {
				return "", fmt.Errorf("empty value")
			}
			v := sc.s[sc.o : sc.o+i]
			sc.o += i
			return v, nil
		}
	}
	if !sc.remaining() {
		return "", fmt.Errorf("unexpected end of message")
	}
	v := sc.s[sc.o:]
	sc.o = len(sc.s)
	return v, nil
}

func (sc *scanner) base64Bytes() ([]byte, error) {
	start := sc.o
	for sc.o < len(sc.s) {
		c := sc.s[sc.o]
		isB64 := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '/' || c == '+' || c == '='
		if !isB64 {
			break
		}
		sc.o++
	}
	buf, err := base64.StdEncoding.DecodeString(sc.s[start:sc.o])
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	return buf, nil
}

// saslname reads a "saslname" production: a comma/equals-escaped name
// ("=2C" for a literal comma, "=3D" for a literal equals).
func (sc *scanner) saslname() (string, error) {
	var out strings.Builder
	for sc.remaining() {
		c := sc.s[sc.o]
		if c == 0 || c == ',' {
			break
		}
		if c == '=' {
			if sc.o+3 > len(sc.s) {
				return "", fmt.Errorf("truncated escape in saslname")
			}
			switch sc.s[sc.o+1 : sc.o+3] {
			case "2C", "2c":
				out.WriteByte(',')
			case "3D", "3d":
				out.WriteByte('=')
			default:
				return "", fmt.Errorf("bad escape %q in saslname", sc.s[sc.o:sc.o+3])
			}
			sc.o += 3
			continue
		}
		out.WriteByte(c)
		sc.o++
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("saslname cannot be empty")
	}
	return out.String(), nil
}

// cbname reads a channel-binding name per RFC 5802's cb-name production:
// 1*(ALPHA / DIGIT / "." / "-"), e.g. "tls-unique" or "tls-exporter".
func (sc *scanner) cbname() (string, error) {
	start := sc.o
	for sc.o < len(sc.s) {
		c := sc.s[sc.o]
		isCBChar := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '-'
		if !isCBChar {
			break
		}
		sc.o++
	}
	if sc.o == start {
		return "", fmt.Errorf("empty channel binding name")
	}
	return sc.s[start:sc.o], nil
}

func (sc *scanner) channelBindingAttr() ([]byte, error) {
	if err := sc.expect("c="); err != nil {
		return nil, err
	}
	return sc.base64Bytes()
}

func (sc *scanner) proofAttr() ([]byte, error) {
	if err := sc.expect("p="); err != nil {
		return nil, err
	}
	return sc.base64Bytes()
}

func (sc *scanner) saltAttr() ([]byte, error) {
	if err := sc.expect("s="); err != nil {
		return nil, err
	}
	return sc.base64Bytes()
}

// iterationsAttr reads an "i=" attribute: a positive decimal integer with
// no leading zero.
func (sc *scanner) iterationsAttr() (int, error) {
	if err := sc.expect("i="); err != nil {
		return 0, err
	}
	start := sc.o
	for sc.o < len(sc.s) {
		c := sc.s[sc.o]
		isDigit := c >= '1' && c <= '9' || (sc.o > start && c == '0')
		if !isDigit {
			break
		}
		sc.o++
	}
	if sc.o == start {
		return 0, fmt.Errorf("expected an iteration count")
	}
	v, err := strconv.ParseInt(sc.s[start:sc.o], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing iteration count: %w", err)
	}
	return int(v), nil
}
