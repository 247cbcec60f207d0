package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewCRAMMD5Challenge returns a fresh server challenge of the
// "<random.timestamp@hostname>" shape RFC 2195 requires.
func NewCRAMMD5Challenge(hostname string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("<%s.%d@%s>", hex.EncodeToString(buf), time.Now().UnixNano(), hostname), nil
}

// cramMD5Response returns the "username hexdigest" response a client sends
// for the given challenge, or "" if the challenge is malformed.
func cramMD5Response(username, password string, challenge []byte) string {
	if !cramMD5ValidChallenge(challenge) {
		return ""
	}
	return fmt.Sprintf("%s %s", username, cramMD5Digest(password, challenge))
}

func cramMD5Digest(password string, challenge []byte) string {
	mac := hmac.New(md5.New, []byte(password))
	mac.Write(challenge)
	return hex.EncodeToString(mac.Sum(nil))
}

func cramMD5ValidChallenge(challenge []byte) bool {
	s := string(challenge)
	if len(s) < 2 || s[0] != '<' || s[len(s)-1] != '>' {
		return false
	}
	return true
}
