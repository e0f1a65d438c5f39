package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgnsrekt/chatsync/internal/token"
)

var (
	errTokenMalformed = errors.New("token malformed")
	errTokenSignature = errors.New("token signature invalid")
	errTokenExpired   = errors.New("token expired")
	errTokenUser      = errors.New("token issued for another user")
)

// Issuer signs tokens of the form user.expiry.signature.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a token for userID valid for the configured TTL.
func (i *Issuer) Issue(userID string) token.Token {
	exp := i.now().Add(i.ttl).Truncate(time.Second)
	payload := base64.RawURLEncoding.EncodeToString([]byte(userID)) + "." + strconv.FormatInt(exp.Unix(), 10)
	return token.Token{
		Value:     payload + "." + i.sign(payload),
		UserID:    userID,
		ExpiresAt: exp.UTC(),
	}
}

// Verify checks value was issued by i for userID and has not expired.
func (i *Issuer) Verify(userID, value string) error {
	parts := strings.Split(value, ".")
	if len(parts) != 3 {
		return errTokenMalformed
	}
	payload := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(parts[2]), []byte(i.sign(payload))) {
		return errTokenSignature
	}

	user, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("%w: %v", errTokenMalformed, err)
	}
	if string(user) != userID {
		return errTokenUser
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", errTokenMalformed, err)
	}
	if !i.now().Before(time.Unix(exp, 0)) {
		return errTokenExpired
	}
	return nil
}

func (i *Issuer) sign(payload string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
