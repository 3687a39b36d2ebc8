package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Request signing headers.
const (
	HeaderTimestamp = "X-Chainbot-Timestamp"
	HeaderSignature = "X-Chainbot-Signature"
)

// ErrBadSignature is returned by RequestSigner.Verify.
var ErrBadSignature = errors.New("crypto: bad request signature")

// RequestSigner signs and verifies API requests with HMAC-SHA256 over
// timestamp+method+path+body, base64 encoded.
type RequestSigner struct {
	Secret string
	// MaxSkew bounds the accepted clock difference. Defaults to 5 minutes.
	MaxSkew time.Duration
}

// Headers returns the signing headers for a request made now.
func (s *RequestSigner) Headers(method, path, body string) map[string]string {
	return s.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp
// (useful for deterministic testing).
func (s *RequestSigner) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64([]byte(s.Secret), ts+method+path+body),
	}
}

// Verify checks a signature produced by Headers against now.
func (s *RequestSigner) Verify(method, path, body, timestamp, signature string, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", ErrBadSignature, timestamp)
	}
	skew := s.MaxSkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	if d := now.Sub(time.Unix(ts, 0)); d > skew || d < -skew {
		return fmt.Errorf("%w: timestamp outside %s window", ErrBadSignature, skew)
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write([]byte(timestamp + method + path + body))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// String returns a redacted representation suitable for logging.
func (s *RequestSigner) String() string {
	secret := "****"
	if len(s.Secret) > 4 {
		secret = s.Secret[:4] + "****"
	}
	return fmt.Sprintf("RequestSigner{secret=%s}", secret)
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
