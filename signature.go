package inngestgo

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"
)

// signatureClockSkew is the maximum allowed drift between the timestamp
// embedded in a signature and the current time.
const signatureClockSkew = 5 * time.Minute

var signingKeyRe = regexp.MustCompile(`^signkey-([a-zA-Z0-9]+)-(.+)$`)

// decodeSigningKey strips the "signkey-<env>-" prefix (if present) from a
// signing key and hex-decodes the remaining secret into raw bytes, which are
// the actual HMAC key.
func decodeSigningKey(key []byte) ([]byte, error) {
	s := string(key)
	if m := signingKeyRe.FindStringSubmatch(s); m != nil {
		s = m[2]
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return decoded, nil
}

// hashedSigningKey returns the one-way hash of a signing key used when
// authenticating outbound requests to the platform: the platform stores
// only this hash, never the raw key.
func hashedSigningKey(key []byte) ([]byte, error) {
	s := string(key)
	env := ""
	secretHex := s
	if m := signingKeyRe.FindStringSubmatch(s); m != nil {
		env = m[1]
		secretHex = m[2]
	}

	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}

	sum := sha256.Sum256(secret)
	hashHex := hex.EncodeToString(sum[:])
	if env == "" {
		return []byte(hashHex), nil
	}
	return []byte(fmt.Sprintf("signkey-%s-%s", env, hashHex)), nil
}

// sign computes the raw HMAC-SHA256 digest of "<unix-ts>.<body>" using key,
// returning it alongside the timestamp it was computed against.
func sign(at time.Time, key, body []byte) (string, error) {
	decoded, err := decodeSigningKey(key)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, decoded)
	mac.Write([]byte(fmt.Sprintf("%d.", at.Unix())))
	mac.Write(body)
	return fmt.Sprintf("t=%d&s=%x", at.Unix(), mac.Sum(nil)), nil
}

// Sign produces a request signature for body, signed with key. The body is
// canonicalized with JCS first so that semantically-identical JSON produced
// by different SDKs (differing whitespace, key order) signs identically.
func Sign(ctx context.Context, at time.Time, key []byte, body []byte) (string, error) {
	canonical, err := jcs.Transform(body)
	if err != nil {
		// Not valid JSON (or not an object/array); sign the raw bytes.
		canonical = body
	}
	return sign(at, key, canonical)
}

// signWithoutJCS signs body as-is, other than trimming trailing whitespace.
// It's used for response signatures, where the body may have been produced
// by an encoder that appends a trailing newline.
func signWithoutJCS(at time.Time, key, body []byte) (string, error) {
	trimmed := bytes.TrimRight(body, " \t\r\n")
	return sign(at, key, trimmed)
}

func parseSignature(sig string) (ts int64, mac string, err error) {
	vals, _ := url.ParseQuery(sig)
	macStr := vals.Get("s")
	if macStr == "" {
		return 0, "", fmt.Errorf("invalid signature")
	}
	ts, err = strconv.ParseInt(vals.Get("t"), 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid timestamp")
	}
	return ts, macStr, nil
}

// ValidateRequestSignature validates an inbound request's signature header
// against key, falling back to fallbackKey if provided and the first check
// fails. In dev mode, signatures aren't required and validation is skipped.
func ValidateRequestSignature(
	ctx context.Context,
	sig string,
	key string,
	fallbackKey string,
	body []byte,
	isDev bool,
) (bool, string, error) {
	if isDev {
		return true, "", nil
	}

	ts, mac, err := parseSignature(sig)
	if err != nil {
		return false, "", err
	}

	at := time.Unix(ts, 0)
	if time.Since(at).Abs() > signatureClockSkew {
		return false, "", fmt.Errorf("expired signature")
	}

	for _, k := range []string{key, fallbackKey} {
		if k == "" {
			continue
		}
		expected, err := Sign(ctx, at, []byte(k), body)
		if err != nil {
			continue
		}
		_, expectedMac, err := parseSignature(expected)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(expectedMac), []byte(mac)) == 1 {
			return true, k, nil
		}
	}

	return false, "", fmt.Errorf("invalid signature")
}

// ValidateResponseSignature validates a signature produced by signWithoutJCS,
// as found on responses from user functions proxied through a platform
// compatible with the response-signing protocol.
func ValidateResponseSignature(ctx context.Context, sig string, key []byte, body []byte) (bool, error) {
	ts, mac, err := parseSignature(sig)
	if err != nil {
		return false, err
	}

	expected, err := signWithoutJCS(time.Unix(ts, 0), key, body)
	if err != nil {
		return false, err
	}
	_, expectedMac, err := parseSignature(expected)
	if err != nil {
		return false, err
	}

	if subtle.ConstantTimeCompare([]byte(expectedMac), []byte(mac)) != 1 {
		return false, fmt.Errorf("invalid signature")
	}
	return true, nil
}
