package inngestgo

import (
	"fmt"
	"net/http"
	"os"
)

const (
	HeaderKeyAuthorization      = "Authorization"
	HeaderKeyContentType        = "Content-Type"
	HeaderKeyEnv                = "X-Inngest-Env"
	HeaderKeyExpectedServerKind = "X-Inngest-Expected-Server-Kind"
	HeaderKeyNoRetry            = "X-Inngest-No-Retry"
	HeaderKeyRetryAfter         = "X-Inngest-Retry-After"
	HeaderKeyServerKind         = "X-Inngest-Server-Kind"
	HeaderKeySdk                = "X-Inngest-Sdk"
	HeaderKeySignature          = "X-Inngest-Signature"
	HeaderKeyUserAgent          = "User-Agent"

	HeaderValueSDK = "inngest-go:" + SDKVersion
)

// SetBasicRequestHeaders sets the headers that every outgoing request to
// the platform should carry.
func SetBasicRequestHeaders(req *http.Request) {
	req.Header.Set(HeaderKeyContentType, "application/json")
	req.Header.Set(HeaderKeyUserAgent, HeaderValueSDK)
	req.Header.Set(HeaderKeySdk, HeaderValueSDK)
}

// SetBasicResponseHeaders sets the headers that every response the handler
// writes should carry.
func SetBasicResponseHeaders(w http.ResponseWriter) {
	w.Header().Set(HeaderKeyContentType, "application/json")
	w.Header().Set(HeaderKeySdk, HeaderValueSDK)
}

// platform identifies the hosting platform this SDK is running on, inferred
// from well-known environment variables set by common platforms. This is
// reported at registration time purely for diagnostics.
func platform() string {
	switch {
	case os.Getenv("VERCEL") != "":
		return "vercel"
	case os.Getenv("NETLIFY") != "":
		return "netlify"
	case os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "":
		return "aws-lambda"
	case os.Getenv("K_SERVICE") != "":
		return "cloudrun"
	default:
		return ""
	}
}

// fetchWithAuthFallback performs the request built by createRequest, signing
// it with signingKey. If the response is a 401 and a fallback key is
// available, it rebuilds and retries the request signed with that key.
func fetchWithAuthFallback(
	createRequest func() (*http.Request, error),
	signingKey string,
	signingKeyFallback string,
) (*http.Response, error) {
	do := func(key string) (*http.Response, error) {
		req, err := createRequest()
		if err != nil {
			return nil, err
		}
		if key != "" {
			hashed, err := hashedSigningKey([]byte(key))
			if err != nil {
				return nil, fmt.Errorf("error hashing signing key: %w", err)
			}
			req.Header.Set(HeaderKeyAuthorization, "Bearer "+string(hashed))
		}
		return http.DefaultClient.Do(req)
	}

	resp, err := do(signingKey)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && signingKeyFallback != "" {
		_ = resp.Body.Close()
		return do(signingKeyFallback)
	}

	return resp, nil
}
