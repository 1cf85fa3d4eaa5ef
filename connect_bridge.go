package inngestgo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// connectPlaceholderURL stands in for a served URL in the register payload
// sent over a connect session: the gateway dispatches invokes by function ID
// over the open connection, so there's no real HTTP endpoint to report.
const connectPlaceholderURL = "ws://connect"

// ConnectConfig is the handshake payload the connect package needs in order
// to establish a gateway connection: the hashed signing key used to
// authenticate, and the serialized function set the gateway should route
// requests for.
type ConnectConfig struct {
	HashedSigningKey []byte
	AppName          string
	Env              string
	Functions        json.RawMessage
}

// ConnectConfig builds the handshake payload for a connect session. It
// fails if no signing key is configured, since connect sessions (unlike
// HTTP serving) always authenticate as the worker, never the platform.
func (c *apiClient) ConnectConfig() (ConnectConfig, error) {
	signingKey := c.signingKey()
	if signingKey == "" {
		return ConnectConfig{}, fmt.Errorf("must provide a signing key to use connect")
	}

	hashed, err := hashedSigningKey([]byte(signingKey))
	if err != nil {
		return ConnectConfig{}, fmt.Errorf("could not hash signing key: %w", err)
	}

	req := buildRegisterRequest(c, c.functions(), connectPlaceholderURL, func(string) string {
		return connectPlaceholderURL
	})
	fns, err := json.Marshal(req.Functions)
	if err != nil {
		return ConnectConfig{}, fmt.Errorf("could not serialize functions: %w", err)
	}

	return ConnectConfig{
		HashedSigningKey: hashed,
		AppName:          c.AppID(),
		Env:              c.env(),
		Functions:        fns,
	}, nil
}

// ConnectSync registers this client's functions with the platform the same
// way the HTTP register handler does, but reporting the connect placeholder
// URL and the connect capability instead of a reachable serve endpoint. The
// connect transport calls this in response to a GATEWAY_SYNC message; it is
// not called on initial connect.
func (c *apiClient) ConnectSync(ctx context.Context, deployID *string) error {
	req := buildRegisterRequest(c, c.functions(), connectPlaceholderURL, func(string) string {
		return connectPlaceholderURL
	})
	req.Capabilities.Connect = true
	req.UseConnect = true

	registerURL := fmt.Sprintf("%s/fn/register", c.apiBaseURL())

	createRequest := func() (*http.Request, error) {
		byt, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("error marshalling function config: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, registerURL, bytes.NewReader(byt))
		if err != nil {
			return nil, fmt.Errorf("error creating register request: %w", err)
		}
		if deployID != nil {
			q := httpReq.URL.Query()
			q.Set("deployId", *deployID)
			httpReq.URL.RawQuery = q.Encode()
		}
		if c.env() != "" {
			httpReq.Header.Add(HeaderKeyEnv, c.env())
		}
		SetBasicRequestHeaders(httpReq)
		return httpReq, nil
	}

	resp, err := fetchWithAuthFallback(createRequest, c.signingKey(), c.signingKeyFallback())
	if err != nil {
		return fmt.Errorf("error performing connect registration request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode > 299 {
		byt, _ := io.ReadAll(resp.Body)
		var body map[string]any
		if err := json.Unmarshal(byt, &body); err != nil {
			return fmt.Errorf("error reading register response: %w\n\n%s", err, byt)
		}
		return fmt.Errorf("error registering functions: %v", body["error"])
	}
	return nil
}

// IsDevMode reports whether this client is configured to talk to a local
// Dev Server, exported for the connect package's gateway-URL selection.
func (c *apiClient) IsDevMode() bool { return c.isDev() }
