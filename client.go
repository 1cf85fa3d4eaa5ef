package inngestgo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/inngest/sdk-go/experimental"
	"github.com/inngest/sdk-go/internal/checkpoint"
	"github.com/inngest/sdk-go/internal/event"
	"github.com/inngest/sdk-go/internal/middleware"
	"github.com/inngest/sdk-go/internal/sdkrequest"
)

// eventsWithIDs converts evts to the wire event.Event shape, assigning each
// one a client-generated ULID when it doesn't already carry an ID.
// Generating IDs up front (rather than per HTTP attempt) means a retried
// send reuses the exact same IDs, and gives middleware a stable ID to
// inspect in TransformEvent.
func eventsWithIDs(evts []any) ([]event.Event, error) {
	out := make([]event.Event, len(evts))
	for i, evt := range evts {
		byt, err := json.Marshal(evt)
		if err != nil {
			return nil, err
		}
		var e event.Event
		if err := json.Unmarshal(byt, &e); err != nil {
			return nil, err
		}
		if e.ID == nil || *e.ID == "" {
			id := ulid.Make().String()
			e.ID = &id
		}
		out[i] = e
	}
	return out, nil
}

// ClientOpts configures a Client.
type ClientOpts struct {
	// AppID uniquely identifies this application within your Inngest
	// account. It's combined with each function's ID to form the fully
	// qualified function ID used by step.Invoke and the UI.
	AppID string

	// EventKey authenticates outgoing event sends. If nil, this defaults to
	// os.Getenv("INNGEST_EVENT_KEY").
	EventKey *string

	// SigningKey authenticates incoming requests from, and outgoing
	// requests to, the platform. If nil, this defaults to
	// os.Getenv("INNGEST_SIGNING_KEY").
	SigningKey *string

	// SigningKeyFallback is retried when SigningKey fails authentication,
	// allowing for zero-downtime key rotation. If nil, this defaults to
	// os.Getenv("INNGEST_SIGNING_KEY_FALLBACK").
	SigningKeyFallback *string

	// Env is the branch environment to deploy to. If nil, this defaults to
	// os.Getenv("INNGEST_ENV"). Only meaningful with a branch signing key.
	Env *string

	// APIBaseURL overrides the base URL used for registration and
	// checkpointing requests. If nil, this defaults to
	// os.Getenv("INNGEST_BASE_URL"), then the Dev Server in dev mode, then
	// the production API.
	APIBaseURL *string

	// EventURL overrides the base URL used for sending events. If nil,
	// this defaults to os.Getenv("INNGEST_EVENT_API_BASE_URL"), then the
	// Dev Server in dev mode, then the production event API.
	EventURL *string

	// Dev forces dev mode (talking to a local Dev Server) regardless of
	// INNGEST_DEV. If nil, INNGEST_DEV is consulted instead.
	Dev *bool

	// Logger receives structured logs emitted while serving functions. If
	// nil, slog.Default() is used.
	Logger *slog.Logger

	// Middleware is a set of factories, one call per incoming request, used
	// to build the middleware chain that wraps every function invocation.
	Middleware []func() experimental.Middleware

	// Checkpointing, if set, opts every function invocation into
	// checkpointing mode (spec §4.4.2): a fresh `run` step's result is
	// posted to the platform out-of-band instead of interrupting the
	// handler, letting execution continue locally. Nil disables it, which
	// is the default and safest behaviour.
	Checkpointing *checkpoint.Config
}

// Client registers functions and sends events to Inngest.
type Client interface {
	// AppID returns the app ID this client was configured with.
	AppID() string

	// Send sends a single event, returning its assigned ID.
	Send(ctx context.Context, evt any) (string, error)

	// SendMany sends a batch of events, returning their assigned IDs in the
	// same order.
	SendMany(ctx context.Context, evts []any) ([]string, error)

	// Serve returns an http.Handler that serves every function registered
	// against this client via CreateFunction.
	Serve() http.Handler

	// ServeWithOpts is like Serve, but allows overriding how the served URL
	// is reported back to the platform at registration time.
	ServeWithOpts(opts ServeOpts) http.Handler

	addFunction(sf ServableFunction)
}

// ServeOpts overrides the URL reported to the platform when syncing, useful
// behind a proxy or load balancer that the SDK can't see.
type ServeOpts struct {
	Origin *string
	Path   *string

	// UseStreaming keeps the invoke HTTP connection open with periodic
	// whitespace while a function runs, then emits a single
	// {status, body} envelope at the end. Some platforms require this to
	// avoid idle-connection timeouts on long-running synchronous functions.
	UseStreaming bool
}

// DefaultClient is a package-level slot for an application's client. Nothing
// in this package reads it; applications assign it at startup.
var DefaultClient Client

// apiClient is the default Client implementation.
type apiClient struct {
	ClientOpts

	mu    sync.RWMutex
	funcs []ServableFunction

	// mw backs client-scoped middleware hooks (OnRegister, TransformEvent,
	// WrapSendEvent) that aren't tied to a single incoming request. Each
	// invoke still builds its own short-lived manager for the per-request
	// lifecycle hooks.
	mw *middleware.MiddlewareManager
}

// NewClient creates a Client from the given options.
func NewClient(opts ClientOpts) (Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	mw := middleware.NewMiddlewareManager(opts.Middleware, opts.Logger)
	mw.OnRegister(experimental.ClientInfo{AppID: opts.AppID})
	return &apiClient{ClientOpts: opts, mw: mw}, nil
}

func (c *apiClient) AppID() string { return c.ClientOpts.AppID }

func (c *apiClient) addFunction(sf ServableFunction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, f := range c.funcs {
		if f.Slug() == sf.Slug() {
			c.funcs[i] = sf
			return
		}
	}
	c.funcs = append(c.funcs, sf)
}

func (c *apiClient) functions() []ServableFunction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ServableFunction, len(c.funcs))
	copy(out, c.funcs)
	return out
}

// isDev reports whether this client is configured to talk to a local Dev
// Server, via the Dev option or the INNGEST_DEV env var.
func (c *apiClient) isDev() bool {
	if c.ClientOpts.Dev != nil {
		return *c.ClientOpts.Dev
	}
	return IsDev()
}

// GetEventKey returns the event key used to authenticate Send calls: the
// configured field, then the env var, then (in dev mode only) a sentinel
// value accepted by the Dev Server.
func (c *apiClient) GetEventKey() string {
	if c.ClientOpts.EventKey != nil {
		return *c.ClientOpts.EventKey
	}
	if v := os.Getenv("INNGEST_EVENT_KEY"); v != "" {
		return v
	}
	if c.isDev() {
		return "NO_EVENT_KEY_SET"
	}
	return ""
}

func (c *apiClient) signingKey() string {
	if c.ClientOpts.SigningKey != nil {
		return *c.ClientOpts.SigningKey
	}
	return os.Getenv("INNGEST_SIGNING_KEY")
}

func (c *apiClient) signingKeyFallback() string {
	if c.ClientOpts.SigningKeyFallback != nil {
		return *c.ClientOpts.SigningKeyFallback
	}
	return os.Getenv("INNGEST_SIGNING_KEY_FALLBACK")
}

func (c *apiClient) env() string {
	if c.ClientOpts.Env != nil {
		return *c.ClientOpts.Env
	}
	return os.Getenv("INNGEST_ENV")
}

// apiBaseURL returns the base URL used to reach the platform's REST API
// (registration, checkpointing), honoring APIBaseURL, INNGEST_BASE_URL, dev
// mode, then production.
func (c *apiClient) apiBaseURL() string {
	if c.ClientOpts.APIBaseURL != nil {
		return *c.ClientOpts.APIBaseURL
	}
	if v := os.Getenv("INNGEST_BASE_URL"); v != "" {
		return v
	}
	if c.isDev() {
		return DevServerURL()
	}
	return defaultAPIOrigin
}

// eventBaseURL returns the base URL used to send events.
func (c *apiClient) eventBaseURL() string {
	if c.ClientOpts.EventURL != nil {
		return *c.ClientOpts.EventURL
	}
	if v := os.Getenv("INNGEST_EVENT_API_BASE_URL"); v != "" {
		return v
	}
	if c.isDev() {
		return DevServerURL()
	}
	return defaultEventAPIOrigin
}

// newCheckpointer builds a Checkpointer scoped to req, or nil if
// checkpointing mode isn't configured. The fn ID and queue item reference
// carried on the wire request's call context are reused as the
// checkpointer's correlation identifiers.
func (c *apiClient) newCheckpointer(req *sdkrequest.Request) checkpoint.Checkpointer {
	if c.ClientOpts.Checkpointing == nil {
		return nil
	}
	fnID, _ := uuid.Parse(req.CallCtx.FunctionID)
	return checkpoint.New(checkpoint.Opts{
		Config:             *c.ClientOpts.Checkpointing,
		SigningKey:         c.signingKey(),
		SigningKeyFallback: c.signingKeyFallback(),
		APIBaseURL:         c.apiBaseURL(),
		RunID:              req.CallCtx.RunID,
		FnID:               fnID,
		QueueItemRef:       req.CallCtx.StepID,
	})
}

func (c *apiClient) logger() *slog.Logger {
	if c.ClientOpts.Logger != nil {
		return c.ClientOpts.Logger
	}
	return slog.Default()
}

// Send sends a single event and returns its ID.
func (c *apiClient) Send(ctx context.Context, evt any) (string, error) {
	ids, err := c.SendMany(ctx, []any{evt})
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("no event ID returned")
	}
	return ids[0], nil
}

// SendMany sends a batch of events and returns their IDs, in order. Each
// event is assigned a client-generated ID up front (unless it already has
// one); the same marshalled payload, IDs included, is reused across retry
// attempts so a retried send never produces duplicate events under
// different IDs.
func (c *apiClient) SendMany(ctx context.Context, evts []any) ([]string, error) {
	if len(evts) == 0 {
		return []string{}, nil
	}

	for _, evt := range evts {
		if err := validateEventData(evt); err != nil {
			return nil, err
		}
	}

	eventKey := c.GetEventKey()
	if eventKey == "" && !c.isDev() {
		return nil, fmt.Errorf("Failed to send event: no event key configured")
	}

	events, err := eventsWithIDs(evts)
	if err != nil {
		return nil, fmt.Errorf("error marshalling events: %w", err)
	}
	events = c.mw.TransformEvent(events)

	byt, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("error marshalling events: %w", err)
	}

	url := fmt.Sprintf("%s/e/%s", c.eventBaseURL(), eventKey)

	var body []byte
	var statusCode int

	err = c.mw.WrapSendEvent(func() error {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxElapsedTime = 5 * time.Second
		boCtx := backoff.WithContext(b, ctx)

		return backoff.Retry(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(byt))
			if err != nil {
				return backoff.Permanent(fmt.Errorf("error creating send request: %w", err))
			}
			SetBasicRequestHeaders(req)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("error sending event: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()

			statusCode = resp.StatusCode
			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("error reading send response: %w", err)
			}

			if statusCode >= 500 {
				return fmt.Errorf("error sending event: status code %d", statusCode)
			}
			return nil
		}, boCtx)
	})
	if err != nil {
		return nil, err
	}

	if statusCode > 299 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &errBody)
		if errBody.Error != "" {
			return nil, fmt.Errorf("%s", errBody.Error)
		}
		return nil, fmt.Errorf("error sending event: status code %d", statusCode)
	}

	var parsed struct {
		IDs    []string `json:"ids"`
		Status int      `json:"status"`
		Error  string   `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("error parsing send response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("%s", parsed.Error)
	}

	return parsed.IDs, nil
}

// Serve returns an http.Handler serving every function registered against
// this client.
func (c *apiClient) Serve() http.Handler {
	return newHandler(c, handlerOpts{})
}

// ServeWithOpts is like Serve, but allows overriding the served URL.
func (c *apiClient) ServeWithOpts(opts ServeOpts) http.Handler {
	return newHandler(c, handlerOpts{
		ServeOrigin:  opts.Origin,
		ServePath:    opts.Path,
		UseStreaming: opts.UseStreaming,
	})
}
