package inngestgo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/inngest/sdk-go/experimental"
	"github.com/inngest/sdk-go/internal"
	"github.com/inngest/sdk-go/internal/event"
	"github.com/inngest/sdk-go/internal/middleware"
	"github.com/inngest/sdk-go/internal/opcode"
	"github.com/inngest/sdk-go/internal/sdkrequest"
	"github.com/inngest/sdk-go/internal/types"
)

// ErrTypeMismatch is returned when a function's input event can't be
// unmarshalled into its declared type.
var ErrTypeMismatch = fmt.Errorf("cannot invoke function with mismatched types")

// DefaultMaxBodySize bounds how much of an incoming invoke request this
// handler will read (100MB).
var DefaultMaxBodySize = 1024 * 1024 * 100

var capabilities = types.Capabilities{
	TrustProbe: true,
}

// handlerOpts configures the HTTP surface served for a client's registered
// functions. Unlike ClientOpts, these are internal: callers reach them via
// Client.Serve / Client.ServeWithOpts.
type handlerOpts struct {
	// ServeOrigin, if set, replaces the host reported to the platform at
	// registration time (the scheme still comes from the incoming request),
	// taking precedence over INNGEST_SERVE_HOST.
	ServeOrigin *string
	// ServePath, if set, overrides the path reported to the platform at
	// registration time, taking precedence over INNGEST_SERVE_PATH.
	ServePath *string
	// MaxBodySize overrides DefaultMaxBodySize for invoke requests served
	// by this handler.
	MaxBodySize int
	// UseStreaming enables streaming mode for invoke requests; see ServeOpts.
	UseStreaming bool
	// URL, if set, is the detected request URL; its scheme/host/path are
	// used as a fallback when ServeOrigin/ServePath aren't set.
	URL *url.URL
}

// StreamResponse is the envelope written once at the end of a streamed
// invoke request (see handlerOpts.UseStreaming). The whitespace written
// while the function runs keeps the connection alive; this is the payload
// that follows it.
type StreamResponse struct {
	StatusCode int               `json:"status"`
	Body       any               `json:"body"`
	RetryAt    *time.Time        `json:"retryAt"`
	NoRetry    bool              `json:"noRetry"`
	Headers    map[string]string `json:"headers"`
}

func (o handlerOpts) origin() string {
	if o.ServeOrigin != nil {
		return *o.ServeOrigin
	}
	return os.Getenv("INNGEST_SERVE_HOST")
}

func (o handlerOpts) path() string {
	if o.ServePath != nil {
		return *o.ServePath
	}
	return os.Getenv("INNGEST_SERVE_PATH")
}

func (o handlerOpts) maxBodySize() int {
	if o.MaxBodySize > 0 {
		return o.MaxBodySize
	}
	return DefaultMaxBodySize
}

// commHandler serves the communication protocol (register, invoke,
// introspect, trust probe) for every function registered against a client.
type commHandler struct {
	c    *apiClient
	opts handlerOpts
}

// newHandler builds the http.Handler returned by Client.Serve.
func newHandler(c *apiClient, opts handlerOpts) http.Handler {
	return &commHandler{c: c, opts: opts}
}

func (h *commHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.c.logger().Debug("received http request", "method", r.Method)
	SetBasicResponseHeaders(w)

	switch r.Method {
	case http.MethodGet:
		if err := h.introspect(w, r); err != nil {
			writeError(w, 500, err.Error())
		}
	case http.MethodPost:
		if r.URL.Query().Get("probe") == "trust" {
			h.trust(r.Context(), w, r)
			return
		}
		if err := h.invoke(w, r); err != nil {
			writeError(w, statusOf(err), err.Error())
		}
	case http.MethodPut:
		if err := h.register(w, r); err != nil {
			h.c.logger().Error("error registering functions", "error", err.Error())
			writeError(w, 500, err.Error())
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// httpError carries an HTTP status alongside a message, so ServeHTTP can
// report the right code without every method writing its own response.
type httpError struct {
	status int
	msg    string
}

func (e httpError) Error() string { return e.msg }

func statusOf(err error) int {
	var he httpError
	if ok := asHTTPError(err, &he); ok {
		return he.status
	}
	return 500
}

func asHTTPError(err error, target *httpError) bool {
	he, ok := err.(httpError)
	if ok {
		*target = he
	}
	return ok
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set(HeaderKeyContentType, "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}

// register self-registers the handler's functions with the platform,
// upserting every function so it can immediately be triggered.
func (h *commHandler) register(w http.ResponseWriter, r *http.Request) error {
	funcs := h.c.functions()

	qp := r.URL.Query()
	syncID := qp.Get("deployId")
	qp.Del("deployId")
	r.URL.RawQuery = qp.Encode()

	servedURL := h.servedURL(r)
	req := buildRegisterRequest(h.c, funcs, servedURL.String(), func(fnID string) string {
		stepURL := *servedURL
		values := stepURL.Query()
		values.Set("fnId", fnID)
		values.Set("step", "step")
		stepURL.RawQuery = values.Encode()
		return stepURL.String()
	})

	registerURL := fmt.Sprintf("%s/fn/register", h.c.apiBaseURL())

	createRequest := func() (*http.Request, error) {
		byt, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("error marshalling function config: %w", err)
		}

		httpReq, err := http.NewRequest(http.MethodPost, registerURL, bytes.NewReader(byt))
		if err != nil {
			return nil, fmt.Errorf("error creating register request: %w", err)
		}
		if syncID != "" {
			q := httpReq.URL.Query()
			q.Set("deployId", syncID)
			httpReq.URL.RawQuery = q.Encode()
		}
		if h.c.env() != "" {
			httpReq.Header.Add(HeaderKeyEnv, h.c.env())
		}
		SetBasicRequestHeaders(httpReq)
		return httpReq, nil
	}

	resp, err := fetchWithAuthFallback(createRequest, h.c.signingKey(), h.c.signingKeyFallback())
	if err != nil {
		return fmt.Errorf("error performing registration request: %w", err)
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

// buildRegisterRequest builds the wire payload describing funcs, shared by
// the HTTP register handler and the connect package's sync-on-connect. stepURL
// computes the runtime URL for a given function's synthetic step; over HTTP
// this carries query params pointing back at servedURL, over connect it's a
// placeholder since the gateway dispatches by function ID instead.
func buildRegisterRequest(c *apiClient, funcs []ServableFunction, servedURL string, stepURL func(fnID string) string) types.RegisterRequest {
	req := types.RegisterRequest{
		V:          "1",
		URL:        servedURL,
		DeployType: "ping",
		SDK:        HeaderValueSDK,
		AppName:    c.AppID(),
		Headers: types.Headers{
			Env:      c.env(),
			Platform: platform(),
		},
		Capabilities: capabilities,
	}

	for _, fn := range funcs {
		cfg := fn.Config()

		var retries *types.StepRetries
		if cfg.Retries != nil {
			retries = &types.StepRetries{Attempts: *cfg.Retries}
		}

		sf := types.SDKFunction{
			Name:        fn.Name(),
			Slug:        fn.FullyQualifiedID(),
			Idempotency: cfg.Idempotency,
			Priority:    cfg.Priority,
			RateLimit:   cfg.GetRateLimit(),
			Cancel:      cfg.Cancel,
			Timeouts:    cfg.Timeouts,
			Throttle:    cfg.Throttle,
			Debounce:    cfg.Debounce,
			Steps: map[string]types.SDKStep{
				"step": {
					ID:      "step",
					Name:    fn.Name(),
					Retries: retries,
					Runtime: map[string]any{"url": stepURL(fn.FullyQualifiedID())},
				},
			},
		}

		if cfg.BatchEvents != nil {
			sf.EventBatch = map[string]any{
				"maxSize": cfg.BatchEvents.MaxSize,
				"timeout": cfg.BatchEvents.Timeout,
				"key":     cfg.BatchEvents.Key,
			}
		}
		if len(cfg.Concurrency) > 0 {
			sf.Concurrency = cfg.Concurrency
		}

		for _, trigger := range fn.Trigger().Triggers() {
			if trigger.IsCron() {
				sf.Triggers = append(sf.Triggers, types.Trigger{
					CronTrigger: &types.CronTrigger{Cron: trigger.Cron},
				})
				continue
			}
			sf.Triggers = append(sf.Triggers, types.Trigger{
				EventTrigger: &types.EventTrigger{
					Event:      trigger.Event,
					Expression: trigger.Expression,
				},
			})
		}

		req.Functions = append(req.Functions, sf)
	}

	return req
}

// servedURL computes the URL the platform should use to reach this handler,
// honoring origin/path overrides (handlerOpts, then env vars) over what the
// incoming request reports.
func (h *commHandler) servedURL(r *http.Request) *url.URL {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	path := r.URL.Path

	if origin := h.opts.origin(); origin != "" {
		host = origin
	}
	if p := h.opts.path(); p != "" {
		path = p
	}

	u, _ := url.Parse(fmt.Sprintf("%s://%s%s", scheme, host, path))
	u.RawQuery = r.URL.RawQuery
	return u
}

// invoke handles an incoming POST that asks this handler to run (or resume)
// a function.
func (h *commHandler) invoke(w http.ResponseWriter, r *http.Request) error {
	defer func() { _ = r.Body.Close() }()

	sig := r.Header.Get(HeaderKeySignature)
	max := h.opts.maxBodySize()
	byt, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(max)))
	if err != nil {
		return httpError{status: 500, msg: "error reading request body"}
	}

	if valid, _, err := ValidateRequestSignature(
		r.Context(), sig, h.c.signingKey(), h.c.signingKeyFallback(), byt, h.c.isDev(),
	); !valid {
		h.c.logger().Error("unauthorized inngest invoke request", "error", err)
		return httpError{status: 401, msg: "unauthorized"}
	}

	fnID := r.URL.Query().Get("fnId")

	request := &sdkrequest.Request{}
	if err := json.Unmarshal(byt, request); err != nil {
		return httpError{status: 400, msg: "malformed input"}
	}

	var fn ServableFunction
	for _, f := range h.c.functions() {
		if f.FullyQualifiedID() == fnID {
			fn = f
			break
		}
	}
	if fn == nil {
		// 410, not 404: 404 would mean this endpoint itself wasn't found.
		return httpError{status: 410, msg: fmt.Sprintf("function not found: %s", fnID)}
	}

	l := h.c.logger().With("fn", fnID, "call_ctx", request.CallCtx)
	l.Debug("calling function")

	streamDone, cancelStream := context.WithCancel(context.Background())
	if h.opts.UseStreaming {
		w.WriteHeader(201)
		go func() {
			for {
				if streamDone.Err() != nil {
					return
				}
				_, _ = w.Write([]byte(" "))
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
				<-time.After(5 * time.Second)
			}
		}()
	}

	mw := middleware.NewMiddlewareManager(h.c.ClientOpts.Middleware, h.c.logger())
	var resp any
	var ops []opcode.Step
	err = mw.WrapRequest(func() error {
		var err error
		resp, ops, err = h.invokeFunction(r.Context(), fn, request, mw)
		return err
	})
	cancelStream()

	noRetry := IsNoRetryError(err)
	retryAt := GetRetryAtTime(err)

	if h.opts.UseStreaming {
		if err != nil {
			l.Error("error calling function", "error", err)
			return json.NewEncoder(w).Encode(StreamResponse{
				StatusCode: 500,
				Body:       fmt.Sprintf("error calling function: %s", err.Error()),
				NoRetry:    noRetry,
				RetryAt:    retryAt,
			})
		}
		if len(ops) > 0 {
			l.Debug("reporting new steps", "total", len(ops), "requires_execution", countRequiringExecution(ops))
			return json.NewEncoder(w).Encode(StreamResponse{
				StatusCode: 206,
				Body:       ops,
			})
		}
		return json.NewEncoder(w).Encode(StreamResponse{
			StatusCode: 200,
			Body:       resp,
		})
	}

	if noRetry {
		w.Header().Add(HeaderKeyNoRetry, "true")
	}
	if retryAt != nil {
		w.Header().Add(HeaderKeyRetryAfter, retryAt.Format(time.RFC3339))
	}

	if err != nil {
		l.Error("error calling function", "error", err)
		return httpError{status: 500, msg: fmt.Sprintf("error calling function: %s", err.Error())}
	}

	w.Header().Set(HeaderKeyContentType, "application/json")
	if len(ops) > 0 {
		// New (non-memoized) steps were discovered; report them instead of
		// a final result so the platform re-invokes us once they resolve.
		l.Debug("reporting new steps", "total", len(ops), "requires_execution", countRequiringExecution(ops))
		w.WriteHeader(206)
		return json.NewEncoder(w).Encode(ops)
	}

	return json.NewEncoder(w).Encode(resp)
}

// countRequiringExecution reports how many of ops still need the executor to
// carry them out (sleeps, waits, invokes) rather than having already run
// locally, for diagnostic logging.
func countRequiringExecution(ops []opcode.Step) int {
	var n int
	for _, op := range ops {
		if op.Op.RequiresExecution() {
			n++
		}
	}
	return n
}

// Invoke runs the registered function matching fnID against req, the same
// way an HTTP invoke request would. It's the entry point the connect package
// uses to dispatch gateway-delivered executor requests; it isn't part of the
// Client interface since it's an implementation detail of the wire
// transports (HTTP, connect), not something application code should call
// directly.
func (c *apiClient) Invoke(ctx context.Context, fnID string, req *sdkrequest.Request) (any, []opcode.Step, error) {
	var fn ServableFunction
	for _, f := range c.functions() {
		if f.FullyQualifiedID() == fnID {
			fn = f
			break
		}
	}
	if fn == nil {
		return nil, nil, fmt.Errorf("could not find function with ID: %s", fnID)
	}

	h := &commHandler{c: c, opts: handlerOpts{}}
	mw := middleware.NewMiddlewareManager(c.ClientOpts.Middleware, c.logger())

	var resp any
	var ops []opcode.Step
	err := mw.WrapRequest(func() error {
		var err error
		resp, ops, err = h.invokeFunction(ctx, fn, req, mw)
		return err
	})
	return resp, ops, err
}

// invokeFunction dispatches a single function call: it builds the typed
// Input[T] the function expects via reflection, wires request-scoped
// services (middleware, logging, event sending) into context, runs the
// function, and recovers the control-flow panic step tools use to report
// newly-discovered work.
func (h *commHandler) invokeFunction(
	ctx context.Context,
	sf ServableFunction,
	input *sdkrequest.Request,
	mw *middleware.MiddlewareManager,
) (any, []opcode.Step, error) {
	if sf.Func() == nil {
		return nil, nil, fmt.Errorf("no function defined")
	}

	fCtx, cancel := context.WithCancel(ctx)

	cp := h.c.newCheckpointer(input)
	if cp != nil {
		defer cp.Close()
	}

	mgr := sdkrequest.NewManager(sf, mw, cancel, input, h.c.signingKey(), cp)
	fCtx = sdkrequest.SetManager(fCtx, mgr)
	fCtx = experimental.ContextWithLogger(fCtx, h.c.logger())
	fCtx = internal.ContextWithEventSender(fCtx, h.c)

	evt, events, err := unmarshalTriggeringEvents(input)
	if err != nil {
		return nil, nil, err
	}

	transformable := experimental.NewTransformableInput(fCtx, evt, events)
	mw.TransformInput(transformable, sf)
	fCtx = transformable.Context()

	fVal := reflect.ValueOf(sf.Func())
	inputVal := reflect.New(fVal.Type().In(1)).Elem()

	if err := populateInput(inputVal, transformable, input); err != nil {
		return nil, nil, err
	}

	mgr.OnRunStart(fCtx)
	if len(input.Steps) == 0 {
		// Nothing to replay: memoization is over before the body starts.
		mgr.OnMemoizationEnd(fCtx)
		mgr.BeforeExecution(fCtx)
	}

	var (
		res       []reflect.Value
		panickErr error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(sdkrequest.ControlHijack); ok {
					return
				}
				stack := string(debug.Stack())
				mgr.OnPanic(fCtx, r, stack)
				panickErr = fmt.Errorf("function panicked: %v", r)
			}
		}()

		res = fVal.Call([]reflect.Value{
			reflect.ValueOf(fCtx),
			inputVal,
		})
	}()

	var fnErr error
	switch {
	case panickErr != nil:
		fnErr = panickErr
	case mgr.Err() != nil:
		fnErr = mgr.Err()
	case res != nil && !res[1].IsNil():
		fnErr = res[1].Interface().(error)
	}

	var response any
	if res != nil {
		response = res[0].Interface()
	}

	if panickErr == nil && len(mgr.Ops()) == 0 {
		mgr.AfterExecution(fCtx, response, fnErr)
		if fnErr != nil {
			mgr.OnRunError(fCtx, fnErr)
		} else {
			mgr.OnRunComplete(fCtx, response)
		}
	}

	return response, mgr.Ops(), fnErr
}

// unmarshalTriggeringEvents decodes the raw event(s) a request carries into
// the untyped wire representation that middleware operates on, before the
// function's declared event type is known to matter.
func unmarshalTriggeringEvents(input *sdkrequest.Request) (*event.Event, []event.Event, error) {
	var evt event.Event
	if err := json.Unmarshal(input.Event, &evt); err != nil {
		return nil, nil, fmt.Errorf("error unmarshalling event for function: %w", err)
	}

	events := make([]event.Event, len(input.Events))
	for i, raw := range input.Events {
		if err := json.Unmarshal(raw, &events[i]); err != nil {
			return nil, nil, fmt.Errorf("error unmarshalling event in event list: %w", err)
		}
	}

	return &evt, events, nil
}

// populateInput fills the function's reflected Input[T] value (its Event,
// Events and InputCtx fields) from the (possibly middleware-transformed)
// triggering event(s). Input[T].Event is always a GenericEvent[T] wrapper
// (never a bare T), so the field's own reflected type tells us everything
// we need regardless of what T is.
func populateInput(
	inputVal reflect.Value,
	transformable *experimental.TransformableInput,
	raw *sdkrequest.Request,
) error {
	eventType := inputVal.FieldByName("Event").Type()

	evtPtr := reflect.New(eventType).Interface()
	if err := remarshal(transformable.Event, evtPtr); err != nil {
		return fmt.Errorf("error unmarshalling event for function: %w", err)
	}
	inputVal.FieldByName("Event").Set(reflect.ValueOf(evtPtr).Elem())

	sliceType := reflect.SliceOf(eventType)
	evtList := reflect.MakeSlice(sliceType, 0, len(transformable.Events))
	for i := range transformable.Events {
		newEvent := reflect.New(eventType).Interface()
		if err := remarshal(&transformable.Events[i], newEvent); err != nil {
			return fmt.Errorf("error unmarshalling event in event list: %w", err)
		}
		evtList = reflect.Append(evtList, reflect.ValueOf(newEvent).Elem())
	}
	inputVal.FieldByName("Events").Set(evtList)

	inputVal.FieldByName("InputCtx").Set(reflect.ValueOf(InputCtx{
		Env:        raw.CallCtx.Env,
		FunctionID: raw.CallCtx.FunctionID,
		RunID:      raw.CallCtx.RunID,
		StepID:     raw.CallCtx.StepID,
		Attempt:    raw.CallCtx.Attempt,
	}))

	return nil
}

// remarshal round-trips src through JSON into dst, used to convert the
// untyped event.Event wire shape into a function's declared event type.
func remarshal(src any, dst any) error {
	byt, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(byt, dst)
}

type insecureIntrospection struct {
	FunctionCount int    `json:"function_count"`
	HasEventKey   bool   `json:"has_event_key"`
	HasSigningKey bool   `json:"has_signing_key"`
	Mode          string `json:"mode"`
}

type secureIntrospection struct {
	insecureIntrospection
	Capabilities           types.Capabilities `json:"capabilities"`
	SigningKeyFallbackHash *string            `json:"signing_key_fallback_hash"`
	SigningKeyHash         *string            `json:"signing_key_hash"`
}

func (h *commHandler) introspect(w http.ResponseWriter, r *http.Request) error {
	defer func() { _ = r.Body.Close() }()

	mode := "cloud"
	if h.c.isDev() {
		mode = "dev"
	}

	insecure := insecureIntrospection{
		FunctionCount: len(h.c.functions()),
		HasEventKey:   h.c.GetEventKey() != "" && h.c.GetEventKey() != "NO_EVENT_KEY_SET",
		HasSigningKey: h.c.signingKey() != "",
		Mode:          mode,
	}

	sig := r.Header.Get(HeaderKeySignature)
	valid, _, _ := ValidateRequestSignature(
		r.Context(), sig, h.c.signingKey(), h.c.signingKeyFallback(), []byte{}, h.c.isDev(),
	)
	w.Header().Set(HeaderKeyContentType, "application/json")
	if !valid {
		return json.NewEncoder(w).Encode(insecure)
	}

	var signingKeyHash *string
	if h.c.signingKey() != "" {
		key, err := hashedSigningKey([]byte(h.c.signingKey()))
		if err != nil {
			return fmt.Errorf("error hashing signing key: %w", err)
		}
		hash := string(key)
		signingKeyHash = &hash
	}

	var signingKeyFallbackHash *string
	if h.c.signingKeyFallback() != "" {
		key, err := hashedSigningKey([]byte(h.c.signingKeyFallback()))
		if err != nil {
			return fmt.Errorf("error hashing signing key fallback: %w", err)
		}
		hash := string(key)
		signingKeyFallbackHash = &hash
	}

	return json.NewEncoder(w).Encode(secureIntrospection{
		insecureIntrospection: insecure,
		Capabilities:           capabilities,
		SigningKeyFallbackHash: signingKeyFallbackHash,
		SigningKeyHash:         signingKeyHash,
	})
}

type trustProbeResponse struct {
	Error *string `json:"error,omitempty"`
}

// trust answers the platform's "can I reach and trust this endpoint" probe.
// In dev mode it always succeeds unauthenticated; in cloud mode it requires
// (and echoes back) a valid request signature.
func (h *commHandler) trust(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	w.Header().Add(HeaderKeyContentType, "application/json")

	if h.c.isDev() {
		w.WriteHeader(200)
		_ = json.NewEncoder(w).Encode(trustProbeResponse{})
		return
	}

	sig := r.Header.Get(HeaderKeySignature)
	if sig == "" {
		writeError(w, 401, fmt.Sprintf("missing %s header", HeaderKeySignature))
		return
	}

	valid, key, err := ValidateRequestSignature(
		ctx, sig, h.c.signingKey(), h.c.signingKeyFallback(), []byte{}, false,
	)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("error validating signature: %s", err))
		return
	}
	if !valid {
		writeError(w, 401, "invalid signature")
		return
	}

	byt, err := json.Marshal(trustProbeResponse{})
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}

	respSig, err := Sign(ctx, time.Now(), []byte(key), byt)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("error signing response: %s", err))
		return
	}

	w.Header().Add(HeaderKeySignature, respSig)
	w.WriteHeader(200)
	if _, err := w.Write(byt); err != nil {
		h.c.logger().Error("error writing trust probe response", "error", err)
	}
}
