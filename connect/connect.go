package connect

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/oklog/ulid/v2"
	"github.com/pbnjay/memory"
	"golang.org/x/sync/errgroup"

	"github.com/inngest/sdk-go"
	"github.com/inngest/sdk-go/internal/opcode"
	"github.com/inngest/sdk-go/internal/sdkrequest"
)

// WorkerHeartbeatInterval is how often a connected worker pings the gateway
// to report it's still alive.
const WorkerHeartbeatInterval = 30 * time.Second

var errGatewayDraining = errors.New("connect: gateway draining")

// client is the subset of *inngestgo.apiClient this package needs to
// establish a connect session and dispatch invokes. It's satisfied
// structurally, since the connect package can't import the root package's
// unexported apiClient type directly; callers pass their inngestgo.Client
// and it's asserted to this interface.
type client interface {
	AppID() string
	IsDevMode() bool
	ConnectConfig() (inngestgo.ConnectConfig, error)
	ConnectSync(ctx context.Context, deployID *string) error
	Invoke(ctx context.Context, fnID string, req *sdkrequest.Request) (any, []opcode.Step, error)
}

// Opts configures a connect session.
type Opts struct {
	// GatewayURLs overrides the gateway(s) to dial, in preference order. If
	// empty, a client in dev mode dials the local Dev Server's connect
	// endpoint; a production client has nothing to fall back to and Connect
	// returns an error.
	GatewayURLs []string

	// InstanceID identifies this worker process across reconnects. If nil,
	// the host's hostname is used.
	InstanceID *string

	// BuildID identifies the deploy this worker process was built from, for
	// the platform's UI. Optional.
	BuildID *string

	// MaxConcurrency bounds how many executor requests this worker handles
	// at once. Defaults to 10.
	MaxConcurrency int

	// Logger receives structured logs for the connect session's lifecycle.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

func (o Opts) gatewayURLs(c client) []string {
	if len(o.GatewayURLs) > 0 {
		return o.GatewayURLs
	}
	if c.IsDevMode() {
		return []string{strings.Replace(inngestgo.DevServerURL(), "http", "ws", 1) + "/connect"}
	}
	return nil
}

func (o Opts) instanceID() string {
	if o.InstanceID != nil {
		return *o.InstanceID
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return "<missing-instance-id>"
}

func (o Opts) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Opts) maxConcurrency() int {
	if o.MaxConcurrency > 0 {
		return o.MaxConcurrency
	}
	return 10
}

// connector holds the state carried across reconnects within a single
// Connect call: buffered unacked replies and the worker pool dispatching
// executor requests.
type connector struct {
	c      client
	opts   Opts
	buffer messageBuffer
	pool   *workerPool
}

// Connect dials a gateway and serves c's registered functions over the
// connection until ctx is cancelled, reconnecting on connection loss or
// gateway draining. Each attempt tries the configured gateway URLs in order
// and uses the first that accepts the dial; a failed attempt is retried
// rather than returned. It returns nil when a session ends after ctx has
// been cancelled, and an error if no gateway URLs are configured.
func Connect(ctx context.Context, c inngestgo.Client, opts Opts) error {
	wc, ok := c.(client)
	if !ok {
		return fmt.Errorf("connect: client does not support the connect transport")
	}

	conn := &connector{c: wc, opts: opts}
	conn.pool = newWorkerPool(opts.maxConcurrency(), conn.handleExecutorRequest)
	conn.pool.Start(ctx)

	for {
		reconnect, err := conn.run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			opts.logger().Error("connect session ended", "error", err)
		}
		if !reconnect {
			return err
		}
	}
}

// run performs a single connection attempt: dial, handshake, steady-state
// dispatch, until the connection ends. It reports whether the caller should
// attempt to reconnect.
func (conn *connector) run(ctx context.Context) (bool, error) {
	urls := conn.opts.gatewayURLs(conn.c)
	if len(urls) == 0 {
		return false, fmt.Errorf("connect: no gateway URLs configured")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var ws *websocket.Conn
	var err error
	for _, u := range urls {
		ws, _, err = websocket.Dial(dialCtx, u, nil)
		if err == nil {
			break
		}
	}
	if err != nil {
		return true, fmt.Errorf("could not connect to any gateway: %w", err)
	}
	defer func() { _ = ws.CloseNow() }()

	connectionID := ulid.MustNew(ulid.Now(), rand.Reader).String()

	if err := conn.handshake(ctx, ws, connectionID); err != nil {
		return true, err
	}

	return conn.steadyState(ctx, ws)
}

// handshake exchanges the GATEWAY_HELLO / WORKER_CONNECT /
// GATEWAY_CONNECTION_READY messages that establish a session, grounded in
// connect/connection.go's prepareConnection.
func (conn *connector) handshake(ctx context.Context, ws *websocket.Conn, connectionID string) error {
	{
		helloCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		var hello message
		if err := wsjson.Read(helloCtx, ws, &hello); err != nil {
			return fmt.Errorf("did not receive gateway hello message: %w", err)
		}
		if hello.Kind != KindGatewayHello {
			return fmt.Errorf("expected gateway hello message, got %s", hello.Kind)
		}
	}

	cfg, err := conn.c.ConnectConfig()
	if err != nil {
		return err
	}

	data := workerConnectData{
		HashedSigningKey: cfg.HashedSigningKey,
		AppName:          cfg.AppName,
		Env:              cfg.Env,
		Session: sessionDetails{
			InstanceID:   conn.opts.instanceID(),
			BuildID:      conn.opts.BuildID,
			ConnectionID: connectionID,
		},
		SDKAuthor:   inngestgo.SDKAuthor,
		SDKLanguage: inngestgo.SDKLanguage,
		SDKVersion:  inngestgo.SDKVersion,
		Functions:   cfg.Functions,
		System: systemAttributes{
			CPUCores: runtime.NumCPU(),
			MemBytes: int64(memory.TotalMemory()),
			OS:       runtime.GOOS,
		},
	}
	byt, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("could not serialize connect message: %w", err)
	}
	if err := wsjson.Write(ctx, ws, message{Kind: KindWorkerConnect, Data: byt}); err != nil {
		return fmt.Errorf("could not send connect message: %w", err)
	}

	{
		readyCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()
		var ready message
		if err := wsjson.Read(readyCtx, ws, &ready); err != nil {
			return fmt.Errorf("did not receive gateway connection ready message: %w", err)
		}
		if ready.Kind != KindGatewayConnectionReady {
			return fmt.Errorf("expected gateway connection ready message, got %s", ready.Kind)
		}
	}

	conn.opts.logger().Debug("connect session established", "connection_id", connectionID)
	return nil
}

// steadyState flushes any replies buffered from a prior dropped connection,
// starts the heartbeat ticker, then reads gateway messages until the
// connection drops, the gateway signals it's draining, or ctx is cancelled.
// It reports whether the caller should reconnect.
func (conn *connector) steadyState(ctx context.Context, ws *websocket.Conn) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if conn.buffer.len() > 0 {
		if err := conn.buffer.flush(ctx, ws); err != nil {
			return true, fmt.Errorf("could not flush buffered replies: %w", err)
		}
	}

	go func() {
		ticker := time.NewTicker(WorkerHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := wsjson.Write(ctx, ws, message{Kind: KindWorkerHeartbeat}); err != nil {
					conn.opts.logger().Error("failed to send worker heartbeat", "error", err)
				}
			}
		}
	}()

	eg := errgroup.Group{}
	eg.Go(func() error {
		for {
			var msg message
			if err := wsjson.Read(context.Background(), ws, &msg); err != nil {
				return err
			}

			conn.opts.logger().Debug("received gateway message", "kind", msg.Kind)

			switch msg.Kind {
			case KindGatewayClosing:
				return errGatewayDraining
			case KindGatewaySync:
				var data gatewaySyncData
				_ = json.Unmarshal(msg.Data, &data)
				if err := conn.c.ConnectSync(ctx, data.DeployID); err != nil {
					conn.opts.logger().Error("error syncing over connect session", "error", err)
				}
			case KindGatewayExecutorRequest:
				var data executorRequestData
				if err := json.Unmarshal(msg.Data, &data); err != nil {
					conn.opts.logger().Error("malformed executor request", "error", err)
					continue
				}
				conn.pool.Add(workerPoolMsg{data: data, ws: ws})
			default:
				conn.opts.logger().Warn("received unknown gateway message", "kind", msg.Kind)
			}
		}
	})

	readErr := eg.Wait()
	if readErr != nil && ctx.Err() == nil {
		if errors.Is(readErr, errGatewayDraining) {
			conn.opts.logger().Debug("gateway draining, closing this connection and reconnecting")
			return true, errGatewayDraining
		}
		return true, fmt.Errorf("connection lost: %w", readErr)
	}

	// ctx was cancelled: run our own graceful shutdown instead of reconnecting.
	conn.opts.logger().Debug("sending worker pause message")
	if err := wsjson.Write(context.Background(), ws, message{Kind: KindWorkerPause}); err != nil {
		conn.opts.logger().Error("failed to send worker pause message", "error", err)
	}

	conn.opts.logger().Debug("waiting for in-progress requests to finish")
	conn.pool.Wait()

	_ = ws.Close(websocket.StatusNormalClosure, "worker shutdown")
	return false, nil
}

// handleExecutorRequest runs one gateway-delivered invoke request and
// writes its WORKER_REPLY, buffering the reply instead if the connection
// it arrived on has since gone away.
func (conn *connector) handleExecutorRequest(wpMsg workerPoolMsg) {
	defer conn.pool.Done()

	ctx := context.Background()

	var req sdkrequest.Request
	if err := json.Unmarshal(wpMsg.data.RequestBytes, &req); err != nil {
		conn.reply(ctx, wpMsg.ws, workerReply{
			RequestID: wpMsg.data.RequestID,
			Status:    replyStatusError,
			Body:      mustMarshal("malformed input"),
		})
		return
	}

	resp, ops, err := conn.c.Invoke(ctx, wpMsg.data.FunctionID, &req)

	noRetry := inngestgo.IsNoRetryError(err)
	retryAfter := ""
	if at := inngestgo.GetRetryAtTime(err); at != nil {
		retryAfter = at.Format(time.RFC3339)
	}

	if err != nil {
		conn.opts.logger().Error("error calling function", "error", err)
		conn.reply(ctx, wpMsg.ws, workerReply{
			RequestID:  wpMsg.data.RequestID,
			Status:     replyStatusError,
			Body:       mustMarshal(fmt.Sprintf("error calling function: %s", err.Error())),
			NoRetry:    noRetry,
			RetryAfter: retryAfter,
		})
		return
	}

	if len(ops) > 0 {
		// New (non-memoized) steps were discovered; the gateway re-invokes
		// us once they resolve instead of treating this as a final result.
		conn.reply(ctx, wpMsg.ws, workerReply{
			RequestID:  wpMsg.data.RequestID,
			Status:     replyStatusNotCompleted,
			Body:       mustMarshal(ops),
			NoRetry:    noRetry,
			RetryAfter: retryAfter,
		})
		return
	}

	conn.reply(ctx, wpMsg.ws, workerReply{
		RequestID: wpMsg.data.RequestID,
		Status:    replyStatusDone,
		Body:      mustMarshal(resp),
	})
}

func (conn *connector) reply(ctx context.Context, ws *websocket.Conn, r workerReply) {
	byt, err := json.Marshal(r)
	if err != nil {
		conn.opts.logger().Error("failed to serialize reply", "error", err)
		return
	}

	msg := message{Kind: KindWorkerReply, Data: byt}
	if err := wsjson.Write(ctx, ws, msg); err != nil {
		conn.opts.logger().Error("failed to send reply, buffering for next connection", "error", err)
		conn.buffer.add(msg)
	}
}

func mustMarshal(v any) json.RawMessage {
	byt, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", fmt.Sprintf("%v", v)))
	}
	return byt
}
