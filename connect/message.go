// Package connect implements the long-lived, outbound connection transport:
// instead of the platform reaching an HTTP endpoint this worker exposes, the
// worker dials out to a gateway over a websocket and receives invoke
// requests over that connection. It speaks a JSON message envelope rather
// than the reference SDK's protobuf wire format (see DESIGN.md), but mirrors
// its handshake/steady-state/heartbeat/draining state machine.
package connect

import "encoding/json"

// Kind identifies the purpose of a message exchanged over a connect session.
type Kind string

const (
	KindGatewayHello           Kind = "GATEWAY_HELLO"
	KindWorkerConnect          Kind = "WORKER_CONNECT"
	KindGatewayConnectionReady Kind = "GATEWAY_CONNECTION_READY"
	KindWorkerHeartbeat        Kind = "WORKER_HEARTBEAT"
	KindGatewaySync            Kind = "GATEWAY_SYNC"
	KindGatewayClosing         Kind = "GATEWAY_CLOSING"
	KindGatewayExecutorRequest Kind = "GATEWAY_EXECUTOR_REQUEST"
	KindWorkerReply            Kind = "WORKER_REPLY"
	KindWorkerPause            Kind = "WORKER_PAUSE"
)

// message is the envelope every frame on a connect session is wrapped in.
type message struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// sessionDetails identifies this specific connection attempt within a
// worker's lifetime, so the gateway can correlate reconnects.
type sessionDetails struct {
	InstanceID   string  `json:"instanceId"`
	BuildID      *string `json:"buildId,omitempty"`
	ConnectionID string  `json:"connectionId"`
}

// systemAttributes reports host resources at connect time, matching the
// reference SDK's connect/connection.go SystemAttributes.
type systemAttributes struct {
	CPUCores int    `json:"cpuCores"`
	MemBytes int64  `json:"memBytes"`
	OS       string `json:"os"`
}

// workerConnectData is the WORKER_CONNECT payload authenticating and
// describing this worker to the gateway.
type workerConnectData struct {
	HashedSigningKey []byte           `json:"hashedSigningKey"`
	AppName          string           `json:"appName"`
	Env              string           `json:"env,omitempty"`
	Session          sessionDetails   `json:"session"`
	SDKAuthor        string           `json:"sdkAuthor"`
	SDKLanguage      string           `json:"sdkLanguage"`
	SDKVersion       string           `json:"sdkVersion"`
	Functions        json.RawMessage  `json:"functions"`
	System           systemAttributes `json:"system"`
}

// gatewaySyncData carries the deploy ID the gateway wants re-synced.
type gatewaySyncData struct {
	DeployID *string `json:"deployId,omitempty"`
}

// executorRequestData is the GATEWAY_EXECUTOR_REQUEST payload: an invoke
// request the gateway wants this worker to run.
type executorRequestData struct {
	RequestID    string          `json:"requestId"`
	FunctionID   string          `json:"functionId"`
	RequestBytes json.RawMessage `json:"requestBytes"`
}

// replyStatus mirrors the reference SDK's SdkResponseStatus values.
type replyStatus string

const (
	replyStatusDone         replyStatus = "done"
	replyStatusNotCompleted replyStatus = "not_completed"
	replyStatusError        replyStatus = "error"
)

// workerReply is the WORKER_REPLY payload sent back once an executor
// request has been handled (or failed).
type workerReply struct {
	RequestID  string          `json:"requestId"`
	Status     replyStatus     `json:"status"`
	Body       json.RawMessage `json:"body"`
	NoRetry    bool            `json:"noRetry,omitempty"`
	RetryAfter string          `json:"retryAfter,omitempty"`
}
