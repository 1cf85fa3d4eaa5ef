package connect

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// messageBuffer holds WORKER_REPLY messages whose write to the connection
// failed. Gateway acks are not tracked. They're
// flushed at the start of the next connection, before steady-state
// dispatch resumes, same intent as the reference SDK's connect/buffer.go
// (simplified: no per-message ack timeout/retry bookkeeping, see DESIGN.md).
type messageBuffer struct {
	mu   sync.Mutex
	msgs []message
}

func (b *messageBuffer) add(msg message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
}

// flush writes every buffered message to ws, in order, stopping (and
// keeping the rest buffered) at the first write error.
func (b *messageBuffer) flush(ctx context.Context, ws *websocket.Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.msgs) > 0 {
		if err := wsjson.Write(ctx, ws, b.msgs[0]); err != nil {
			return err
		}
		b.msgs = b.msgs[1:]
	}
	return nil
}

func (b *messageBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}
