package connect

import (
	"context"
	"sync"

	"github.com/coder/websocket"
)

// workerPoolMsg is a unit of dispatch: an executor request to run, paired
// with the connection it arrived on (so the handler can reply on the right
// socket even if a reconnect happens mid-flight).
type workerPoolMsg struct {
	data executorRequestData
	ws   *websocket.Conn
}

// workerPool bounds how many executor requests run concurrently, same as
// the reference SDK's connect/worker_pool.go.
type workerPool struct {
	concurrency int
	handler     func(msg workerPoolMsg)

	inProgress sync.WaitGroup
	msgs       chan workerPoolMsg
}

func newWorkerPool(concurrency int, handler func(msg workerPoolMsg)) *workerPool {
	return &workerPool{
		concurrency: concurrency,
		handler:     handler,
		msgs:        make(chan workerPoolMsg, concurrency),
	}
}

func (w *workerPool) Start(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		go w.run(ctx)
	}
}

func (w *workerPool) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.msgs:
			w.handler(msg)
		}
	}
}

// Add enqueues msg, blocking once concurrency worker slots are all busy and
// the channel buffer (one slot per worker) is also full.
func (w *workerPool) Add(msg workerPoolMsg) {
	w.inProgress.Add(1)
	w.msgs <- msg
}

// Done marks one previously Added message as finished. The handler is
// responsible for calling this once it's done processing a message.
func (w *workerPool) Done() {
	w.inProgress.Done()
}

// Wait blocks until every Added message has been marked Done, used during
// graceful shutdown to drain in-flight work before closing the connection.
func (w *workerPool) Wait() {
	w.inProgress.Wait()
}
