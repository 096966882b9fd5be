package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tidemark-net/tidemark/negentropy"
)

// connection is one client websocket. Reads are handled sequentially by the
// read loop; writes go through a bounded queue drained by the write loop, so
// any goroutine can enqueue without blocking.
type connection struct {
	id     string
	logger *zap.Logger
	ws     *websocket.Conn
	cfg    *Config

	out        chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	dropReason string

	// reconciliation sessions, touched only by the read loop
	neg map[string]*negentropy.Negentropy
}

func newConnection(ws *websocket.Conn, cfg *Config, logger *zap.Logger) *connection {
	id := uuid.New().String()
	return &connection{
		id:     id,
		logger: logger.With(zap.String("conn", id)),
		ws:     ws,
		cfg:    cfg,
		out:    make(chan []byte, cfg.OutQueueSize),
		closed: make(chan struct{}),
		neg:    make(map[string]*negentropy.Negentropy),
	}
}

// Enqueue queues a frame for delivery without blocking. It reports false
// when the queue is full; frames enqueued on a closed connection are
// silently discarded.
func (c *connection) Enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// Drop tears the connection down asynchronously. The write loop sends a
// close frame with the reason and closes the socket, which in turn unblocks
// the read loop.
func (c *connection) Drop(reason string) {
	c.closeOnce.Do(func() {
		c.dropReason = reason
		close(c.closed)
	})
}

// send enqueues a frame produced by the read loop itself; overflow here
// means the client cannot even keep up with its own acknowledgments.
func (c *connection) send(frame []byte) {
	if !c.Enqueue(frame) {
		queueOverflows.WithLabelValues().Inc()
		c.Drop("slow consumer: outbound queue overflow")
	}
}

func (c *connection) writeLoop() {
	pingPeriod := c.cfg.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Drop("write failed")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Drop("ping failed")
				return
			}
		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, c.dropReason))
			return
		}
	}
}
