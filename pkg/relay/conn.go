package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// wsConn serializes writes to a websocket through a buffered queue drained
// by writePump.
type wsConn struct {
	conn   *websocket.Conn
	logger *zap.Logger

	mu     sync.Mutex
	out    chan []byte
	closed bool
}

func newWSConn(conn *websocket.Conn, logger *zap.Logger) *wsConn {
	return &wsConn{conn: conn, logger: logger, out: make(chan []byte, sendBufferSize)}
}

// keepAlive expects a pong within pingPeriod plus writeWait of every ping.
func (w *wsConn) keepAlive(pingPeriod time.Duration, readLimit int64) {
	pongWait := pingPeriod + writeWait
	w.conn.SetReadLimit(readLimit)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (w *wsConn) readFrame() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		w.logger.Debug("Websocket read failed", zap.Error(err))
	}
	return data, err
}

// send queues a frame. A peer that cannot keep up is disconnected; relay
// clients receive the full state again when they rejoin.
func (w *wsConn) send(data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.out <- data:
	default:
		w.logger.Warn("Send buffer full, disconnecting")
		w.closed = true
		close(w.out)
	}
}

// close stops accepting frames; writePump drains what is queued and closes
// the connection.
func (w *wsConn) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.out)
	}
}

func (w *wsConn) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()
	for {
		select {
		case data, ok := <-w.out:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = w.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
