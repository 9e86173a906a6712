package signal

import (
	"context"
	"sync"
	"time"

	"zvonilka/pkg/log"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendQueueSize    = 256
	inboundQueueSize = 256
)

// WebSocket is a Channel over a gorilla/websocket client connection. A
// WebSocket is single-use: once closed it cannot be reopened.
type WebSocket struct {
	cfg WebSocketConfig

	mu   sync.Mutex
	conn *websocket.Conn

	send    chan []byte
	inbound chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

type WebSocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
}

var _ Channel = (*WebSocket)(nil)

func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	return &WebSocket{
		cfg:     cfg,
		send:    make(chan []byte, sendQueueSize),
		inbound: make(chan []byte, inboundQueueSize),
		done:    make(chan struct{}),
	}
}

func (w *WebSocket) Open(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isClosed() {
		return ErrChannelClosed
	}

	if w.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.HandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "dial relay %s", w.cfg.URL)
	}

	w.conn = conn

	go w.readPump(conn)
	go w.writePump(conn)

	log.Infof("relay channel open: %s", w.cfg.URL)

	return nil
}

func (w *WebSocket) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.conn != nil && !w.isClosed()
}

func (w *WebSocket) Send(payload []byte) error {
	if !w.IsOpen() {
		return ErrChannelClosed
	}

	select {
	case w.send <- payload:
		return nil
	case <-w.done:
		return ErrChannelClosed
	default:
		return errors.New("relay channel send queue full")
	}
}

func (w *WebSocket) Inbound() <-chan []byte {
	return w.inbound
}

func (w *WebSocket) Done() <-chan struct{} {
	return w.done
}

func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})

	return nil
}

func (w *WebSocket) isClosed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *WebSocket) readPump(conn *websocket.Conn) {
	defer func() {
		close(w.inbound)
		w.Close()
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error(errors.Wrap(err, "relay channel read"))
			}

			return
		}

		select {
		case w.inbound <- payload:
		case <-w.done:
			return
		}
	}
}

func (w *WebSocket) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload := <-w.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Error(errors.Wrap(err, "relay channel write"))
				w.Close()

				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.Close()

				return
			}
		case <-w.done:
			w.drain(conn)

			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))

			return
		}
	}
}

// drain flushes whatever was queued before Close so a final bye is not lost.
func (w *WebSocket) drain(conn *websocket.Conn) {
	for {
		select {
		case payload := <-w.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}
