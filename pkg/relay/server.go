// Package relay implements the key-addressed signaling relay. Endpoints
// register an identity key over a WebSocket; every call, answer, ice and bye
// they send is delivered to the connection registered under its "to" key as
// incoming_call, call_answer, ice and call_ended with "from" set to the
// sender's key. The relay keeps no call state.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"zvonilka/pkg/log"
	"zvonilka/pkg/signal"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 256
)

type ServerConfig struct {
	Listen string
}

type Server struct {
	cfg ServerConfig

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	conns   map[*client]struct{}
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		conns:   make(map[*client]struct{}),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.ServeWS)
	r.Get("/health", s.serveHealth)

	return r
}

// Run serves until ctx is done, then shuts the listener down and drops every
// connection.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		log.Infof("relay listening on %s", s.cfg.Listen)

		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "relay listen")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err)
	}

	s.closeAll()

	return nil
}

// Registered reports whether key currently has a connection.
func (s *Server) Registered(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.clients[key]

	return ok
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(errors.Wrap(err, "upgrade"))

		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	go s.readPump(c)
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	registered, conns := len(s.clients), len(s.conns)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"clients":     registered,
		"connections": conns,
	}); err != nil {
		log.Error(err)
	}
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn(errors.Wrap(err, "relay read"))
			}

			return
		}

		s.route(c, payload)
	}
}

func (s *Server) route(from *client, payload []byte) {
	msg, err := signal.Parse(payload)
	if err != nil {
		log.Warn(err)

		return
	}

	if msg.Action == signal.ActionRegister {
		s.register(msg.Key, from)

		return
	}

	key := s.keyOf(from)
	if len(key) == 0 {
		log.Warnf("%s from unregistered connection, dropped", msg.Action)

		return
	}

	if len(msg.To) == 0 {
		log.Warnf("%s from %q has no recipient, dropped", msg.Action, key)

		return
	}

	var out signal.Message

	switch msg.Action {
	case signal.ActionCall:
		out = signal.IncomingCall(key, msg.Signal)
	case signal.ActionAnswer:
		out = signal.CallAnswer(key, msg.Signal)
	case signal.ActionICE:
		out = signal.RelayedICE(key, msg.Candidate)
	case signal.ActionBye:
		out = signal.CallEnded(key)
	default:
		log.Warnf("%s is not accepted from endpoints, dropped", msg.Action)

		return
	}

	s.deliver(msg.To, out)
}

func (s *Server) deliver(to string, msg signal.Message) {
	s.mu.Lock()
	target := s.clients[to]
	s.mu.Unlock()

	l := log.WithFields(log.Fields{"action": msg.Action, "from": msg.From, "to": to})

	if target == nil {
		l.Debug("recipient not registered, dropped")

		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		l.Error(err)

		return
	}

	if !target.enqueue(payload) {
		l.Warn("recipient queue full, dropped")

		return
	}

	l.Debug("relayed")
}

// register binds key to c. A later registration of the same key takes it
// over; a connection that re-registers under a new key gives up the old one.
func (s *Server) register(key string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(c.key) != 0 && c.key != key && s.clients[c.key] == c {
		delete(s.clients, c.key)
	}

	if prev, ok := s.clients[key]; ok && prev != c {
		prev.key = ""
		log.Infof("key %q taken over by a new connection", key)
	}

	c.key = key
	s.clients[key] = c

	log.Infof("registered %q", key)
}

// unregister forgets c and drops its key unless another connection has
// taken it over.
func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, c)

	if len(c.key) != 0 && s.clients[c.key] == c {
		delete(s.clients, c.key)
		log.Infof("unregistered %q", c.key)
	}
}

func (s *Server) keyOf(c *client) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return c.key
}

func (s *Server) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// closeAll drops every upgraded connection, registered or not.
func (s *Server) closeAll() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	// key is guarded by Server.mu.
	key string

	done chan struct{}
	once sync.Once
}

func (c *client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Warn(errors.Wrap(err, "relay write"))
				c.close()

				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()

				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))

			return
		}
	}
}
