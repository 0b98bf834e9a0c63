package livereload

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/oxyrun/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingEvery  = (pongWait * 9) / 10
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

type hmrMessage struct {
	Type           string    `json:"type"`
	AssetsManifest *Manifest `json:"assetsManifest,omitempty"`
	HMR            *hmrBody  `json:"hmr,omitempty"`
}

type hmrBody struct {
	Timestamp int64    `json:"timestamp"`
	Updates   []Update `json:"updates"`
}

// Message encodes d for the browser runtime, or returns nil when d asks
// for nothing.
func Message(d Decision) []byte {
	var msg hmrMessage
	switch d.Kind {
	case DecisionHMR:
		updates := d.Updates
		if updates == nil {
			updates = []Update{}
		}
		msg = hmrMessage{
			Type:           "HMR",
			AssetsManifest: d.Manifest,
			HMR:            &hmrBody{Timestamp: d.At.UnixMilli(), Updates: updates},
		}
	case DecisionFullReload:
		msg = hmrMessage{Type: "RELOAD"}
	default:
		return nil
	}
	data, _ := json.Marshal(msg)
	return data
}

type client struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// Server is the websocket endpoint browsers connect to for reload
// notifications.
type Server struct {
	logger *logging.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewServer creates a server with no clients.
func NewServer(logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		logger:  logger.WithComponent("livereload"),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and keeps the connection until the
// browser goes away or the server closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := &client{send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	if !s.add(c) {
		return
	}
	defer s.remove(c)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer c.stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case data := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) add(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
	c.stop()
}

// Broadcast queues d for every connected client and returns how many
// received it. A client whose queue is full is disconnected.
func (s *Server) Broadcast(d Decision) int {
	data := Message(d)
	if data == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sent := 0
	for c := range s.clients {
		select {
		case c.send <- data:
			sent++
		default:
			delete(s.clients, c)
			c.stop()
		}
	}
	s.logger.Debug("broadcast", "type", d.Kind.String(), "clients", sent)
	return sent
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client and refuses new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		c.stop()
	}
	return nil
}
