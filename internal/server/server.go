package server

import (
	"context"
	"encoding/json"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/psoc-bridge/internal/binder"
	"github.com/shaunagostinho/psoc-bridge/internal/can"
	"github.com/shaunagostinho/psoc-bridge/internal/echo"
	"github.com/shaunagostinho/psoc-bridge/internal/logger"
)

// Server exposes the bridge over HTTP and streams CAN traffic and binding
// status to WebSocket clients.
type Server struct {
	cfg    *Config
	binder *binder.Binder
	logger *logger.Logger
	webFS  fs.FS

	// openSerial opens the CDC port for serial echo runs.
	openSerial func(echo.SerialConfig) (serialExchanger, error)

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	echoMu sync.Mutex // one echo run at a time
}

type serialExchanger interface {
	echo.Exchanger
	Close() error
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	CAN    *can.Message `json:"can,omitempty"`
	Status *Status      `json:"status,omitempty"`
	Stamp  int64        `json:"stamp"` // Unix ms
}

// Status is the bridge status surface.
type Status struct {
	Binder      binder.Status `json:"binder"`
	Logging     bool          `json:"logging"`
	LogFile     string        `json:"logFile,omitempty"`
	Clients     int           `json:"clients"`
	Subscribers int           `json:"subscribers"`
	Dropped     uint64        `json:"dropped"` // CAN deliveries skipped for slow subscribers
}

// New creates a new Server.
func New(cfg *Config, b *binder.Binder, lg *logger.Logger, webFS fs.FS) *Server {
	return &Server{
		cfg:    cfg,
		binder: b,
		logger: lg,
		webFS:  webFS,
		openSerial: func(c echo.SerialConfig) (serialExchanger, error) {
			return echo.OpenSerial(c)
		},
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/can/send", s.handleCANSend)
	mux.HandleFunc("/api/echo", s.handleEcho)
	mux.HandleFunc("/api/logging", s.handleLogging)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run starts the HTTP server and the streaming loops.
func (s *Server) Run(ctx context.Context) error {
	go s.streamLoop(ctx)
	go s.statusLoop(ctx)

	addr := s.cfg.ListenAddr()
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) status() Status {
	hub := s.binder.Hub()
	s.clientsMu.RLock()
	clients := len(s.clients)
	s.clientsMu.RUnlock()
	return Status{
		Binder:      s.binder.Status(),
		Logging:     s.logger.IsEnabled(),
		LogFile:     s.logger.CurrentFile(),
		Clients:     clients,
		Subscribers: hub.Subscribers(),
		Dropped:     hub.Dropped(),
	}
}

// streamLoop forwards every sequenced CAN message to WebSocket clients.
func (s *Server) streamLoop(ctx context.Context) {
	sub := s.binder.Hub().Subscribe(256)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.C:
			if !ok {
				return
			}
			s.broadcast(Frame{CAN: &m, Stamp: time.Now().UnixMilli()})
		}
	}
}

// statusLoop pushes the status surface once a second.
func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.status()
			s.broadcast(Frame{Status: &st, Stamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial status before any traffic
	st := s.status()
	if data, err := json.Marshal(Frame{Status: &st, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects close)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
