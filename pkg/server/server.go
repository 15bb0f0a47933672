// Package server exposes the engine over HTTP: a WebSocket endpoint for
// clients and a read-only JSON listing of every item.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/schalter/pkg/protocol"
	"github.com/astromechza/schalter/pkg/session"
	"github.com/astromechza/schalter/pkg/store"
	"github.com/astromechza/schalter/pkg/wsconn"
)

type Lister interface {
	ListAll(ctx context.Context) ([]store.Item, error)
}

// Engine is the part of the sync engine driven by connections.
type Engine interface {
	Connect(id string, conn session.Conn)
	Disconnect(id string)
	HandleMessage(ctx context.Context, id string, raw []byte) error
}

type Options struct {
	SendTimeout    time.Duration
	SendQueueLimit int
	MessageRate    float64
	MessageBurst   int
}

// Server is the HTTP handler for the service. Connections are bound to the
// context passed to NewRouter rather than to their request, so cancelling it
// ends every connection and Wait returns once their handlers are done.
type Server struct {
	ctx      context.Context
	engine   Engine
	lister   Lister
	opts     Options
	upgrader websocket.Upgrader
	router   *mux.Router

	mu       sync.Mutex
	draining bool
	active   sync.WaitGroup
}

func NewRouter(ctx context.Context, engine Engine, lister Lister, opts Options) *Server {
	s := &Server{
		ctx:    ctx,
		engine: engine,
		lister: lister,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/items").HandlerFunc(s.listItems)
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.connect)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	s.router.ServeHTTP(writer, request)
}

// Wait refuses new connections and blocks until every connection handler has
// returned. The engine is not touched by this server once Wait returns.
func (s *Server) Wait() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.active.Wait()
}

func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.active.Add(1)
	return true
}

func (s *Server) listItems(writer http.ResponseWriter, request *http.Request) {
	items, err := s.lister.ListAll(request.Context())
	if err != nil {
		slog.Error("failed to list items", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	toggles := make([]protocol.Toggle, 0, len(items))
	for _, item := range items {
		toggles = append(toggles, protocol.Toggle{Item: item.Key, Name: item.Name, Expiry: item.ExpiryAt})
	}
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(toggles); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *Server) connect(writer http.ResponseWriter, request *http.Request) {
	if !s.track() {
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer s.active.Done()

	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}

	id := uuid.NewString()
	conn := wsconn.New(id, ws, wsconn.Options{
		SendTimeout:    s.opts.SendTimeout,
		SendQueueLimit: s.opts.SendQueueLimit,
		OnClose:        s.engine.Disconnect,
	})
	s.engine.Connect(id, conn)
	defer func() {
		_ = conn.Close()
		s.engine.Disconnect(id)
	}()

	var limiter *rate.Limiter
	if s.opts.MessageRate > 0 {
		burst := s.opts.MessageBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessageRate), burst)
	}
	if err := wsconn.ReadLoop(s.ctx, id, ws, s.engine, limiter); err != nil {
		slog.Info("connection ended", "session", id, "err", err)
	}
}
