// Package web serves the HTTP and WebSocket interface used to command the motor and watch its
// status.
package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"
	"goji.io"
	"goji.io/pat"
	"golang.org/x/time/rate"

	"github.com/lilygo-motion/motioncontroller/config"
	"github.com/lilygo-motion/motioncontroller/control"
	"github.com/lilygo-motion/motioncontroller/logging"
	"github.com/lilygo-motion/motioncontroller/utils"
)

// broadcastQuiet is how long status changes are coalesced before being pushed to clients.
const broadcastQuiet = 20 * time.Millisecond

// A Controller executes motion commands and publishes status snapshots.
type Controller interface {
	MoveTo(ctx context.Context, position int64, speed float64) error
	JogStart(ctx context.Context, direction control.Direction) error
	JogStop(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	Status() control.Status
	Subscribe() (<-chan control.Status, func())
}

// Server exposes a Controller over HTTP.
type Server struct {
	ctrl    Controller
	store   *config.Store
	logger  logging.Logger
	limiter *rate.Limiter
	origins []string

	upgrader websocket.Upgrader
	handler  http.Handler

	mu      sync.Mutex
	clients map[string]*client

	latest    atomic.Pointer[control.Status]
	debounced func(func())
	workers   *utils.Loops
}

// NewServer returns a server for ctrl using the web settings held by store.
func NewServer(ctrl Controller, store *config.Store, logger logging.Logger) *Server {
	cfg := store.Config().Web
	s := &Server{
		ctrl:      ctrl,
		store:     store,
		logger:    logger,
		limiter:   newLimiter(cfg.CommandRate),
		origins:   cfg.AllowedOrigins,
		clients:   map[string]*client{},
		debounced: debounce.New(broadcastQuiet),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	mux := goji.NewMux()
	mux.HandleFunc(pat.Get("/api/status"), s.handleStatus)
	mux.HandleFunc(pat.Get("/api/config"), s.handleGetConfig)
	mux.HandleFunc(pat.Post("/api/config"), s.handleSetConfig)
	mux.HandleFunc(pat.Post("/api/command"), s.handleCommand)
	mux.HandleFunc(pat.Get("/ws"), s.handleWebSocket)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)
	return s
}

// newLimiter bounds commands to perSecond. Zero disables the limit.
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins forwarding status changes to WebSocket clients.
func (s *Server) Start() {
	updates, cancel := s.ctrl.Subscribe()
	s.workers = utils.StartLoops(func(ctx context.Context) {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case st := <-updates:
				s.latest.Store(&st)
				s.debounced(s.flushStatus)
			}
		}
	})
}

// Serve accepts connections on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Handler:           s.handler,
	}
	goutils.PanicCapturingGo(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorw("error shutting down", "error", err)
		}
	})

	s.logger.Infow("serving", "url", "http://"+listener.Addr().String())
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the status forwarder and disconnects every client.
func (s *Server) Close() error {
	if s.workers != nil {
		s.workers.Stop()
	}
	s.mu.Lock()
	clients := lo.Values(s.clients)
	s.clients = map[string]*client{}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.origins) == 0 {
		return true
	}
	return lo.Contains(s.origins, origin)
}

func (s *Server) flushStatus() {
	st := s.latest.Load()
	if st == nil {
		return
	}
	s.broadcast(newStatusMessage(*st))
}

func (s *Server) broadcast(msg interface{}) {
	s.mu.Lock()
	clients := lo.Values(s.clients)
	s.mu.Unlock()
	for _, c := range clients {
		c.send(msg)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, newStatusMessage(s.ctrl.Status()))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, newConfigMessage(s.store.Motor()))
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var attrs map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid json"))
		return
	}
	resp, err := s.setConfig(attrs)
	if err != nil {
		s.writeError(w, statusCode(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid json"))
		return
	}
	resp, err := s.dispatch(r.Context(), cmd)
	if err != nil {
		s.writeError(w, statusCode(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugw("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, errorMessage{Type: "error", Message: err.Error()})
}
